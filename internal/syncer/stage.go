package syncer

import (
	"github.com/openambit/ambit-sync/internal/models"
)

// Stage aliases the persisted stage type
type Stage = models.SyncStage

// transitions lists the forward edges of the workflow. Every non-terminal
// stage may additionally move to StageFailed.
var transitions = map[Stage][]Stage{
	models.StageIdle:            {models.StageConnecting},
	models.StageConnecting:      {models.StageReadingSettings},
	models.StageReadingSettings: {models.StageSettingClock},
	models.StageSettingClock:    {models.StageListingLogs},
	models.StageListingLogs:     {models.StageDownloadingLogs},
	models.StageDownloadingLogs: {models.StageDownloadingLogs, models.StageFetchingOrbital},
	models.StageFetchingOrbital: {models.StageWritingOrbital, models.StageCompleted},
	models.StageWritingOrbital:  {models.StageCompleted},
}

// CanTransition reports whether the workflow may move from one stage to another
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StageFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
