package models

import (
	"time"
)

// SyncStage is a state of the per-device sync workflow
type SyncStage string

const (
	StageIdle            SyncStage = "idle"
	StageConnecting      SyncStage = "connecting"
	StageReadingSettings SyncStage = "reading_settings"
	StageSettingClock    SyncStage = "setting_clock"
	StageListingLogs     SyncStage = "listing_logs"
	StageDownloadingLogs SyncStage = "downloading_logs"
	StageFetchingOrbital SyncStage = "fetching_orbital"
	StageWritingOrbital  SyncStage = "writing_orbital"
	StageCompleted       SyncStage = "completed"
	StageFailed          SyncStage = "failed"
)

// Terminal reports whether no further transitions leave the stage
func (s SyncStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// SyncState is the per-device workflow cursor. The orchestrator is its only
// writer; HighWaterMark is the highest log id durably handed to the upload
// queue with every lower new id also handed off or quarantined.
type SyncState struct {
	Serial string    `json:"serial" db:"serial"`
	Handle string    `json:"handle" db:"handle"`
	Stage  SyncStage `json:"stage" db:"stage"`

	LogsTotal   int    `json:"logsTotal" db:"logs_total"`
	LogsFetched int    `json:"logsFetched" db:"logs_fetched"`
	LastError   string `json:"lastError,omitempty" db:"last_error"`

	HighWaterMark uint32     `json:"highWaterMark" db:"high_water_mark"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty" db:"last_sync_at"`

	FailedLogs      LogFailures `json:"failedLogs,omitempty" db:"failed_logs"`
	QuarantinedLogs LogIDs      `json:"quarantinedLogs,omitempty" db:"quarantined_logs"`

	Model    string `json:"model,omitempty" db:"model"`
	Firmware string `json:"firmware,omitempty" db:"firmware"`
	Battery  int    `json:"battery" db:"battery"`

	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// NewSyncState returns the state of a device that was never synced
func NewSyncState(serial string) *SyncState {
	return &SyncState{
		Serial:     serial,
		Stage:      StageIdle,
		FailedLogs: make(LogFailures),
	}
}
