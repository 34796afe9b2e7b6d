package syncer

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/internal/models"
)

// StageEvent reports a stage transition
type StageEvent struct {
	Serial string
	Handle string
	Stage  Stage
	Err    error
	Time   time.Time
}

// ProgressEvent reports DownloadingLogs progress after each log
type ProgressEvent struct {
	Serial string
	Handle string
	LogID  uint32
	Index  int
	Total  int
	Time   time.Time
}

// NoticeEvent carries warnings and per-log outcomes that do not change the stage
type NoticeEvent struct {
	Serial  string
	Handle  string
	Type    models.EventType
	Level   models.EventLevel
	Message string
	Details models.Variables
	Time    time.Time
}

// Observer receives sync events. Implementations must not block.
type Observer interface {
	OnStage(StageEvent)
	OnProgress(ProgressEvent)
	OnNotice(NoticeEvent)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Stage    func(StageEvent)
	Progress func(ProgressEvent)
	Notice   func(NoticeEvent)
}

func (f ObserverFuncs) OnStage(e StageEvent) {
	if f.Stage != nil {
		f.Stage(e)
	}
}

func (f ObserverFuncs) OnProgress(e ProgressEvent) {
	if f.Progress != nil {
		f.Progress(e)
	}
}

func (f ObserverFuncs) OnNotice(e NoticeEvent) {
	if f.Notice != nil {
		f.Notice(e)
	}
}

// MultiObserver fans events out to several observers
type MultiObserver []Observer

func (m MultiObserver) OnStage(e StageEvent) {
	for _, o := range m {
		o.OnStage(e)
	}
}

func (m MultiObserver) OnProgress(e ProgressEvent) {
	for _, o := range m {
		o.OnProgress(e)
	}
}

func (m MultiObserver) OnNotice(e NoticeEvent) {
	for _, o := range m {
		o.OnNotice(e)
	}
}

// LogObserver reports progress through the logger, for CLI use
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates a progress reporter on the global logger
func NewLogObserver() *LogObserver {
	return &LogObserver{logger: log.With().Str("component", "progress").Logger()}
}

func (l *LogObserver) OnStage(e StageEvent) {
	ev := l.logger.Info()
	if e.Err != nil {
		ev = l.logger.Error().Err(e.Err)
	}
	ev.Str("serial", e.Serial).
		Str("handle", e.Handle).
		Str("stage", string(e.Stage)).
		Msg("Sync stage")
}

func (l *LogObserver) OnProgress(e ProgressEvent) {
	l.logger.Info().
		Str("serial", e.Serial).
		Uint32("logId", e.LogID).
		Msgf("Downloading log %d of %d", e.Index, e.Total)
}

func (l *LogObserver) OnNotice(e NoticeEvent) {
	ev := l.logger.Info()
	switch e.Level {
	case models.EventLevelWarning:
		ev = l.logger.Warn()
	case models.EventLevelError:
		ev = l.logger.Error()
	}
	ev.Str("serial", e.Serial).
		Str("type", string(e.Type)).
		Fields(map[string]interface{}(e.Details)).
		Msg(e.Message)
}
