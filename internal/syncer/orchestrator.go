package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/internal/device"
	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
	"github.com/openambit/ambit-sync/pkg/ambit"
)

// StateStore persists the per-device sync cursor
type StateStore interface {
	GetSyncState(ctx context.Context, serial string) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, state *models.SyncState) error
}

// Queue accepts decoded logs for durable cloud delivery
type Queue interface {
	Enqueue(ctx context.Context, serial string, raw []byte, entry *ambit.LogEntry) (*models.UploadTicket, bool, error)
}

// OrbitalSource provides fresh GPS ephemeris data
type OrbitalSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Config holds orchestrator settings
type Config struct {
	CallTimeout    time.Duration
	ChunkSize      int
	MaxLogs        int
	MaxLogSize     uint32
	MaxLogFailures int
	OrbitalTimeout time.Duration

	// LatestFirmware, when set, triggers an advisory for older devices
	LatestFirmware *ambit.Version

	// Now is the clock used for the device time and timestamps
	Now func() time.Time
}

// Orchestrator drives one device through a complete sync
type Orchestrator struct {
	cfg       Config
	transport device.Transport
	store     StateStore
	queue     Queue
	orbital   OrbitalSource
	observer  Observer
	logger    zerolog.Logger
}

// NewOrchestrator creates an orchestrator. orbital and observer may be nil.
func NewOrchestrator(cfg Config, transport device.Transport, store StateStore, queue Queue, orbital OrbitalSource, observer Observer) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OrbitalTimeout <= 0 {
		cfg.OrbitalTimeout = 30 * time.Second
	}
	if observer == nil {
		observer = ObserverFuncs{}
	}
	return &Orchestrator{
		cfg:       cfg,
		transport: transport,
		store:     store,
		queue:     queue,
		orbital:   orbital,
		observer:  observer,
		logger:    log.With().Str("component", "syncer").Logger(),
	}
}

// run is the mutable state of one sync
type run struct {
	o       *Orchestrator
	handle  string
	stage   Stage
	state   *models.SyncState
	session *device.Session

	// blocked is set once a log fails without being quarantined; the
	// high-water mark no longer advances after that point
	blocked bool
}

// Sync runs the full workflow against the device behind handle. The
// returned state is the last persisted cursor. A non-nil error means the
// sync ended in StageFailed.
func (o *Orchestrator) Sync(ctx context.Context, handle string) (*models.SyncState, error) {
	r := &run{
		o:      o,
		handle: handle,
		stage:  models.StageIdle,
		state:  models.NewSyncState(""),
	}
	r.state.Handle = handle

	err := r.execute(ctx)
	if r.session != nil {
		r.session.Close()
	}
	if err != nil {
		return r.state, r.fail(err)
	}
	return r.state, nil
}

func (r *run) execute(ctx context.Context) error {
	o := r.o
	// device calls finish or time out on their own; cancellation is only
	// observed between stages and between logs
	callCtx := context.WithoutCancel(ctx)

	if err := r.enter(ctx, models.StageConnecting); err != nil {
		return err
	}
	conn, err := o.transport.Open(callCtx, r.handle)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %w", device.ErrSyncAborted, r.handle, err)
	}
	r.session = device.NewSession(conn, r.handle, device.Options{
		CallTimeout: o.cfg.CallTimeout,
		ChunkSize:   o.cfg.ChunkSize,
		MaxLogs:     o.cfg.MaxLogs,
		MaxLogSize:  o.cfg.MaxLogSize,
	})

	if err := r.enter(ctx, models.StageReadingSettings); err != nil {
		return err
	}
	info, err := r.session.ReadPersonalSettings(callCtx)
	if err != nil {
		return fmt.Errorf("%w: read settings: %w", device.ErrSyncAborted, err)
	}
	if err := r.loadState(callCtx, info); err != nil {
		return fmt.Errorf("%w: %w", device.ErrSyncAborted, err)
	}
	r.checkFirmware(info)

	if err := r.enter(ctx, models.StageSettingClock); err != nil {
		return err
	}
	if err := r.session.SetClock(callCtx, o.cfg.Now()); err != nil {
		r.warn("Failed to set device clock", err)
	}

	if err := r.enter(ctx, models.StageListingLogs); err != nil {
		return err
	}
	if err := r.session.LockLog(callCtx, true); err != nil {
		r.warn("Failed to lock device log", err)
	}
	defer func() {
		if err := r.session.LockLog(callCtx, false); err != nil {
			r.warn("Failed to unlock device log", err)
		}
	}()
	headers, err := r.session.ListLogHeaders(callCtx)
	if err != nil {
		return err
	}
	pending := r.pendingLogs(headers)

	r.state.LogsTotal = len(pending)
	r.state.LogsFetched = 0
	if err := r.enter(ctx, models.StageDownloadingLogs); err != nil {
		return err
	}
	for i, h := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.download(ctx, h)
		r.state.LogsFetched = i + 1
		r.persist()
		o.observer.OnProgress(ProgressEvent{
			Serial: r.state.Serial,
			Handle: r.handle,
			LogID:  h.ID,
			Index:  i + 1,
			Total:  len(pending),
			Time:   o.cfg.Now(),
		})
	}

	if err := r.enter(ctx, models.StageFetchingOrbital); err != nil {
		return err
	}
	if err := r.syncOrbital(ctx, callCtx); err != nil {
		return err
	}

	now := o.cfg.Now().UTC()
	r.state.LastSyncAt = &now
	r.state.LastError = ""
	if err := r.enter(ctx, models.StageCompleted); err != nil {
		return err
	}
	r.notice(models.EventTypeSyncCompleted, models.EventLevelInfo, "Sync completed", models.Variables{
		"logs":          r.state.LogsTotal,
		"highWaterMark": r.state.HighWaterMark,
	})
	return nil
}

// enter moves the run to the next stage after checking for cancellation
func (r *run) enter(ctx context.Context, to Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !CanTransition(r.stage, to) {
		panic(fmt.Sprintf("syncer: invalid stage transition %s -> %s", r.stage, to))
	}

	r.stage = to
	r.state.Stage = to
	r.persist()
	r.o.observer.OnStage(StageEvent{
		Serial: r.state.Serial,
		Handle: r.handle,
		Stage:  to,
		Time:   r.o.cfg.Now(),
	})
	return nil
}

// fail moves the run to StageFailed and records err
func (r *run) fail(err error) error {
	r.stage = models.StageFailed
	r.state.Stage = models.StageFailed
	r.state.LastError = err.Error()
	r.persist()

	r.o.observer.OnStage(StageEvent{
		Serial: r.state.Serial,
		Handle: r.handle,
		Stage:  models.StageFailed,
		Err:    err,
		Time:   r.o.cfg.Now(),
	})
	r.notice(models.EventTypeSyncFailed, models.EventLevelError, err.Error(), nil)
	return err
}

// loadState resumes the persisted cursor of the device once its serial is known
func (r *run) loadState(ctx context.Context, info *ambit.DeviceInfo) error {
	state, err := r.o.store.GetSyncState(ctx, info.Serial)
	if errors.Is(err, storage.ErrNotFound) {
		state = models.NewSyncState(info.Serial)
	} else if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	if state.FailedLogs == nil {
		state.FailedLogs = make(models.LogFailures)
	}

	state.Handle = r.handle
	state.Stage = r.stage
	state.LogsTotal = 0
	state.LogsFetched = 0
	state.Model = info.Model
	state.Firmware = info.Firmware.String()
	state.Battery = int(info.Battery)
	r.state = state
	return nil
}

func (r *run) persist() {
	if r.state.Serial == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.o.store.SaveSyncState(ctx, r.state); err != nil {
		r.o.logger.Error().Err(err).Str("serial", r.state.Serial).Msg("Failed to save sync state")
	}
}

func (r *run) checkFirmware(info *ambit.DeviceInfo) {
	latest := r.o.cfg.LatestFirmware
	if latest == nil || !info.Firmware.Less(*latest) {
		return
	}
	r.notice(models.EventTypeFirmware, models.EventLevelWarning, "Newer firmware available", models.Variables{
		"current": info.Firmware.String(),
		"latest":  latest.String(),
	})
}

// pendingLogs returns the headers above the high-water mark that are not
// quarantined, in ascending id order
func (r *run) pendingLogs(headers []ambit.LogHeader) []ambit.LogHeader {
	var pending []ambit.LogHeader
	for _, h := range headers {
		if h.ID <= r.state.HighWaterMark || r.state.QuarantinedLogs.Contains(h.ID) {
			continue
		}
		pending = append(pending, h)
	}
	return pending
}

// download fetches, decodes and hands off one log. Failures are recorded
// against the log and never end the sync.
func (r *run) download(ctx context.Context, h ambit.LogHeader) {
	callCtx := context.WithoutCancel(ctx)

	body, err := r.session.FetchLogBody(callCtx, h)
	if err != nil {
		r.logFailed(h, err)
		return
	}

	entry, err := ambit.DecodeLog(body)
	var partial *ambit.PartialLogError
	switch {
	case errors.As(err, &partial):
		kinds := make([]string, len(partial.Dropped))
		for i, k := range partial.Dropped {
			kinds[i] = k.String()
		}
		r.notice(models.EventTypeLogPartial, models.EventLevelWarning, partial.Error(), models.Variables{
			"logId":   h.ID,
			"dropped": kinds,
		})
	case err != nil:
		r.logFailed(h, err)
		return
	}
	if entry.Header.ID != h.ID {
		r.logFailed(h, fmt.Errorf("%w: body id %d does not match header", ambit.ErrMalformedLog, entry.Header.ID))
		return
	}

	if _, _, err := r.o.queue.Enqueue(callCtx, r.state.Serial, body, entry); err != nil {
		r.logFailed(h, fmt.Errorf("hand off: %w", err))
		return
	}

	delete(r.state.FailedLogs, h.ID)
	if !r.blocked && h.ID > r.state.HighWaterMark {
		r.state.HighWaterMark = h.ID
	}
}

// logFailed counts a failure of the log. Logs failing in MaxLogFailures
// consecutive syncs are quarantined and stop pinning the high-water mark.
func (r *run) logFailed(h ambit.LogHeader, err error) {
	r.state.FailedLogs[h.ID]++
	count := r.state.FailedLogs[h.ID]

	details := models.Variables{
		"logId":    h.ID,
		"failures": count,
		"error":    err.Error(),
	}

	if limit := r.o.cfg.MaxLogFailures; limit > 0 && count >= limit {
		delete(r.state.FailedLogs, h.ID)
		r.state.QuarantinedLogs = append(r.state.QuarantinedLogs, h.ID)
		r.notice(models.EventTypeLogQuarantined, models.EventLevelError,
			fmt.Sprintf("Log %d quarantined after %d failed syncs", h.ID, count), details)
		return
	}

	r.blocked = true
	r.notice(models.EventTypeLogFailed, models.EventLevelWarning,
		fmt.Sprintf("Log %d failed", h.ID), details)
}

// syncOrbital refreshes the GPS ephemeris when the cloud copy differs from
// the device copy. Only cancellation is returned; other failures are warnings.
func (r *run) syncOrbital(ctx, callCtx context.Context) error {
	o := r.o
	if o.orbital == nil {
		r.warn("Orbital data skipped", errors.New("no orbital source configured"))
		return nil
	}

	current, err := r.session.FetchOrbitalData(callCtx)
	if err != nil {
		r.warn("Failed to read device orbital data", err)
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.OrbitalTimeout)
	blob, err := o.orbital.Fetch(fetchCtx)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.warn("Failed to fetch orbital data", err)
		return nil
	}

	fresh, err := ambit.OrbitHeaderOf(blob)
	if err != nil {
		r.warn("Invalid orbital data", err)
		return nil
	}
	if fresh == current {
		o.logger.Debug().Str("serial", r.state.Serial).Msg("Orbital data up to date")
		return nil
	}

	if err := r.enter(ctx, models.StageWritingOrbital); err != nil {
		return err
	}
	if err := r.session.WriteOrbitalData(callCtx, blob); err != nil {
		r.warn("Failed to write orbital data", err)
	}
	return nil
}

func (r *run) warn(msg string, err error) {
	r.notice(models.EventTypeWarning, models.EventLevelWarning, msg, models.Variables{
		"stage": string(r.stage),
		"error": err.Error(),
	})
}

func (r *run) notice(typ models.EventType, level models.EventLevel, msg string, details models.Variables) {
	r.o.observer.OnNotice(NoticeEvent{
		Serial:  r.state.Serial,
		Handle:  r.handle,
		Type:    typ,
		Level:   level,
		Message: msg,
		Details: details,
		Time:    r.o.cfg.Now(),
	})
}
