// Package upload delivers decoded logs to the cloud with at-least-once
// semantics. Tickets are durable; delivery survives restarts.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/internal/integration"
	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
	"github.com/openambit/ambit-sync/pkg/ambit"
)

// ErrNotAbandoned is returned by Retry for tickets still being delivered
var ErrNotAbandoned = errors.New("ticket is not abandoned")

// Ticket status writes are retried on this schedule before a worker gives up
// on a ticket
var (
	bookkeepingBackoff  = Backoff{Initial: 50 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
	bookkeepingAttempts = 5
)

// Config holds delivery settings
type Config struct {
	Workers       int
	BatchSize     int
	MaxAttempts   int
	Backoff       Backoff
	PollInterval  time.Duration
	SubmitTimeout time.Duration

	// Snapshots are written by a separate goroutine. When SnapshotBuffer
	// snapshots are waiting, new ones are dropped.
	SnapshotBuffer  int
	SnapshotTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = DefaultBackoff.Initial
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = DefaultBackoff.Max
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = DefaultBackoff.Multiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = time.Minute
	}
	if c.SnapshotBuffer <= 0 {
		c.SnapshotBuffer = 64
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 30 * time.Second
	}
}

// Queue is the durable upload queue
type Queue struct {
	cfg       Config
	store     storage.Store
	client    integration.Client
	sink      Sink
	snapshots chan *Snapshot
	notifier  Notifier
	locks     *keyLock
	wake      chan struct{}
	clock     clock.Clock
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Queue
type Option func(*Queue)

// WithSink writes a snapshot of every acknowledged log
func WithSink(s Sink) Option {
	return func(q *Queue) { q.sink = s }
}

// WithNotifier reports ticket status changes
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// NewQueue creates an upload queue
func NewQueue(cfg Config, store storage.Store, client integration.Client, opts ...Option) *Queue {
	cfg.setDefaults()
	q := &Queue{
		cfg:       cfg,
		store:     store,
		client:    client,
		snapshots: make(chan *Snapshot, cfg.SnapshotBuffer),
		notifier:  nopNotifier{},
		locks:     newKeyLock(),
		wake:      make(chan struct{}, cfg.Workers),
		clock:     clock.WallClock,
		logger:    log.With().Str("component", "upload").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue durably records the log for delivery and returns its ticket.
// Enqueueing the same (serial, log id) again returns the existing ticket
// with created false. It does not wait for delivery.
func (q *Queue) Enqueue(ctx context.Context, serial string, raw []byte, entry *ambit.LogEntry) (*models.UploadTicket, bool, error) {
	unlock := q.locks.lock(fmt.Sprintf("%s/%d", serial, entry.Header.ID))
	defer unlock()

	ticket := &models.UploadTicket{
		ID:            uuid.New(),
		Serial:        serial,
		LogID:         entry.Header.ID,
		Status:        models.TicketPending,
		NextAttemptAt: q.now().UTC(),
		Payload:       raw,
		Partial:       entry.IsPartial(),
		LogTime:       entry.Header.Timestamp,
	}

	stored, created, err := q.store.InsertTicket(ctx, ticket)
	if err != nil {
		return nil, false, fmt.Errorf("insert ticket: %w", err)
	}

	if created {
		q.logger.Debug().
			Str("serial", serial).
			Uint32("logId", entry.Header.ID).
			Bool("partial", ticket.Partial).
			Msg("Log queued for upload")
		q.notifier.TicketChanged(stored)
		q.signal()
	}
	return stored, created, nil
}

// Retry makes an abandoned ticket pending again with a fresh attempt budget
func (q *Queue) Retry(ctx context.Context, id uuid.UUID) (*models.UploadTicket, error) {
	t, err := RetryTicket(ctx, q.store, id, q.now())
	if err != nil {
		return nil, err
	}

	q.notifier.TicketChanged(t)
	q.signal()
	return t, nil
}

// RetryTicket moves an abandoned ticket back to pending with a fresh attempt
// budget. Running queues pick it up on their next poll.
func RetryTicket(ctx context.Context, store storage.Store, id uuid.UUID, now time.Time) (*models.UploadTicket, error) {
	t, err := store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TicketAbandoned {
		return nil, fmt.Errorf("%w: %s", ErrNotAbandoned, t.Status)
	}

	t.Status = models.TicketPending
	t.Attempts = 0
	t.NextAttemptAt = now.UTC()
	if err := store.UpdateTicket(ctx, t, models.TicketAbandoned); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start releases tickets left in flight by a previous process and runs the
// delivery workers until ctx is done
func (q *Queue) Start(ctx context.Context) error {
	n, err := q.store.ResetInFlightTickets(ctx)
	if err != nil {
		return fmt.Errorf("reset in-flight tickets: %w", err)
	}
	if n > 0 {
		q.logger.Info().Int64("tickets", n).Msg("Resumed interrupted uploads")
	}

	q.logger.Info().Int("workers", q.cfg.Workers).Msg("Upload queue started")

	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		q.writeSnapshots(ctx)
	}()

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()

	select {
	case <-snapDone:
	case <-time.After(q.cfg.SnapshotTimeout):
		q.logger.Warn().Msg("Snapshot sink did not stop in time")
	}

	q.logger.Info().Msg("Upload queue stopped")
	return nil
}

func (q *Queue) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if q.drain(ctx) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-time.After(q.idleWait(ctx)):
		}
	}
}

// idleWait returns how long a worker sleeps when nothing is due
func (q *Queue) idleWait(ctx context.Context) time.Duration {
	wait := q.cfg.PollInterval
	next, err := q.store.NextTicketDue(ctx)
	if err != nil || next == nil {
		return wait
	}
	if d := next.Sub(q.now()); d < wait {
		wait = max(d, time.Millisecond)
	}
	return wait
}

func (q *Queue) drain(ctx context.Context) int {
	tickets, err := q.store.ClaimDueTickets(ctx, q.now(), q.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error().Err(err).Msg("Failed to claim upload tickets")
		}
		return 0
	}

	for _, t := range tickets {
		q.deliver(ctx, t)
	}
	return len(tickets)
}

// deliver submits one claimed ticket and records the outcome
func (q *Queue) deliver(ctx context.Context, t *models.UploadTicket) {
	logger := q.logger.With().
		Str("ticket", t.ID.String()).
		Str("serial", t.Serial).
		Uint32("logId", t.LogID).
		Logger()

	// bookkeeping must land even while shutting down
	bg := context.WithoutCancel(ctx)

	entry, err := ambit.DecodeLog(t.Payload)
	var partial *ambit.PartialLogError
	if err != nil && !errors.As(err, &partial) {
		q.abandon(bg, t, fmt.Errorf("decode stored log: %w", err), logger)
		return
	}
	doc := integration.NewDocument(t.Serial, entry)

	submitCtx, cancel := context.WithTimeout(ctx, q.cfg.SubmitTimeout)
	ackID, err := q.client.Submit(submitCtx, doc)
	cancel()

	switch {
	case err == nil:
		t.Status = models.TicketAcknowledged
		t.Attempts++
		t.AckID = ackID
		t.LastError = ""
		if !q.update(bg, t, logger) {
			return
		}
		logger.Info().Str("ackId", ackID).Int("attempts", t.Attempts).Msg("Log uploaded")
		q.notifier.TicketChanged(t)
		q.snapshot(t, doc, logger)

	case ctx.Err() != nil:
		// interrupted by shutdown; not counted as an attempt
		t.Status = models.TicketPending
		t.NextAttemptAt = q.now().UTC()
		q.update(bg, t, logger)

	case errors.Is(err, integration.ErrPermanent):
		t.Attempts++
		q.abandon(bg, t, err, logger)

	default:
		t.Attempts++
		t.LastError = err.Error()
		if t.Attempts >= q.cfg.MaxAttempts {
			q.abandon(bg, t, err, logger)
			return
		}
		delay := q.cfg.Backoff.Delay(t.Attempts)
		t.Status = models.TicketPending
		t.NextAttemptAt = q.now().Add(delay).UTC()
		if !q.update(bg, t, logger) {
			return
		}
		logger.Warn().Err(err).Int("attempts", t.Attempts).Dur("backoff", delay).Msg("Upload failed, will retry")
		q.notifier.TicketChanged(t)
	}
}

func (q *Queue) abandon(ctx context.Context, t *models.UploadTicket, cause error, logger zerolog.Logger) {
	t.Status = models.TicketAbandoned
	t.LastError = cause.Error()
	if !q.update(ctx, t, logger) {
		return
	}
	logger.Error().Err(cause).Int("attempts", t.Attempts).Msg("Upload abandoned")
	q.notifier.TicketChanged(t)
}

// update moves an in-flight ticket to its new status. Transient store errors
// are retried; a ticket that still cannot be written stays in flight until
// the next Start.
func (q *Queue) update(ctx context.Context, t *models.UploadTicket, logger zerolog.Logger) bool {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return q.store.UpdateTicket(ctx, t, models.TicketInFlight)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warn().Err(err).Int("attempt", attempt).Str("status", string(t.Status)).Msg("Retrying ticket update")
		},
		Attempts:    bookkeepingAttempts,
		Delay:       bookkeepingBackoff.Initial,
		BackoffFunc: bookkeepingBackoff.schedule(),
		Clock:       q.clock,
	})
	if err != nil {
		logger.Error().Err(err).Str("status", string(t.Status)).Msg("Failed to update upload ticket")
		return false
	}
	return true
}

// snapshot hands an acknowledged log to the snapshot writer without waiting
func (q *Queue) snapshot(t *models.UploadTicket, doc *integration.Document, logger zerolog.Logger) {
	if q.sink == nil {
		return
	}
	snap := &Snapshot{
		Serial:   t.Serial,
		LogID:    t.LogID,
		Raw:      t.Payload,
		Document: doc,
	}
	select {
	case q.snapshots <- snap:
	default:
		logger.Warn().Msg("Snapshot buffer full, dropping snapshot")
	}
}

func (q *Queue) writeSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-q.snapshots:
			writeCtx, cancel := context.WithTimeout(ctx, q.cfg.SnapshotTimeout)
			err := q.sink.Write(writeCtx, snap)
			cancel()
			if err != nil {
				q.logger.Warn().
					Err(err).
					Str("serial", snap.Serial).
					Uint32("logId", snap.LogID).
					Msg("Failed to write snapshot")
			}
		}
	}
}
