package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openambit/ambit-sync/internal/models"
)

// ErrDeviceBusy is returned when a sync is already running for the handle
var ErrDeviceBusy = errors.New("device busy")

// Result is the outcome of one sync
type Result struct {
	State *models.SyncState
	Err   error
}

// Manager runs orchestrators, one goroutine per device. A device is held
// by at most one orchestrator at a time.
type Manager struct {
	orch   *Orchestrator
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager for the orchestrator
func NewManager(orch *Orchestrator) *Manager {
	return &Manager{
		orch:   orch,
		logger: log.With().Str("component", "sync-manager").Logger(),
		active: make(map[string]struct{}),
	}
}

func (m *Manager) acquire(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[handle]; ok {
		return false
	}
	m.active[handle] = struct{}{}
	return true
}

func (m *Manager) release(handle string) {
	m.mu.Lock()
	delete(m.active, handle)
	m.mu.Unlock()
}

// Busy reports whether a sync is running for the handle
func (m *Manager) Busy(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[handle]
	return ok
}

// Start launches a sync of the device in its own goroutine. The channel
// receives exactly one result.
func (m *Manager) Start(ctx context.Context, handle string) (<-chan Result, error) {
	if !m.acquire(handle) {
		return nil, ErrDeviceBusy
	}

	done := make(chan Result, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(handle)

		state, err := m.orch.Sync(ctx, handle)
		done <- Result{State: state, Err: err}
	}()
	return done, nil
}

// Sync runs one sync of the device and waits for it
func (m *Manager) Sync(ctx context.Context, handle string) (*models.SyncState, error) {
	done, err := m.Start(ctx, handle)
	if err != nil {
		return nil, err
	}
	res := <-done
	return res.State, res.Err
}

// Run syncs every handle repeatedly, waiting interval between the end of
// one sync and the start of the next, until ctx is done. Devices are
// independent; a stalled device never delays another.
func (m *Manager) Run(ctx context.Context, handles []string, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, handle := range handles {
		g.Go(func() error {
			m.loop(ctx, handle, interval)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) loop(ctx context.Context, handle string, interval time.Duration) {
	for {
		state, err := m.Sync(ctx, handle)
		switch {
		case errors.Is(err, ErrDeviceBusy):
			m.logger.Debug().Str("handle", handle).Msg("Sync already running")
		case err != nil && ctx.Err() == nil:
			m.logger.Warn().Err(err).Str("handle", handle).Msg("Sync failed")
		case err == nil:
			m.logger.Info().
				Str("handle", handle).
				Str("serial", state.Serial).
				Uint32("highWaterMark", state.HighWaterMark).
				Msg("Sync completed")
		}

		if interval <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Wait blocks until every started sync has returned
func (m *Manager) Wait() {
	m.wg.Wait()
}
