package syncer_test

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openambit/ambit-sync/internal/device/devicetest"
	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
	"github.com/openambit/ambit-sync/internal/syncer"
	"github.com/openambit/ambit-sync/pkg/ambit"
)

// memQueue is an in-memory upload queue keyed by (serial, log id)
type memQueue struct {
	mu      sync.Mutex
	tickets map[string]map[uint32]*models.UploadTicket
	fail    map[uint32]bool
	calls   int
}

func newMemQueue() *memQueue {
	return &memQueue{
		tickets: make(map[string]map[uint32]*models.UploadTicket),
		fail:    make(map[uint32]bool),
	}
}

func (q *memQueue) Enqueue(ctx context.Context, serial string, raw []byte, entry *ambit.LogEntry) (*models.UploadTicket, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++

	id := entry.Header.ID
	if q.fail[id] {
		return nil, false, errors.New("queue unavailable")
	}
	if q.tickets[serial] == nil {
		q.tickets[serial] = make(map[uint32]*models.UploadTicket)
	}
	if t, ok := q.tickets[serial][id]; ok {
		return t, false, nil
	}
	t := &models.UploadTicket{
		ID:      uuid.New(),
		Serial:  serial,
		LogID:   id,
		Status:  models.TicketPending,
		Payload: raw,
		Partial: entry.IsPartial(),
	}
	q.tickets[serial][id] = t
	return t, true, nil
}

func (q *memQueue) ids(serial string) []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []uint32
	for id := range q.tickets[serial] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (q *memQueue) ticket(serial string, id uint32) *models.UploadTicket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tickets[serial][id]
}

type staticOrbital struct {
	blob []byte
	err  error
}

func (s staticOrbital) Fetch(ctx context.Context) ([]byte, error) {
	return s.blob, s.err
}

// recorder collects observer events
type recorder struct {
	mu       sync.Mutex
	stages   []syncer.StageEvent
	progress []syncer.ProgressEvent
	notices  []syncer.NoticeEvent
}

func (r *recorder) OnStage(e syncer.StageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, e)
}

func (r *recorder) OnProgress(e syncer.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, e)
}

func (r *recorder) OnNotice(e syncer.NoticeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, e)
}

func (r *recorder) stageList() []models.SyncStage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SyncStage
	for _, e := range r.stages {
		out = append(out, e.Stage)
	}
	return out
}

func (r *recorder) noticesOf(typ models.EventType) []syncer.NoticeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []syncer.NoticeEvent
	for _, n := range r.notices {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func setupStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

type fixture struct {
	emu   *devicetest.Emulator
	store *storage.SQLStore
	queue *memQueue
	rec   *recorder
	orch  *syncer.Orchestrator
}

func testConfig() syncer.Config {
	return syncer.Config{
		CallTimeout:    30 * time.Millisecond,
		ChunkSize:      256,
		MaxLogFailures: 3,
		OrbitalTimeout: time.Second,
	}
}

func newFixture(t *testing.T, cfg syncer.Config, orbital syncer.OrbitalSource, logIDs ...uint32) *fixture {
	t.Helper()
	f := &fixture{
		emu:   devicetest.New(devicetest.SampleInfo("SN-100")),
		store: setupStore(t),
		queue: newMemQueue(),
		rec:   &recorder{},
	}
	for _, id := range logIDs {
		f.emu.AddLog(devicetest.SampleLog(id))
	}
	transport := devicetest.Transport{"watch": f.emu}
	f.orch = syncer.NewOrchestrator(cfg, transport, f.store, f.queue, orbital, f.rec)
	return f
}

func orbitBlob(seed byte) []byte {
	blob := make([]byte, 300)
	for i := range blob {
		blob[i] = seed + byte(i)
	}
	return blob
}
