package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openambit/ambit-sync/internal/device/devicetest"
	"github.com/openambit/ambit-sync/internal/integration"
	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
	"github.com/openambit/ambit-sync/pkg/ambit"
)

// fakeClient fails each key with the queued errors before succeeding
type fakeClient struct {
	mu       sync.Mutex
	failures map[string][]error
	attempts map[string]int
	acked    map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		failures: make(map[string][]error),
		attempts: make(map[string]int),
		acked:    make(map[string]int),
	}
}

func (c *fakeClient) failWith(key string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[key] = append(c.failures[key], errs...)
}

func (c *fakeClient) Submit(ctx context.Context, doc *integration.Document) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := doc.Key()
	c.attempts[key]++
	if errs := c.failures[key]; len(errs) > 0 {
		c.failures[key] = errs[1:]
		return "", errs[0]
	}
	c.acked[key]++
	return "ack-" + key, nil
}

func (c *fakeClient) ackCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked[key]
}

func (c *fakeClient) attemptCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[key]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.TicketStatus
}

func (n *recordingNotifier) TicketChanged(t *models.UploadTicket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, t.Status)
}

func (n *recordingNotifier) statuses() []models.TicketStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.TicketStatus(nil), n.events...)
}

func setupStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "upload.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func testConfig() Config {
	return Config{
		Workers:     3,
		BatchSize:   2,
		MaxAttempts: 3,
		Backoff: Backoff{
			Initial:    5 * time.Millisecond,
			Max:        20 * time.Millisecond,
			Multiplier: 2,
		},
		PollInterval:    10 * time.Millisecond,
		SubmitTimeout:   time.Second,
		SnapshotTimeout: 200 * time.Millisecond,
	}
}

func sampleLog(id uint32) ([]byte, *ambit.LogEntry) {
	entry := devicetest.SampleLog(id)
	raw := ambit.EncodeLog(entry)
	decoded, err := ambit.DecodeLog(raw)
	if err != nil {
		panic(err)
	}
	return raw, decoded
}

// startQueue runs the workers until the test ends
func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func waitStatus(t *testing.T, store storage.Store, serial string, logID uint32, want models.TicketStatus) *models.UploadTicket {
	t.Helper()
	var ticket *models.UploadTicket
	require.Eventually(t, func() bool {
		var err error
		ticket, err = store.GetTicketByKey(context.Background(), serial, logID)
		return err == nil && ticket.Status == want
	}, 3*time.Second, 5*time.Millisecond, "ticket %s/%d never reached %s", serial, logID, want)
	return ticket
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	q := NewQueue(testConfig(), store, newFakeClient())

	raw, entry := sampleLog(7)
	ticket, created, err := q.Enqueue(ctx, "SN-1", raw, entry)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.TicketPending, ticket.Status)
	assert.Equal(t, uint32(7), ticket.LogID)
	assert.Equal(t, entry.Header.Timestamp, ticket.LogTime)

	again, created, err := q.Enqueue(ctx, "SN-1", raw, entry)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ticket.ID, again.ID)

	stored, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, raw, stored.Payload)

	t.Run("concurrent enqueue creates one ticket", func(t *testing.T) {
		raw, entry := sampleLog(8)
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := q.Enqueue(ctx, "SN-1", raw, entry)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)

		serial := "SN-1"
		_, total, err := store.ListTickets(ctx, storage.TicketFilters{Serial: &serial}, 100, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
	})
}

func TestQueue_Delivery(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	client := newFakeClient()
	notifier := &recordingNotifier{}
	dir := t.TempDir()
	q := NewQueue(testConfig(), store, client, WithNotifier(notifier), WithSink(NewFileSink(dir)))
	startQueue(t, q)

	raw, entry := sampleLog(1)
	_, _, err := q.Enqueue(ctx, "SN-1", raw, entry)
	require.NoError(t, err)

	ticket := waitStatus(t, store, "SN-1", 1, models.TicketAcknowledged)
	assert.Equal(t, "ack-SN-1-1", ticket.AckID)
	assert.Equal(t, 1, ticket.Attempts)
	assert.Equal(t, 1, client.ackCount("SN-1-1"))
	require.Eventually(t, func() bool { return len(notifier.statuses()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.TicketStatus{models.TicketPending, models.TicketAcknowledged}, notifier.statuses())

	t.Run("snapshot written", func(t *testing.T) {
		base := filepath.Join(dir, "SN-1", "0000000001")
		require.Eventually(t, func() bool {
			_, err := os.Stat(base + ".cbor")
			return err == nil
		}, time.Second, 5*time.Millisecond)

		gotRaw, err := os.ReadFile(base + ".raw")
		require.NoError(t, err)
		assert.Equal(t, raw, gotRaw)

		data, err := os.ReadFile(base + ".cbor")
		require.NoError(t, err)
		var doc integration.Document
		require.NoError(t, cbor.Unmarshal(data, &doc))
		assert.Equal(t, uint32(1), doc.LogID)
		assert.Equal(t, entry.HeartRate.Len(), len(doc.HeartRate))
	})

	t.Run("re-enqueue after acknowledgment is a no-op", func(t *testing.T) {
		ticket, created, err := q.Enqueue(ctx, "SN-1", raw, entry)
		require.NoError(t, err)
		assert.False(t, created)
		assert.True(t, ticket.Acknowledged())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, client.ackCount("SN-1-1"))
		assert.Equal(t, 1, client.attemptCount("SN-1-1"))
	})
}

func TestQueue_AtMostOneSubmission(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	client := newFakeClient()
	q := NewQueue(testConfig(), store, client)
	startQueue(t, q)

	ids := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	var wg sync.WaitGroup
	for _, id := range ids {
		raw, entry := sampleLog(id)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := q.Enqueue(ctx, "SN-2", raw, entry)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for _, id := range ids {
		waitStatus(t, store, "SN-2", id, models.TicketAcknowledged)
	}
	time.Sleep(30 * time.Millisecond)
	for _, id := range ids {
		key := (&integration.Document{Serial: "SN-2", LogID: id}).Key()
		assert.Equal(t, 1, client.ackCount(key), key)
	}
}

func TestQueue_Retries(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures back off and succeed", func(t *testing.T) {
		store := setupStore(t)
		client := newFakeClient()
		client.failWith("SN-1-1",
			errors.Join(integration.ErrTransient, errors.New("503")),
			errors.Join(integration.ErrTransient, errors.New("timeout")),
		)
		q := NewQueue(testConfig(), store, client)
		startQueue(t, q)

		raw, entry := sampleLog(1)
		_, _, err := q.Enqueue(ctx, "SN-1", raw, entry)
		require.NoError(t, err)

		ticket := waitStatus(t, store, "SN-1", 1, models.TicketAcknowledged)
		assert.Equal(t, 3, ticket.Attempts)
		assert.Empty(t, ticket.LastError)
	})

	t.Run("abandoned after max attempts then retried", func(t *testing.T) {
		store := setupStore(t)
		client := newFakeClient()
		for i := 0; i < 3; i++ {
			client.failWith("SN-1-2", integration.ErrTransient)
		}
		notifier := &recordingNotifier{}
		q := NewQueue(testConfig(), store, client, WithNotifier(notifier))
		startQueue(t, q)

		raw, entry := sampleLog(2)
		_, _, err := q.Enqueue(ctx, "SN-1", raw, entry)
		require.NoError(t, err)

		ticket := waitStatus(t, store, "SN-1", 2, models.TicketAbandoned)
		assert.Equal(t, 3, ticket.Attempts)
		assert.NotEmpty(t, ticket.LastError)
		require.Eventually(t, func() bool {
			statuses := notifier.statuses()
			return len(statuses) > 0 && statuses[len(statuses)-1] == models.TicketAbandoned
		}, time.Second, 5*time.Millisecond)

		retried, err := q.Retry(ctx, ticket.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TicketPending, retried.Status)
		assert.Zero(t, retried.Attempts)

		ticket = waitStatus(t, store, "SN-1", 2, models.TicketAcknowledged)
		assert.Equal(t, 1, client.ackCount("SN-1-2"))

		_, err = q.Retry(ctx, ticket.ID)
		assert.ErrorIs(t, err, ErrNotAbandoned)
	})

	t.Run("permanent failure abandons immediately", func(t *testing.T) {
		store := setupStore(t)
		client := newFakeClient()
		client.failWith("SN-1-3", errors.Join(integration.ErrPermanent, errors.New("400 bad document")))
		q := NewQueue(testConfig(), store, client)
		startQueue(t, q)

		raw, entry := sampleLog(3)
		_, _, err := q.Enqueue(ctx, "SN-1", raw, entry)
		require.NoError(t, err)

		ticket := waitStatus(t, store, "SN-1", 3, models.TicketAbandoned)
		assert.Equal(t, 1, ticket.Attempts)
		assert.Contains(t, ticket.LastError, "bad document")
	})

	t.Run("unknown ticket", func(t *testing.T) {
		q := NewQueue(testConfig(), setupStore(t), newFakeClient())
		_, err := q.Retry(ctx, [16]byte{1})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestQueue_ResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	raw, entry := sampleLog(9)
	_, _, err := store.InsertTicket(ctx, &models.UploadTicket{
		Serial:  "SN-3",
		LogID:   9,
		Status:  models.TicketInFlight,
		Payload: raw,
		LogTime: entry.Header.Timestamp,
	})
	require.NoError(t, err)

	client := newFakeClient()
	q := NewQueue(testConfig(), store, client)
	startQueue(t, q)

	waitStatus(t, store, "SN-3", 9, models.TicketAcknowledged)
	assert.Equal(t, 1, client.ackCount("SN-3-9"))
}

func TestQueue_UndecodablePayloadIsAbandoned(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	_, _, err := store.InsertTicket(ctx, &models.UploadTicket{
		Serial:  "SN-4",
		LogID:   1,
		Payload: []byte("not a log"),
	})
	require.NoError(t, err)

	client := newFakeClient()
	startQueue(t, NewQueue(testConfig(), store, client))

	ticket := waitStatus(t, store, "SN-4", 1, models.TicketAbandoned)
	assert.Contains(t, ticket.LastError, "decode stored log")
	assert.Zero(t, client.attemptCount("SN-4-1"))
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 10*time.Second, b.Delay(50))

	prev := b.Delay(1)
	for attempt := 2; attempt <= 10; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, b.Max, "attempt %d", attempt)
		prev = d
	}
	assert.Greater(t, b.Delay(5), b.Initial)
}

// stallSink blocks every write until released, ignoring the context
type stallSink struct {
	release chan struct{}
	calls   chan *Snapshot
}

func (s *stallSink) Write(ctx context.Context, snap *Snapshot) error {
	s.calls <- snap
	<-s.release
	return nil
}

type unavailableSink struct{}

func (unavailableSink) Write(ctx context.Context, snap *Snapshot) error {
	return errors.New("bucket unavailable")
}

func TestQueue_SnapshotSinkDoesNotBlockDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("stalled sink", func(t *testing.T) {
		store := setupStore(t)
		client := newFakeClient()
		sink := &stallSink{release: make(chan struct{}), calls: make(chan *Snapshot, 8)}
		t.Cleanup(func() { close(sink.release) })

		cfg := testConfig()
		cfg.Workers = 1
		cfg.SnapshotBuffer = 1
		q := NewQueue(cfg, store, client, WithSink(sink))

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- q.Start(runCtx) }()

		raw, entry := sampleLog(1)
		_, _, err := q.Enqueue(ctx, "SN-5", raw, entry)
		require.NoError(t, err)
		waitStatus(t, store, "SN-5", 1, models.TicketAcknowledged)
		select {
		case <-sink.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("snapshot never reached the sink")
		}

		// one snapshot waits in the buffer, the next is dropped
		for id := uint32(2); id <= 3; id++ {
			raw, entry := sampleLog(id)
			_, _, err := q.Enqueue(ctx, "SN-5", raw, entry)
			require.NoError(t, err)
			waitStatus(t, store, "SN-5", id, models.TicketAcknowledged)
		}

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("queue did not stop while the sink was stalled")
		}
	})

	t.Run("failing sink", func(t *testing.T) {
		store := setupStore(t)
		client := newFakeClient()
		q := NewQueue(testConfig(), store, client, WithSink(unavailableSink{}))
		startQueue(t, q)

		for id := uint32(1); id <= 3; id++ {
			raw, entry := sampleLog(id)
			_, _, err := q.Enqueue(ctx, "SN-6", raw, entry)
			require.NoError(t, err)
		}
		for id := uint32(1); id <= 3; id++ {
			waitStatus(t, store, "SN-6", id, models.TicketAcknowledged)
		}
	})
}

// flakyStore fails the first acknowledgment writes
type flakyStore struct {
	*storage.SQLStore

	mu       sync.Mutex
	failAcks int
}

func (s *flakyStore) UpdateTicket(ctx context.Context, t *models.UploadTicket, from models.TicketStatus) error {
	s.mu.Lock()
	if t.Status == models.TicketAcknowledged && s.failAcks > 0 {
		s.failAcks--
		s.mu.Unlock()
		return errors.New("database is locked")
	}
	s.mu.Unlock()
	return s.SQLStore.UpdateTicket(ctx, t, from)
}

func TestQueue_AckWriteIsRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{SQLStore: setupStore(t), failAcks: 2}
	client := newFakeClient()
	q := NewQueue(testConfig(), store, client)
	startQueue(t, q)

	raw, entry := sampleLog(4)
	_, _, err := q.Enqueue(ctx, "SN-7", raw, entry)
	require.NoError(t, err)

	ticket := waitStatus(t, store, "SN-7", 4, models.TicketAcknowledged)
	assert.Equal(t, "ack-SN-7-4", ticket.AckID)
	assert.Equal(t, 1, client.attemptCount("SN-7-4"))
}
