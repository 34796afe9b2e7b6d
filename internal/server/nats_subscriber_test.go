package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
)

type broadcastRecord struct {
	msgType string
	serial  string
}

type fakeHub struct {
	mu   sync.Mutex
	sent []broadcastRecord
}

func (h *fakeHub) Broadcast(msgType, serial string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, broadcastRecord{msgType: msgType, serial: serial})
}

func setupSubscriber(t *testing.T) (*NATSSubscriber, *storage.SQLStore, *fakeHub) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	hub := &fakeHub{}
	return NewNATSSubscriber(nil, store, hub), store, hub
}

func natsMsg(t *testing.T, subject string, v interface{}) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return &nats.Msg{Subject: subject, Data: data}
}

func events(t *testing.T, store storage.Store, typ models.EventType) []*models.EventLog {
	t.Helper()
	list, _, err := store.ListEventLogs(context.Background(), storage.EventLogFilters{Type: &typ}, 50, 0)
	require.NoError(t, err)
	return list
}

func TestHandleStage(t *testing.T) {
	s, store, hub := setupSubscriber(t)
	now := time.Now().UTC()

	s.handleStage(natsMsg(t, "ambit.device.SN1.stage", models.StageMessage{
		Serial: "SN1", Handle: "watch", Stage: models.StageListingLogs, Time: now,
	}))
	s.handleStage(natsMsg(t, "ambit.device.SN1.stage", models.StageMessage{
		Serial: "SN1", Handle: "watch", Stage: models.StageFailed, Error: "device unresponsive", Time: now.Add(time.Second),
	}))

	list := events(t, store, models.EventTypeStage)
	require.Len(t, list, 2)

	// newest first
	assert.Equal(t, string(models.StageFailed), list[0].Code)
	assert.Equal(t, models.EventLevelError, list[0].Level)
	assert.Equal(t, "device unresponsive", list[0].Details["error"])
	assert.Equal(t, models.EventLevelInfo, list[1].Level)
	assert.Equal(t, "SN1", list[1].Serial)

	require.Len(t, hub.sent, 2)
	assert.Equal(t, broadcastRecord{models.MessageStage, "SN1"}, hub.sent[0])
}

func TestHandleProgressIsNotPersisted(t *testing.T) {
	s, store, hub := setupSubscriber(t)

	s.handleProgress(natsMsg(t, "ambit.device.SN1.progress", models.ProgressMessage{
		Serial: "SN1", Index: 1, Total: 4, Time: time.Now(),
	}))

	_, total, err := store.ListEventLogs(context.Background(), storage.EventLogFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	require.Len(t, hub.sent, 1)
	assert.Equal(t, models.MessageProgress, hub.sent[0].msgType)
}

func TestHandleNotice(t *testing.T) {
	s, store, hub := setupSubscriber(t)

	s.handleNotice(natsMsg(t, "ambit.device.SN1.event", models.NoticeMessage{
		Serial:      "SN1",
		Type:        models.EventTypeLogQuarantined,
		Level:       models.EventLevelWarning,
		Description: "log 7 quarantined",
		Details:     models.Variables{"logId": 7},
		Time:        time.Now(),
	}))

	list := events(t, store, models.EventTypeLogQuarantined)
	require.Len(t, list, 1)
	assert.Equal(t, "log 7 quarantined", list[0].Description)
	assert.EqualValues(t, 7, list[0].Details["logId"])
	assert.Equal(t, models.MessageNotice, hub.sent[0].msgType)
}

func TestHandleUpload(t *testing.T) {
	s, store, hub := setupSubscriber(t)
	ticketID := uuid.New()

	send := func(status models.TicketStatus, attempts int) {
		s.handleUpload(natsMsg(t, "ambit.upload.SN1."+string(status), models.UploadMessage{
			TicketID: ticketID.String(),
			Serial:   "SN1",
			LogID:    12,
			Status:   status,
			Attempts: attempts,
			Time:     time.Now(),
		}))
	}

	send(models.TicketPending, 0)
	send(models.TicketInFlight, 0)
	send(models.TicketPending, 1)
	send(models.TicketAbandoned, 3)
	send(models.TicketAcknowledged, 1)

	assert.Len(t, events(t, store, models.EventTypeUploadQueued), 1)
	assert.Len(t, events(t, store, models.EventTypeUploadRetry), 1)
	assert.Len(t, events(t, store, models.EventTypeUploadAcked), 1)

	abandoned := events(t, store, models.EventTypeUploadAbandoned)
	require.Len(t, abandoned, 1)
	assert.Equal(t, models.EventLevelError, abandoned[0].Level)
	require.NotNil(t, abandoned[0].TicketID)
	assert.Equal(t, ticketID, *abandoned[0].TicketID)

	// in-flight claims are broadcast but not recorded
	_, total, err := store.ListEventLogs(context.Background(), storage.EventLogFilters{TicketID: &ticketID}, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.Len(t, hub.sent, 5)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	s, store, hub := setupSubscriber(t)

	bad := &nats.Msg{Subject: "ambit.device.SN1.stage", Data: []byte("{")}
	s.handleStage(bad)
	s.handleNotice(bad)
	s.handleUpload(bad)
	s.handleProgress(bad)

	_, total, err := store.ListEventLogs(context.Background(), storage.EventLogFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, hub.sent)
}
