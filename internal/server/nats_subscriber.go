package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
)

// Broadcaster pushes live events to connected status clients
type Broadcaster interface {
	Broadcast(msgType, serial string, payload interface{})
}

// NATSSubscriber records sync and upload events published by the agent
type NATSSubscriber struct {
	nc    *nats.Conn
	store storage.Store
	hub   Broadcaster
	subs  []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber. hub may be nil.
func NewNATSSubscriber(nc *nats.Conn, store storage.Store, hub Broadcaster) *NATSSubscriber {
	return &NATSSubscriber{
		nc:    nc,
		store: store,
		hub:   hub,
		subs:  make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions
func (s *NATSSubscriber) Start(ctx context.Context) error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{fmt.Sprintf(models.SubjectDeviceStage, "*"), s.handleStage},
		{fmt.Sprintf(models.SubjectDeviceProgress, "*"), s.handleProgress},
		{fmt.Sprintf(models.SubjectDeviceEvent, "*"), s.handleNotice},
		{fmt.Sprintf(models.SubjectUpload, "*", "*"), s.handleUpload},
	}

	for _, h := range handlers {
		sub, err := s.nc.Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	s.unsubscribe()
	return ctx.Err()
}

func (s *NATSSubscriber) unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = s.subs[:0]
}

func (s *NATSSubscriber) broadcast(msgType, serial string, payload interface{}) {
	if s.hub != nil {
		s.hub.Broadcast(msgType, serial, payload)
	}
}

func (s *NATSSubscriber) record(event *models.EventLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to create event log")
	}
}

// handleStage handles stage transitions
func (s *NATSSubscriber) handleStage(msg *nats.Msg) {
	var stageMsg models.StageMessage
	if err := json.Unmarshal(msg.Data, &stageMsg); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal stage message")
		return
	}

	event := &models.EventLog{
		CreatedAt:   stageMsg.Time,
		Serial:      stageMsg.Serial,
		Type:        models.EventTypeStage,
		Level:       models.EventLevelInfo,
		Code:        string(stageMsg.Stage),
		Description: fmt.Sprintf("Sync of %s entered %s", stageMsg.Handle, stageMsg.Stage),
		Details: models.Variables{
			"handle": stageMsg.Handle,
		},
	}
	if stageMsg.Error != "" {
		event.Level = models.EventLevelError
		event.Details["error"] = stageMsg.Error
	}
	s.record(event)
	s.broadcast(models.MessageStage, stageMsg.Serial, stageMsg)

	log.Debug().
		Str("serial", stageMsg.Serial).
		Str("stage", string(stageMsg.Stage)).
		Msg("Stage event recorded")
}

// handleProgress forwards download progress. It is not persisted.
func (s *NATSSubscriber) handleProgress(msg *nats.Msg) {
	var progressMsg models.ProgressMessage
	if err := json.Unmarshal(msg.Data, &progressMsg); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal progress message")
		return
	}

	s.broadcast(models.MessageProgress, progressMsg.Serial, progressMsg)
}

// handleNotice handles warnings and per-log failures
func (s *NATSSubscriber) handleNotice(msg *nats.Msg) {
	var notice models.NoticeMessage
	if err := json.Unmarshal(msg.Data, &notice); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal notice message")
		return
	}

	s.record(&models.EventLog{
		CreatedAt:   notice.Time,
		Serial:      notice.Serial,
		Type:        notice.Type,
		Level:       notice.Level,
		Code:        string(notice.Type),
		Description: notice.Description,
		Details:     notice.Details,
	})
	s.broadcast(models.MessageNotice, notice.Serial, notice)
}

// handleUpload handles ticket status changes
func (s *NATSSubscriber) handleUpload(msg *nats.Msg) {
	var uploadMsg models.UploadMessage
	if err := json.Unmarshal(msg.Data, &uploadMsg); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal upload message")
		return
	}

	s.broadcast(models.MessageUpload, uploadMsg.Serial, uploadMsg)

	typ, level, desc, ok := describeUpload(&uploadMsg)
	if !ok {
		return
	}

	event := &models.EventLog{
		CreatedAt:   uploadMsg.Time,
		Serial:      uploadMsg.Serial,
		Type:        typ,
		Level:       level,
		Code:        string(uploadMsg.Status),
		Description: desc,
		Details: models.Variables{
			"logId":    uploadMsg.LogID,
			"attempts": uploadMsg.Attempts,
		},
	}
	if id, err := uuid.Parse(uploadMsg.TicketID); err == nil {
		event.TicketID = &id
	}
	if uploadMsg.AckID != "" {
		event.Details["ackId"] = uploadMsg.AckID
	}
	if uploadMsg.LastError != "" {
		event.Details["error"] = uploadMsg.LastError
	}
	s.record(event)

	log.Info().
		Str("serial", uploadMsg.Serial).
		Uint32("logId", uploadMsg.LogID).
		Str("status", string(uploadMsg.Status)).
		Int("attempts", uploadMsg.Attempts).
		Msg("Upload status changed")
}

// describeUpload maps a ticket status change to an event. Claims are not
// recorded.
func describeUpload(m *models.UploadMessage) (models.EventType, models.EventLevel, string, bool) {
	switch m.Status {
	case models.TicketPending:
		if m.Attempts == 0 {
			return models.EventTypeUploadQueued, models.EventLevelInfo,
				fmt.Sprintf("Log %d queued for upload", m.LogID), true
		}
		return models.EventTypeUploadRetry, models.EventLevelWarning,
			fmt.Sprintf("Upload of log %d failed, attempt %d", m.LogID, m.Attempts), true
	case models.TicketAcknowledged:
		return models.EventTypeUploadAcked, models.EventLevelInfo,
			fmt.Sprintf("Log %d uploaded", m.LogID), true
	case models.TicketAbandoned:
		return models.EventTypeUploadAbandoned, models.EventLevelError,
			fmt.Sprintf("Upload of log %d abandoned after %d attempts", m.LogID, m.Attempts), true
	default:
		return "", "", "", false
	}
}
