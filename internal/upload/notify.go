package upload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/internal/models"
)

// Notifier is told about every ticket status change
type Notifier interface {
	TicketChanged(ticket *models.UploadTicket)
}

// NATSNotifier publishes ticket changes on ambit.upload.<serial>.<status>
type NATSNotifier struct {
	nc *nats.Conn
}

// NewNATSNotifier creates a NATS notifier
func NewNATSNotifier(nc *nats.Conn) *NATSNotifier {
	return &NATSNotifier{nc: nc}
}

// TicketChanged implements Notifier
func (n *NATSNotifier) TicketChanged(t *models.UploadTicket) {
	msg := models.UploadMessage{
		TicketID:  t.ID.String(),
		Serial:    t.Serial,
		LogID:     t.LogID,
		Status:    t.Status,
		Attempts:  t.Attempts,
		AckID:     t.AckID,
		LastError: t.LastError,
		Time:      time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal upload message")
		return
	}

	subject := fmt.Sprintf(models.SubjectUpload, t.Serial, t.Status)
	if err := n.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish upload message")
	}
}

type nopNotifier struct{}

func (nopNotifier) TicketChanged(*models.UploadTicket) {}
