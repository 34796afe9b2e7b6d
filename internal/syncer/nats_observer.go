package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/internal/models"
)

// NATSObserver publishes sync events as JSON on NATS subjects
type NATSObserver struct {
	nc *nats.Conn
}

// NewNATSObserver creates a NATS publishing observer
func NewNATSObserver(nc *nats.Conn) *NATSObserver {
	return &NATSObserver{nc: nc}
}

func subjectKey(serial, handle string) string {
	if serial != "" {
		return serial
	}
	return "handle-" + handle
}

func (o *NATSObserver) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}
	if err := o.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

func (o *NATSObserver) OnStage(e StageEvent) {
	msg := models.StageMessage{
		Serial: e.Serial,
		Handle: e.Handle,
		Stage:  e.Stage,
		Time:   e.Time,
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	o.publish(fmt.Sprintf(models.SubjectDeviceStage, subjectKey(e.Serial, e.Handle)), msg)
}

func (o *NATSObserver) OnProgress(e ProgressEvent) {
	o.publish(fmt.Sprintf(models.SubjectDeviceProgress, subjectKey(e.Serial, e.Handle)), models.ProgressMessage{
		Serial: e.Serial,
		Index:  e.Index,
		Total:  e.Total,
		Time:   e.Time,
	})
}

func (o *NATSObserver) OnNotice(e NoticeEvent) {
	o.publish(fmt.Sprintf(models.SubjectDeviceEvent, subjectKey(e.Serial, e.Handle)), models.NoticeMessage{
		Serial:      e.Serial,
		Type:        e.Type,
		Level:       e.Level,
		Description: e.Message,
		Details:     e.Details,
		Time:        e.Time,
	})
}
