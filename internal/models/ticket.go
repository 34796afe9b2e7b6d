package models

import (
	"time"

	"github.com/google/uuid"
)

// TicketStatus is the delivery state of an upload ticket
type TicketStatus string

const (
	TicketPending      TicketStatus = "pending"
	TicketInFlight     TicketStatus = "in_flight"
	TicketAcknowledged TicketStatus = "acknowledged"
	TicketAbandoned    TicketStatus = "abandoned"
)

// UploadTicket tracks the cloud delivery of one log. (Serial, LogID) is
// unique; tickets are kept after acknowledgment so re-submission is a no-op.
type UploadTicket struct {
	ID     uuid.UUID    `json:"id" db:"id"`
	Serial string       `json:"serial" db:"serial"`
	LogID  uint32       `json:"logId" db:"log_id"`
	Status TicketStatus `json:"status" db:"status"`

	Attempts      int       `json:"attempts" db:"attempts"`
	LastError     string    `json:"lastError,omitempty" db:"last_error"`
	AckID         string    `json:"ackId,omitempty" db:"ack_id"`
	NextAttemptAt time.Time `json:"nextAttemptAt" db:"next_attempt_at"`

	// Payload is the raw log body as read from the device
	Payload []byte `json:"-" db:"payload"`
	Partial bool   `json:"partial" db:"partial"`

	LogTime   time.Time `json:"logTime" db:"log_time"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Acknowledged reports whether the cloud confirmed the upload
func (t *UploadTicket) Acknowledged() bool {
	return t.Status == TicketAcknowledged
}
