package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	Serial   string     `json:"serial,omitempty" db:"serial"`
	TicketID *uuid.UUID `json:"ticketId,omitempty" db:"ticket_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Sync events
	EventTypeStage          EventType = "STAGE"
	EventTypeProgress       EventType = "PROGRESS"
	EventTypeSyncCompleted  EventType = "SYNC_COMPLETED"
	EventTypeSyncFailed     EventType = "SYNC_FAILED"
	EventTypeLogFailed      EventType = "LOG_FAILED"
	EventTypeLogPartial     EventType = "LOG_PARTIAL"
	EventTypeLogQuarantined EventType = "LOG_QUARANTINED"
	EventTypeWarning        EventType = "WARNING"
	EventTypeFirmware       EventType = "FIRMWARE_AVAILABLE"

	// Upload events
	EventTypeUploadQueued    EventType = "UPLOAD_QUEUED"
	EventTypeUploadAcked     EventType = "UPLOAD_ACKED"
	EventTypeUploadRetry     EventType = "UPLOAD_RETRY"
	EventTypeUploadAbandoned EventType = "UPLOAD_ABANDONED"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
