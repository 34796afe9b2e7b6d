package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openambit/ambit-sync/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrConflict     = errors.New("status conflict")
)

// Store defines the storage interface
type Store interface {
	// Schema
	Migrate(ctx context.Context) error

	// Sync state methods
	GetSyncState(ctx context.Context, serial string) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, state *models.SyncState) error
	ListSyncStates(ctx context.Context) ([]*models.SyncState, error)

	// Upload ticket methods
	InsertTicket(ctx context.Context, ticket *models.UploadTicket) (*models.UploadTicket, bool, error)
	GetTicket(ctx context.Context, id uuid.UUID) (*models.UploadTicket, error)
	GetTicketByKey(ctx context.Context, serial string, logID uint32) (*models.UploadTicket, error)
	ClaimDueTickets(ctx context.Context, now time.Time, limit int) ([]*models.UploadTicket, error)
	UpdateTicket(ctx context.Context, ticket *models.UploadTicket, from models.TicketStatus) error
	ResetInFlightTickets(ctx context.Context) (int64, error)
	ListTickets(ctx context.Context, filters TicketFilters, limit, offset int) ([]*models.UploadTicket, int64, error)
	NextTicketDue(ctx context.Context) (*time.Time, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// TicketFilters represents filters for upload tickets
type TicketFilters struct {
	Serial *string
	Status *models.TicketStatus
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	Serial    *string
	TicketID  *uuid.UUID
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
