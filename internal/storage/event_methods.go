package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openambit/ambit-sync/internal/models"
)

// CreateEventLog creates an event log entry
func (s *SQLStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.CreatedAt = event.CreatedAt.UTC()

	query := `
        INSERT INTO event_logs (
            id, created_at, serial, ticket_id, type, level, code,
            description, details
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.exec(ctx, query,
		event.ID, event.CreatedAt, event.Serial, event.TicketID, event.Type,
		event.Level, event.Code, event.Description, event.Details,
	)

	return err
}

// ListEventLogs lists event logs with filters, newest first
func (s *SQLStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.Serial != nil {
		argCount++
		where += fmt.Sprintf(" AND serial = $%d", argCount)
		args = append(args, *filters.Serial)
	}

	if filters.TicketID != nil {
		argCount++
		where += fmt.Sprintf(" AND ticket_id = $%d", argCount)
		args = append(args, *filters.TicketID)
	}

	if filters.Type != nil {
		argCount++
		where += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, *filters.Type)
	}

	if filters.Level != nil {
		argCount++
		where += fmt.Sprintf(" AND level = $%d", argCount)
		args = append(args, *filters.Level)
	}

	if filters.StartTime != nil {
		argCount++
		where += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, filters.StartTime.UTC())
	}

	if filters.EndTime != nil {
		argCount++
		where += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, filters.EndTime.UTC())
	}

	// Get count
	var count int64
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM event_logs"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	// Get rows
	query := "SELECT id, created_at, serial, ticket_id, type, level, code, description, details FROM event_logs" +
		where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount+1, argCount+2)
	args = append(args, limit, offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.Serial, &event.TicketID,
			&event.Type, &event.Level, &event.Code, &event.Description,
			&event.Details,
		)
		if err != nil {
			return nil, 0, err
		}

		events = append(events, event)
	}

	return events, count, rows.Err()
}
