package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openambit/ambit-sync/internal/models"
)

const ticketColumns = `id, serial, log_id, status, attempts, last_error, ack_id,
               next_attempt_at, partial, log_time, created_at, updated_at`

func scanTicket(row scanner, withPayload bool) (*models.UploadTicket, error) {
	t := &models.UploadTicket{}
	dest := []interface{}{
		&t.ID, &t.Serial, &t.LogID, &t.Status, &t.Attempts, &t.LastError,
		&t.AckID, &t.NextAttemptAt, &t.Partial, &t.LogTime, &t.CreatedAt,
		&t.UpdatedAt,
	}
	var payload []byte
	if withPayload {
		dest = append(dest, &payload)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if withPayload {
		raw, err := decompressPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("ticket %s: %w", t.ID, err)
		}
		t.Payload = raw
	}
	return t, nil
}

// InsertTicket inserts the ticket unless one already exists for its
// (serial, log id). It returns the stored ticket and whether it was created.
func (s *SQLStore) InsertTicket(ctx context.Context, ticket *models.UploadTicket) (*models.UploadTicket, bool, error) {
	if ticket.ID == uuid.Nil {
		ticket.ID = uuid.New()
	}
	now := time.Now().UTC()
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}
	ticket.UpdatedAt = now
	if ticket.NextAttemptAt.IsZero() {
		ticket.NextAttemptAt = now
	}
	if ticket.Status == "" {
		ticket.Status = models.TicketPending
	}

	query := `
        INSERT INTO upload_tickets (
            id, serial, log_id, status, attempts, last_error, ack_id,
            next_attempt_at, payload, partial, log_time, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (serial, log_id) DO NOTHING`

	res, err := s.exec(ctx, query,
		ticket.ID, ticket.Serial, ticket.LogID, ticket.Status, ticket.Attempts,
		ticket.LastError, ticket.AckID, ticket.NextAttemptAt.UTC(),
		compressPayload(ticket.Payload), ticket.Partial, ticket.LogTime.UTC(),
		ticket.CreatedAt.UTC(), ticket.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return ticket, true, nil
	}

	existing, err := s.GetTicketByKey(ctx, ticket.Serial, ticket.LogID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetTicket gets a ticket including its payload
func (s *SQLStore) GetTicket(ctx context.Context, id uuid.UUID) (*models.UploadTicket, error) {
	query := `SELECT ` + ticketColumns + `, payload FROM upload_tickets WHERE id = $1`

	t, err := scanTicket(s.queryRow(ctx, query, id), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetTicketByKey gets the ticket of one device log including its payload
func (s *SQLStore) GetTicketByKey(ctx context.Context, serial string, logID uint32) (*models.UploadTicket, error) {
	query := `SELECT ` + ticketColumns + `, payload FROM upload_tickets WHERE serial = $1 AND log_id = $2`

	t, err := scanTicket(s.queryRow(ctx, query, serial, logID), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ClaimDueTickets atomically moves up to limit due pending tickets to
// in_flight and returns them. A ticket is handed to exactly one claimer.
func (s *SQLStore) ClaimDueTickets(ctx context.Context, now time.Time, limit int) ([]*models.UploadTicket, error) {
	lock := ""
	if s.driver == DriverPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := `
        UPDATE upload_tickets
        SET status = $1, updated_at = $2
        WHERE status = $3 AND id IN (
            SELECT id FROM upload_tickets
            WHERE status = $3 AND next_attempt_at <= $2
            ORDER BY next_attempt_at, log_id
            LIMIT $4` + lock + `
        )
        RETURNING ` + ticketColumns + `, payload`

	now = now.UTC()
	rows, err := s.query(ctx, query, models.TicketInFlight, now, models.TicketPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*models.UploadTicket
	for rows.Next() {
		t, err := scanTicket(rows, true)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}

	return tickets, rows.Err()
}

// UpdateTicket writes the delivery bookkeeping of a ticket if its stored
// status is still from. Otherwise ErrConflict is returned.
func (s *SQLStore) UpdateTicket(ctx context.Context, ticket *models.UploadTicket, from models.TicketStatus) error {
	ticket.UpdatedAt = time.Now().UTC()

	query := `
        UPDATE upload_tickets
        SET status = $1, attempts = $2, last_error = $3, ack_id = $4,
            next_attempt_at = $5, updated_at = $6
        WHERE id = $7 AND status = $8`

	res, err := s.exec(ctx, query,
		ticket.Status, ticket.Attempts, ticket.LastError, ticket.AckID,
		ticket.NextAttemptAt.UTC(), ticket.UpdatedAt, ticket.ID, from,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTicket(ctx, ticket.ID); err != nil {
			return err
		}
		return fmt.Errorf("ticket %s not %s: %w", ticket.ID, from, ErrConflict)
	}
	return nil
}

// ResetInFlightTickets returns tickets claimed by a previous process to the
// pending state. It is called once before delivery workers start.
func (s *SQLStore) ResetInFlightTickets(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE upload_tickets SET status = $1, updated_at = $2 WHERE status = $3`,
		models.TicketPending, time.Now().UTC(), models.TicketInFlight,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListTickets lists tickets without their payloads
func (s *SQLStore) ListTickets(ctx context.Context, filters TicketFilters, limit, offset int) ([]*models.UploadTicket, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.Serial != nil {
		argCount++
		where += fmt.Sprintf(" AND serial = $%d", argCount)
		args = append(args, *filters.Serial)
	}

	if filters.Status != nil {
		argCount++
		where += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *filters.Status)
	}

	var count int64
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM upload_tickets"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + ticketColumns + " FROM upload_tickets" + where +
		fmt.Sprintf(" ORDER BY serial, log_id LIMIT $%d OFFSET $%d", argCount+1, argCount+2)
	args = append(args, limit, offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tickets []*models.UploadTicket
	for rows.Next() {
		t, err := scanTicket(rows, false)
		if err != nil {
			return nil, 0, err
		}
		tickets = append(tickets, t)
	}

	return tickets, count, rows.Err()
}

// NextTicketDue returns when the earliest pending ticket becomes due, or nil
// when nothing is pending.
func (s *SQLStore) NextTicketDue(ctx context.Context) (*time.Time, error) {
	var next time.Time
	err := s.queryRow(ctx,
		`SELECT next_attempt_at FROM upload_tickets WHERE status = $1 ORDER BY next_attempt_at LIMIT 1`,
		models.TicketPending,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &next, nil
}
