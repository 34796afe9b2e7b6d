package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openambit/ambit-sync/internal/models"
)

const syncStateColumns = `serial, handle, stage, logs_total, logs_fetched, last_error,
               high_water_mark, last_sync_at, failed_logs, quarantined_logs,
               model, firmware, battery, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncState(row scanner) (*models.SyncState, error) {
	state := &models.SyncState{}
	err := row.Scan(
		&state.Serial, &state.Handle, &state.Stage, &state.LogsTotal,
		&state.LogsFetched, &state.LastError, &state.HighWaterMark,
		&state.LastSyncAt, &state.FailedLogs, &state.QuarantinedLogs,
		&state.Model, &state.Firmware, &state.Battery, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetSyncState gets the persisted sync state of a device
func (s *SQLStore) GetSyncState(ctx context.Context, serial string) (*models.SyncState, error) {
	query := `SELECT ` + syncStateColumns + ` FROM sync_states WHERE serial = $1`

	state, err := scanSyncState(s.queryRow(ctx, query, serial))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return state, err
}

// SaveSyncState upserts the sync state. The stored high-water mark never
// decreases; on return state.HighWaterMark holds the persisted value.
func (s *SQLStore) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	state.UpdatedAt = time.Now().UTC()

	query := `
        INSERT INTO sync_states (
            serial, handle, stage, logs_total, logs_fetched, last_error,
            high_water_mark, last_sync_at, failed_logs, quarantined_logs,
            model, firmware, battery, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (serial) DO UPDATE SET
            handle = EXCLUDED.handle,
            stage = EXCLUDED.stage,
            logs_total = EXCLUDED.logs_total,
            logs_fetched = EXCLUDED.logs_fetched,
            last_error = EXCLUDED.last_error,
            high_water_mark = CASE
                WHEN EXCLUDED.high_water_mark > sync_states.high_water_mark
                THEN EXCLUDED.high_water_mark
                ELSE sync_states.high_water_mark
            END,
            last_sync_at = EXCLUDED.last_sync_at,
            failed_logs = EXCLUDED.failed_logs,
            quarantined_logs = EXCLUDED.quarantined_logs,
            model = EXCLUDED.model,
            firmware = EXCLUDED.firmware,
            battery = EXCLUDED.battery,
            updated_at = EXCLUDED.updated_at
        RETURNING high_water_mark`

	var lastSync *time.Time
	if state.LastSyncAt != nil {
		t := state.LastSyncAt.UTC()
		lastSync = &t
	}

	return s.queryRow(ctx, query,
		state.Serial, state.Handle, state.Stage, state.LogsTotal,
		state.LogsFetched, state.LastError, state.HighWaterMark, lastSync,
		state.FailedLogs, state.QuarantinedLogs, state.Model, state.Firmware,
		state.Battery, state.UpdatedAt,
	).Scan(&state.HighWaterMark)
}

// ListSyncStates lists the sync state of every known device
func (s *SQLStore) ListSyncStates(ctx context.Context) ([]*models.SyncState, error) {
	rows, err := s.query(ctx, `SELECT `+syncStateColumns+` FROM sync_states ORDER BY serial`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*models.SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}

	return states, rows.Err()
}
