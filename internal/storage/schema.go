package storage

import (
	"context"
	"fmt"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sync_states (
	serial TEXT PRIMARY KEY,
	handle TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	logs_total INTEGER NOT NULL DEFAULT 0,
	logs_fetched INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	high_water_mark BIGINT NOT NULL DEFAULT 0,
	last_sync_at TIMESTAMPTZ,
	failed_logs JSONB NOT NULL DEFAULT '{}',
	quarantined_logs JSONB NOT NULL DEFAULT '[]',
	model TEXT NOT NULL DEFAULT '',
	firmware TEXT NOT NULL DEFAULT '',
	battery INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS upload_tickets (
	id UUID PRIMARY KEY,
	serial TEXT NOT NULL,
	log_id BIGINT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	ack_id TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ NOT NULL,
	payload BYTEA NOT NULL,
	partial BOOLEAN NOT NULL DEFAULT FALSE,
	log_time TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (serial, log_id)
);

CREATE INDEX IF NOT EXISTS idx_upload_tickets_due ON upload_tickets(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS event_logs (
	id UUID PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	serial TEXT NOT NULL DEFAULT '',
	ticket_id UUID,
	type TEXT NOT NULL,
	level TEXT NOT NULL,
	code TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	details JSONB
);

CREATE INDEX IF NOT EXISTS idx_event_logs_serial ON event_logs(serial, created_at);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_states (
	serial TEXT PRIMARY KEY,
	handle TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	logs_total INTEGER NOT NULL DEFAULT 0,
	logs_fetched INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	high_water_mark INTEGER NOT NULL DEFAULT 0,
	last_sync_at TIMESTAMP,
	failed_logs TEXT NOT NULL DEFAULT '{}',
	quarantined_logs TEXT NOT NULL DEFAULT '[]',
	model TEXT NOT NULL DEFAULT '',
	firmware TEXT NOT NULL DEFAULT '',
	battery INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS upload_tickets (
	id TEXT PRIMARY KEY,
	serial TEXT NOT NULL,
	log_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	ack_id TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMP NOT NULL,
	payload BLOB NOT NULL,
	partial INTEGER NOT NULL DEFAULT 0,
	log_time TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (serial, log_id)
);

CREATE INDEX IF NOT EXISTS idx_upload_tickets_due ON upload_tickets(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS event_logs (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	serial TEXT NOT NULL DEFAULT '',
	ticket_id TEXT,
	type TEXT NOT NULL,
	level TEXT NOT NULL,
	code TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	details TEXT
);

CREATE INDEX IF NOT EXISTS idx_event_logs_serial ON event_logs(serial, created_at);
`

// Migrate creates the tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.driver == DriverSQLite {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s schema: %w", s.driver, err)
	}
	return nil
}
