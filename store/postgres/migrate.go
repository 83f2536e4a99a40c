package postgres

import (
	"context"
	"fmt"
)

// migrations run in order at startup. Each statement is idempotent, so a
// fleet of workers racing through Migrate converges on the same schema.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id                    BIGSERIAL PRIMARY KEY,
		ticket_id             TEXT NOT NULL UNIQUE,
		title                 TEXT NOT NULL DEFAULT '',
		workflow_key          TEXT NOT NULL,
		workflow_version      TEXT NOT NULL DEFAULT '',
		workflow_input        JSONB NOT NULL DEFAULT '{}'::jsonb,
		context_data          JSONB NOT NULL DEFAULT '{}'::jsonb,
		stage                 TEXT NOT NULL,
		status                TEXT NOT NULL,
		source_type           TEXT NOT NULL DEFAULT '',
		paused                BOOLEAN NOT NULL DEFAULT FALSE,
		paused_at             TIMESTAMPTZ,
		resumed_at            TIMESTAMPTZ,
		approval_required     BOOLEAN NOT NULL DEFAULT FALSE,
		approval_status       TEXT NOT NULL DEFAULT 'none',
		approval_requested_at TIMESTAMPTZ,
		approval_decided_at   TIMESTAMPTZ,
		approval_notes        TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL,
		completed_at          TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id                  BIGSERIAL PRIMARY KEY,
		ticket_id           TEXT NOT NULL,
		task_key            TEXT NOT NULL,
		state               TEXT NOT NULL,
		payload             JSONB NOT NULL DEFAULT '{}'::jsonb,
		result_data         JSONB NOT NULL DEFAULT '{}'::jsonb,
		error_message       TEXT NOT NULL DEFAULT '',
		cancel_requested    BOOLEAN NOT NULL DEFAULT FALSE,
		cancel_requested_at TIMESTAMPTZ,
		attempt_count       INTEGER NOT NULL DEFAULT 0,
		max_attempts        INTEGER NOT NULL DEFAULT 1,
		retry_base_seconds  INTEGER,
		retry_max_seconds   INTEGER,
		timeout_seconds     INTEGER,
		next_run_at         TIMESTAMPTZ,
		claimed_by          TEXT NOT NULL DEFAULT '',
		claimed_at          TIMESTAMPTZ,
		lease_expires_at    TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL,
		started_at          TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS task_dependencies (
		id                 BIGSERIAL PRIMARY KEY,
		task_id            BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		depends_on_task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		created_at         TIMESTAMPTZ NOT NULL,
		UNIQUE (task_id, depends_on_task_id)
	)`,

	`CREATE TABLE IF NOT EXISTS task_logs (
		id         BIGSERIAL PRIMARY KEY,
		task_id    BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		log_type   TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		details    JSONB,
		success    BOOLEAN,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS worker_heartbeats (
		id              BIGSERIAL PRIMARY KEY,
		worker_id       TEXT NOT NULL UNIQUE,
		state           TEXT NOT NULL,
		current_task_id BIGINT,
		last_seen_at    TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ticket_events (
		id                  BIGSERIAL PRIMARY KEY,
		ticket_id           TEXT NOT NULL,
		event_type          TEXT NOT NULL,
		payload             JSONB NOT NULL DEFAULT '{}'::jsonb,
		consumed_at         TIMESTAMPTZ,
		consumed_by_task_id BIGINT,
		created_at          TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ticket_schedules (
		id                BIGSERIAL PRIMARY KEY,
		schedule_key      TEXT NOT NULL UNIQUE,
		active            BOOLEAN NOT NULL DEFAULT TRUE,
		next_run_at       TIMESTAMPTZ,
		interval_seconds  INTEGER,
		ticket_title      TEXT NOT NULL DEFAULT '',
		workflow_key      TEXT NOT NULL,
		workflow_version  TEXT NOT NULL DEFAULT '',
		workflow_input    JSONB NOT NULL DEFAULT '{}'::jsonb,
		context_data      JSONB NOT NULL DEFAULT '{}'::jsonb,
		source_type       TEXT NOT NULL DEFAULT '',
		task_key          TEXT NOT NULL DEFAULT '',
		task_payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
		task_max_attempts INTEGER,
		last_run_at       TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,

	// Column groups added after the initial schema shipped. ADD COLUMN IF
	// NOT EXISTS upgrades pre-existing installations in place.
	`ALTER TABLE tickets
		ADD COLUMN IF NOT EXISTS paused BOOLEAN NOT NULL DEFAULT FALSE,
		ADD COLUMN IF NOT EXISTS paused_at TIMESTAMPTZ,
		ADD COLUMN IF NOT EXISTS resumed_at TIMESTAMPTZ`,
	`ALTER TABLE tickets
		ADD COLUMN IF NOT EXISTS approval_required BOOLEAN NOT NULL DEFAULT FALSE,
		ADD COLUMN IF NOT EXISTS approval_status TEXT NOT NULL DEFAULT 'none',
		ADD COLUMN IF NOT EXISTS approval_requested_at TIMESTAMPTZ,
		ADD COLUMN IF NOT EXISTS approval_decided_at TIMESTAMPTZ,
		ADD COLUMN IF NOT EXISTS approval_notes TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE tasks
		ADD COLUMN IF NOT EXISTS cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		ADD COLUMN IF NOT EXISTS cancel_requested_at TIMESTAMPTZ`,
	`ALTER TABLE tasks
		ADD COLUMN IF NOT EXISTS retry_base_seconds INTEGER,
		ADD COLUMN IF NOT EXISTS retry_max_seconds INTEGER,
		ADD COLUMN IF NOT EXISTS timeout_seconds INTEGER`,
	`ALTER TABLE tasks
		ADD COLUMN IF NOT EXISTS claimed_by TEXT NOT NULL DEFAULT '',
		ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ,
		ADD COLUMN IF NOT EXISTS lease_expires_at TIMESTAMPTZ`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_claimable
		ON tasks (state, next_run_at, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_ticket
		ON tasks (ticket_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_task_logs_task
		ON task_logs (task_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_events_inbox
		ON ticket_events (ticket_id, event_type, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_schedules_due
		ON ticket_schedules (active, next_run_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_created
		ON tickets (created_at)`,
}

// Migrate applies the schema. Safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
