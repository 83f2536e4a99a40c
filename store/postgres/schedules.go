package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/c360studio/orchard/store"
)

type scheduleRepo struct {
	db   db
	inTx bool
}

const scheduleColumns = `id, schedule_key, active, next_run_at, interval_seconds,
	ticket_title, workflow_key, workflow_version, workflow_input, context_data, source_type,
	task_key, task_payload, task_max_attempts,
	last_run_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*store.TicketSchedule, error) {
	var s store.TicketSchedule
	err := row.Scan(
		&s.ID, &s.ScheduleKey, &s.Active, &s.NextRunAt, &s.IntervalSeconds,
		&s.TicketTitle, &s.WorkflowKey, &s.WorkflowVersion, &s.WorkflowInput, &s.ContextData, &s.SourceType,
		&s.TaskKey, &s.TaskPayload, &s.TaskMaxAttempts,
		&s.LastRunAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *scheduleRepo) Create(ctx context.Context, s *store.TicketSchedule) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO ticket_schedules (
			schedule_key, active, next_run_at, interval_seconds,
			ticket_title, workflow_key, workflow_version, workflow_input, context_data, source_type,
			task_key, task_payload, task_max_attempts,
			last_run_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`,
		s.ScheduleKey, s.Active, s.NextRunAt, s.IntervalSeconds,
		s.TicketTitle, s.WorkflowKey, s.WorkflowVersion, s.WorkflowInput, s.ContextData, s.SourceType,
		s.TaskKey, s.TaskPayload, s.TaskMaxAttempts,
		s.LastRunAt, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
	if isUniqueViolation(err) {
		return store.ErrScheduleExists
	}
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (r *scheduleRepo) Get(ctx context.Context, id int64) (*store.TicketSchedule, error) {
	s, err := scanSchedule(r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM ticket_schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select schedule %d: %w", id, err)
	}
	return s, nil
}

func (r *scheduleRepo) GetByKey(ctx context.Context, key string) (*store.TicketSchedule, error) {
	s, err := scanSchedule(r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM ticket_schedules WHERE schedule_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select schedule %s: %w", key, err)
	}
	return s, nil
}

func (r *scheduleRepo) Update(ctx context.Context, s *store.TicketSchedule) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE ticket_schedules SET
			active = $2, next_run_at = $3, interval_seconds = $4,
			ticket_title = $5, workflow_key = $6, workflow_version = $7,
			workflow_input = $8, context_data = $9, source_type = $10,
			task_key = $11, task_payload = $12, task_max_attempts = $13,
			last_run_at = $14, updated_at = $15
		WHERE id = $1`,
		s.ID,
		s.Active, s.NextRunAt, s.IntervalSeconds,
		s.TicketTitle, s.WorkflowKey, s.WorkflowVersion,
		s.WorkflowInput, s.ContextData, s.SourceType,
		s.TaskKey, s.TaskPayload, s.TaskMaxAttempts,
		s.LastRunAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule %d: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrScheduleNotFound
	}
	return nil
}

func (r *scheduleRepo) List(ctx context.Context, limit int) ([]*store.TicketSchedule, error) {
	if limit < 1 {
		limit = 50
	}
	return r.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM ticket_schedules ORDER BY id ASC LIMIT $1`, limit)
}

func (r *scheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*store.TicketSchedule, error) {
	if limit < 1 {
		limit = 10
	}
	lock := ""
	if r.inTx {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	return r.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM ticket_schedules
		WHERE active = TRUE AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC, id ASC
		LIMIT $2 `+lock, now, limit)
}

func (r *scheduleRepo) querySchedules(ctx context.Context, sql string, args ...any) ([]*store.TicketSchedule, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*store.TicketSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
