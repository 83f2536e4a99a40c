package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/c360studio/orchard/store"
)

type taskRepo struct {
	db   db
	inTx bool
}

const taskColumns = `id, ticket_id, task_key, state, payload, result_data, error_message,
	cancel_requested, cancel_requested_at,
	attempt_count, max_attempts, retry_base_seconds, retry_max_seconds, timeout_seconds,
	next_run_at, claimed_by, claimed_at, lease_expires_at,
	created_at, started_at, completed_at, updated_at`

func scanTask(row pgx.Row) (*store.Task, error) {
	var t store.Task
	err := row.Scan(
		&t.ID, &t.TicketID, &t.TaskKey, &t.State, &t.Payload, &t.ResultData, &t.ErrorMessage,
		&t.CancelRequested, &t.CancelRequestedAt,
		&t.AttemptCount, &t.MaxAttempts, &t.RetryBaseSeconds, &t.RetryMaxSeconds, &t.TimeoutSeconds,
		&t.NextRunAt, &t.ClaimedBy, &t.ClaimedAt, &t.LeaseExpiresAt,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepo) Create(ctx context.Context, t *store.Task) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO tasks (
			ticket_id, task_key, state, payload, result_data, error_message,
			cancel_requested, cancel_requested_at,
			attempt_count, max_attempts, retry_base_seconds, retry_max_seconds, timeout_seconds,
			next_run_at, claimed_by, claimed_at, lease_expires_at,
			created_at, started_at, completed_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING id`,
		t.TicketID, t.TaskKey, t.State, t.Payload, t.ResultData, t.ErrorMessage,
		t.CancelRequested, t.CancelRequestedAt,
		t.AttemptCount, t.MaxAttempts, t.RetryBaseSeconds, t.RetryMaxSeconds, t.TimeoutSeconds,
		t.NextRunAt, t.ClaimedBy, t.ClaimedAt, t.LeaseExpiresAt,
		t.CreatedAt, t.StartedAt, t.CompletedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, id int64) (*store.Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task %d: %w", id, err)
	}
	return t, nil
}

func (r *taskRepo) Update(ctx context.Context, t *store.Task) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tasks SET
			state = $2, payload = $3, result_data = $4, error_message = $5,
			cancel_requested = $6, cancel_requested_at = $7,
			attempt_count = $8, max_attempts = $9,
			retry_base_seconds = $10, retry_max_seconds = $11, timeout_seconds = $12,
			next_run_at = $13, claimed_by = $14, claimed_at = $15, lease_expires_at = $16,
			started_at = $17, completed_at = $18, updated_at = $19
		WHERE id = $1`,
		t.ID,
		t.State, t.Payload, t.ResultData, t.ErrorMessage,
		t.CancelRequested, t.CancelRequestedAt,
		t.AttemptCount, t.MaxAttempts,
		t.RetryBaseSeconds, t.RetryMaxSeconds, t.TimeoutSeconds,
		t.NextRunAt, t.ClaimedBy, t.ClaimedAt, t.LeaseExpiresAt,
		t.StartedAt, t.CompletedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

func (r *taskRepo) ListForTicket(ctx context.Context, ticketID string) ([]*store.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE ticket_id = $1 ORDER BY created_at ASC, id ASC`,
		ticketID)
}

func (r *taskRepo) ListClaimable(ctx context.Context, now time.Time) ([]*store.Task, error) {
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state IN ('queued', 'retrying')
		  AND (next_run_at IS NULL OR next_run_at <= $1)
		  AND cancel_requested = FALSE
		ORDER BY created_at ASC, id ASC
		`+r.lockClause(), now)
}

func (r *taskRepo) ListRunning(ctx context.Context) ([]*store.Task, error) {
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = 'running'
		ORDER BY created_at ASC, id ASC
		`+r.lockClause())
}

func (r *taskRepo) ListCancelRequested(ctx context.Context) ([]*store.Task, error) {
	return r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE cancel_requested = TRUE
		  AND state IN ('queued', 'retrying', 'paused', 'blocked')
		ORDER BY created_at ASC, id ASC
		`+r.lockClause())
}

// lockClause guards against locking outside a transaction, where
// FOR UPDATE is a protocol error on some poolers.
func (r *taskRepo) lockClause() string {
	if r.inTx {
		return "FOR UPDATE SKIP LOCKED"
	}
	return ""
}

func (r *taskRepo) queryTasks(ctx context.Context, sql string, args ...any) ([]*store.Task, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
