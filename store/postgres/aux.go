package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/c360studio/orchard/store"
)

type dependencyRepo struct {
	db db
}

func (r *dependencyRepo) Add(ctx context.Context, taskID int64, dependsOn []int64) error {
	now := time.Now().UTC()
	for _, depID := range dependsOn {
		_, err := r.db.Exec(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_task_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (task_id, depends_on_task_id) DO NOTHING`,
			taskID, depID, now)
		if err != nil {
			return fmt.Errorf("insert dependency %d -> %d: %w", taskID, depID, err)
		}
	}
	return nil
}

func (r *dependencyRepo) ListForTask(ctx context.Context, taskID int64) ([]*store.TaskDependency, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, task_id, depends_on_task_id, created_at
		FROM task_dependencies WHERE task_id = $1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var out []*store.TaskDependency
	for rows.Next() {
		var d store.TaskDependency
		if err := rows.Scan(&d.ID, &d.TaskID, &d.DependsOnTaskID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

type taskLogRepo struct {
	db db
}

func (r *taskLogRepo) Append(ctx context.Context, l *store.TaskLog) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO task_logs (task_id, log_type, message, details, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		l.TaskID, l.LogType, l.Message, l.Details, l.Success, l.CreatedAt,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

func (r *taskLogRepo) ListForTask(ctx context.Context, taskID int64, limit int) ([]*store.TaskLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, task_id, log_type, message, details, success, created_at
		FROM task_logs WHERE task_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()

	var out []*store.TaskLog
	for rows.Next() {
		var l store.TaskLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.LogType, &l.Message, &l.Details, &l.Success, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

type heartbeatRepo struct {
	db db
}

func (r *heartbeatRepo) Upsert(ctx context.Context, workerID string, state store.HeartbeatState, currentTaskID *int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, state, current_task_id, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (worker_id) DO UPDATE SET
			state = EXCLUDED.state,
			current_task_id = EXCLUDED.current_task_id,
			last_seen_at = EXCLUDED.last_seen_at`,
		workerID, state, currentTaskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert heartbeat %s: %w", workerID, err)
	}
	return nil
}

func (r *heartbeatRepo) Get(ctx context.Context, workerID string) (*store.WorkerHeartbeat, error) {
	var h store.WorkerHeartbeat
	err := r.db.QueryRow(ctx, `
		SELECT id, worker_id, state, current_task_id, last_seen_at
		FROM worker_heartbeats WHERE worker_id = $1`, workerID,
	).Scan(&h.ID, &h.WorkerID, &h.State, &h.CurrentTaskID, &h.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select heartbeat %s: %w", workerID, err)
	}
	return &h, nil
}
