package store

import (
	"context"
	"time"
)

// Store bundles the repositories over one backend. RunInTx hands the
// callback a Store bound to a single transaction; claim-shaped list methods
// (ListClaimable, ListRunning, ListCancelRequested, ListDue,
// OldestUnconsumed) lock the returned rows for the duration of that
// transaction on backends that support row locking, and must only be called
// inside RunInTx.
type Store interface {
	// RunInTx runs fn inside one transaction, committing on nil and
	// rolling back on error. A nested call joins the enclosing
	// transaction.
	RunInTx(ctx context.Context, fn func(tx Store) error) error

	Tickets() TicketRepo
	Tasks() TaskRepo
	Dependencies() DependencyRepo
	Logs() TaskLogRepo
	Heartbeats() HeartbeatRepo
	Events() EventRepo
	Schedules() ScheduleRepo
}

// TicketRepo persists tickets.
type TicketRepo interface {
	// Create inserts the ticket and fills in its row id.
	Create(ctx context.Context, t *Ticket) error
	// GetByTicketID returns the ticket or ErrTicketNotFound.
	GetByTicketID(ctx context.Context, ticketID string) (*Ticket, error)
	// Update writes all mutable ticket fields.
	Update(ctx context.Context, t *Ticket) error
	// List returns tickets newest first, up to limit.
	List(ctx context.Context, limit int) ([]*Ticket, error)
}

// TaskRepo persists tasks.
type TaskRepo interface {
	// Create inserts the task and fills in its row id.
	Create(ctx context.Context, t *Task) error
	// Get returns the task or ErrTaskNotFound.
	Get(ctx context.Context, id int64) (*Task, error)
	// Update writes all mutable task fields.
	Update(ctx context.Context, t *Task) error
	// ListForTicket returns a ticket's tasks in created_at ascending order.
	ListForTicket(ctx context.Context, ticketID string) ([]*Task, error)
	// ListClaimable returns queued/retrying tasks whose next_run_at is
	// absent or due, without cancel_requested, in created_at ascending
	// order. Rows are locked with SKIP LOCKED where supported.
	ListClaimable(ctx context.Context, now time.Time) ([]*Task, error)
	// ListRunning returns tasks in the running state, locked where
	// supported. Used by the stale reaper.
	ListRunning(ctx context.Context) ([]*Task, error)
	// ListCancelRequested returns tasks flagged cancel_requested in a
	// parked state (queued, retrying, paused, blocked), locked where
	// supported.
	ListCancelRequested(ctx context.Context) ([]*Task, error)
}

// DependencyRepo persists task dependency edges.
type DependencyRepo interface {
	// Add records that taskID depends on each of dependsOn.
	Add(ctx context.Context, taskID int64, dependsOn []int64) error
	// ListForTask returns the direct predecessors of a task.
	ListForTask(ctx context.Context, taskID int64) ([]*TaskDependency, error)
}

// TaskLogRepo persists append-only task logs.
type TaskLogRepo interface {
	Append(ctx context.Context, l *TaskLog) error
	// ListForTask returns a task's logs newest first, up to limit.
	ListForTask(ctx context.Context, taskID int64, limit int) ([]*TaskLog, error)
}

// HeartbeatRepo persists one observational row per worker.
type HeartbeatRepo interface {
	// Upsert records the worker's current state, keyed by worker id.
	Upsert(ctx context.Context, workerID string, state HeartbeatState, currentTaskID *int64) error
	// Get returns the heartbeat row or ErrNotFound.
	Get(ctx context.Context, workerID string) (*WorkerHeartbeat, error)
}

// EventRepo persists the per-ticket event inbox.
type EventRepo interface {
	// Append inserts the event and fills in its row id.
	Append(ctx context.Context, e *TicketEvent) error
	// ListForTicket returns a ticket's events newest first, up to limit.
	ListForTicket(ctx context.Context, ticketID string, limit int) ([]*TicketEvent, error)
	// OldestUnconsumed returns the first unconsumed event of the given
	// type on the ticket in created_at ascending order, locked where
	// supported, or ErrNotFound.
	OldestUnconsumed(ctx context.Context, ticketID, eventType string) (*TicketEvent, error)
	// Update writes consumption fields.
	Update(ctx context.Context, e *TicketEvent) error
}

// ScheduleRepo persists ticket schedules.
type ScheduleRepo interface {
	// Create inserts the schedule or returns ErrScheduleExists.
	Create(ctx context.Context, s *TicketSchedule) error
	// Get returns the schedule or ErrScheduleNotFound.
	Get(ctx context.Context, id int64) (*TicketSchedule, error)
	// GetByKey returns the schedule or ErrScheduleNotFound.
	GetByKey(ctx context.Context, key string) (*TicketSchedule, error)
	// Update writes all mutable schedule fields.
	Update(ctx context.Context, s *TicketSchedule) error
	// List returns schedules oldest first, up to limit.
	List(ctx context.Context, limit int) ([]*TicketSchedule, error)
	// ListDue returns active schedules with next_run_at due, ordered
	// ascending, up to limit, locked where supported.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*TicketSchedule, error)
}
