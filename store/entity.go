// Package store defines the persisted entities of the orchestrator and the
// repository surface the engine runs against. Implementations live in
// store/postgres (production) and store/memory (tests, standalone mode).
package store

import "time"

// TicketStatus is the outward lifecycle state of a ticket.
type TicketStatus string

// Ticket statuses.
const (
	TicketActive          TicketStatus = "active"
	TicketPaused          TicketStatus = "paused"
	TicketWaitingApproval TicketStatus = "waiting_approval"
	TicketAttention       TicketStatus = "attention"
	TicketCompleted       TicketStatus = "completed"
)

// ApprovalStatus tracks the approval gate on a ticket.
type ApprovalStatus string

// Approval statuses.
const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Well-known stages the engine writes outside the workflow graph.
const (
	StageQueued          = "queued"
	StageRunning         = "running"
	StageReview          = "review"
	StageFinished        = "finished"
	StagePendingApproval = "pending_approval"
)

// Bag is a JSON mapping from string keys to arbitrary values, stored as
// jsonb in Postgres.
type Bag map[string]any

// Ticket is a persistent work item bound to a workflow stage graph.
type Ticket struct {
	ID              int64
	TicketID        string
	Title           string
	WorkflowKey     string
	WorkflowVersion string
	WorkflowInput   Bag
	ContextData     Bag
	Stage           string
	Status          TicketStatus
	SourceType      string

	Paused    bool
	PausedAt  *time.Time
	ResumedAt *time.Time

	ApprovalRequired    bool
	ApprovalStatus      ApprovalStatus
	ApprovalRequestedAt *time.Time
	ApprovalDecidedAt   *time.Time
	ApprovalNotes       string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// TaskState is the lifecycle state of a task.
type TaskState string

// Task states.
const (
	TaskQueued     TaskState = "queued"
	TaskRunning    TaskState = "running"
	TaskRetrying   TaskState = "retrying"
	TaskPaused     TaskState = "paused"
	TaskBlocked    TaskState = "blocked"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskDeadLetter TaskState = "dead_letter"
	TaskCancelled  TaskState = "cancelled"
)

// Task is an atomic, retryable unit of work belonging to a ticket.
type Task struct {
	ID           int64
	TicketID     string
	TaskKey      string
	State        TaskState
	Payload      Bag
	ResultData   Bag
	ErrorMessage string

	CancelRequested   bool
	CancelRequestedAt *time.Time

	AttemptCount     int
	MaxAttempts      int
	RetryBaseSeconds *int
	RetryMaxSeconds  *int
	TimeoutSeconds   *int

	NextRunAt      *time.Time
	ClaimedBy      string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// TaskDependency is a directed edge: the task may run only after the task it
// depends on has completed.
type TaskDependency struct {
	ID              int64
	TaskID          int64
	DependsOnTaskID int64
	CreatedAt       time.Time
}

// LogType classifies task log rows.
type LogType string

// Log types.
const (
	LogInfo    LogType = "info"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
)

// TaskLog is an append-only record of a material task state change.
type TaskLog struct {
	ID        int64
	TaskID    int64
	LogType   LogType
	Message   string
	Details   Bag
	Success   *bool
	CreatedAt time.Time
}

// HeartbeatState reports what a worker is doing.
type HeartbeatState string

// Heartbeat states.
const (
	WorkerIdle    HeartbeatState = "idle"
	WorkerWorking HeartbeatState = "working"
)

// WorkerHeartbeat is a single observational row per worker id.
type WorkerHeartbeat struct {
	ID            int64
	WorkerID      string
	State         HeartbeatState
	CurrentTaskID *int64
	LastSeenAt    time.Time
}

// TicketEvent is one row in a ticket's event inbox. An event is unconsumed
// while ConsumedAt is nil; consumption is at-most-once.
type TicketEvent struct {
	ID               int64
	TicketID         string
	EventType        string
	Payload          Bag
	ConsumedAt       *time.Time
	ConsumedByTaskID *int64
	CreatedAt        time.Time
}

// TicketSchedule is a recurring or one-shot template that materializes
// tickets when NextRunAt comes due. IntervalSeconds > 0 means recurring.
type TicketSchedule struct {
	ID              int64
	ScheduleKey     string
	Active          bool
	NextRunAt       *time.Time
	IntervalSeconds *int

	TicketTitle     string
	WorkflowKey     string
	WorkflowVersion string
	WorkflowInput   Bag
	ContextData     Bag
	SourceType      string

	TaskKey         string
	TaskPayload     Bag
	TaskMaxAttempts *int

	LastRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of a bag. Nested maps and slices are copied;
// scalar values are shared.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case Bag:
		return map[string]any(val.Clone())
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
