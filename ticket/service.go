package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
	"github.com/c360studio/orchard/workflow"
)

// Settings are the configuration knobs the ticket service consumes.
type Settings struct {
	// DefaultWorkflowKey is used when ticket creation omits workflow_key.
	DefaultWorkflowKey string
	// DefaultMaxAttempts is the retry ceiling for tasks that supply none.
	DefaultMaxAttempts int
}

// Service coordinates ticket and task lifecycle operations.
type Service struct {
	store     store.Store
	workflows *workflow.Loader
	policy    StatePolicy
	settings  Settings
	logger    *slog.Logger
}

// NewTicketID builds an opaque ticket id from ten hex chars of a fresh
// UUID. The schedule engine uses it when materializing tickets.
func NewTicketID() string {
	return "tkt-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

// NewService creates a ticket service.
func NewService(st store.Store, workflows *workflow.Loader, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		workflows: workflows,
		policy:    DefaultStatePolicy{},
		settings:  settings,
		logger:    logger.With("component", "ticket_service"),
	}
}

// CreateTicketRequest carries ticket creation parameters.
type CreateTicketRequest struct {
	Title           string
	WorkflowKey     string
	WorkflowVersion string
	WorkflowInput   store.Bag
	ContextData     store.Bag
	SourceType      string
}

// CreateTaskRequest carries task creation parameters.
type CreateTaskRequest struct {
	TaskKey          string
	Payload          store.Bag
	MaxAttempts      *int
	RetryBaseSeconds *int
	RetryMaxSeconds  *int
	TimeoutSeconds   *int
	DependsOnTaskIDs []int64
}

// CreateTicket materializes a ticket bound to its declared workflow. The
// workflow must resolve; the ticket starts at the workflow's initial stage.
func (s *Service) CreateTicket(ctx context.Context, req CreateTicketRequest) (*store.Ticket, error) {
	workflowKey := strings.TrimSpace(req.WorkflowKey)
	if workflowKey == "" {
		workflowKey = s.settings.DefaultWorkflowKey
	}
	def, err := s.workflows.Load(workflowKey)
	if err != nil {
		return nil, err
	}

	version := req.WorkflowVersion
	if version == "" {
		version = def.Version
	}

	now := policy.Now()
	t := &store.Ticket{
		TicketID:        NewTicketID(),
		Title:           req.Title,
		SourceType:      req.SourceType,
		WorkflowKey:     def.Key,
		WorkflowVersion: version,
		WorkflowInput:   req.WorkflowInput.Clone(),
		ContextData:     req.ContextData.Clone(),
		Stage:           def.InitialStage,
		Status:          store.TicketActive,
		ApprovalStatus:  store.ApprovalNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if t.WorkflowInput == nil {
		t.WorkflowInput = store.Bag{}
	}
	if t.ContextData == nil {
		t.ContextData = store.Bag{}
	}

	err = s.store.RunInTx(ctx, func(tx store.Store) error {
		return tx.Tickets().Create(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	s.logger.Info("Ticket created", "ticket_id", t.TicketID, "workflow", def.Key, "stage", t.Stage)
	return t, nil
}

// CreateTask adds a task to a ticket. The initial task state follows the
// ticket: paused tickets park new tasks, a pending approval blocks them,
// otherwise they queue.
func (s *Service) CreateTask(ctx context.Context, ticketID string, req CreateTaskRequest) (*store.Task, error) {
	var task *store.Task
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		t, err := tx.Tickets().GetByTicketID(ctx, ticketID)
		if err != nil {
			return err
		}

		initialState := store.TaskQueued
		if t.Paused {
			initialState = store.TaskPaused
		} else if t.ApprovalRequired && t.ApprovalStatus == store.ApprovalPending {
			initialState = store.TaskBlocked
		}

		now := policy.Now()
		task = &store.Task{
			TicketID:         t.TicketID,
			TaskKey:          req.TaskKey,
			State:            initialState,
			Payload:          req.Payload.Clone(),
			ResultData:       store.Bag{},
			MaxAttempts:      policy.NormalizeMaxAttempts(req.MaxAttempts, s.settings.DefaultMaxAttempts),
			RetryBaseSeconds: req.RetryBaseSeconds,
			RetryMaxSeconds:  req.RetryMaxSeconds,
			TimeoutSeconds:   req.TimeoutSeconds,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if task.Payload == nil {
			task.Payload = store.Bag{}
		}
		if err := tx.Tasks().Create(ctx, task); err != nil {
			return err
		}

		var deps []int64
		for _, id := range req.DependsOnTaskIDs {
			if id > 0 {
				deps = append(deps, id)
			}
		}
		if len(deps) > 0 {
			if err := tx.Dependencies().Add(ctx, task.ID, deps); err != nil {
				return err
			}
		}

		switch initialState {
		case store.TaskBlocked:
			t.Stage = store.StagePendingApproval
			t.Status = store.TicketWaitingApproval
		case store.TaskPaused:
			t.Status = store.TicketPaused
		default:
			t.Stage = store.StageRunning
			t.Status = store.TicketActive
		}
		t.UpdatedAt = now
		return tx.Tickets().Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Task created",
		"ticket_id", ticketID, "task_id", task.ID, "task_key", task.TaskKey, "state", string(task.State))
	return task, nil
}

// PauseTicket pauses a ticket. Parked tasks move to paused; running tasks
// get a cancel request the executor observes through its control handle.
func (s *Service) PauseTicket(ctx context.Context, ticketID string) (*store.Ticket, error) {
	var out *store.Ticket
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		t, err := tx.Tickets().GetByTicketID(ctx, ticketID)
		if err != nil {
			return err
		}

		now := policy.Now()
		t.Paused = true
		t.PausedAt = &now
		t.Status = store.TicketPaused
		t.UpdatedAt = now
		if err := tx.Tickets().Update(ctx, t); err != nil {
			return err
		}

		tasks, err := tx.Tasks().ListForTicket(ctx, t.TicketID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			switch task.State {
			case store.TaskQueued, store.TaskRetrying, store.TaskBlocked:
				task.State = store.TaskPaused
				task.NextRunAt = nil
			case store.TaskRunning:
				task.CancelRequested = true
				task.CancelRequestedAt = &now
			default:
				continue
			}
			task.UpdatedAt = now
			if err := tx.Tasks().Update(ctx, task); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Ticket paused", "ticket_id", ticketID)
	return out, nil
}

// ResumeTicket clears the pause flag. Tasks return to queued unless an
// approval is still pending, in which case they stay blocked.
func (s *Service) ResumeTicket(ctx context.Context, ticketID string) (*store.Ticket, error) {
	var out *store.Ticket
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		t, err := tx.Tickets().GetByTicketID(ctx, ticketID)
		if err != nil {
			return err
		}

		now := policy.Now()
		t.Paused = false
		t.ResumedAt = &now
		approvalPending := t.ApprovalRequired && t.ApprovalStatus == store.ApprovalPending
		if approvalPending {
			t.Stage = store.StagePendingApproval
			t.Status = store.TicketWaitingApproval
		} else if t.Stage != store.StageFinished {
			t.Status = store.TicketActive
		}
		t.UpdatedAt = now
		if err := tx.Tickets().Update(ctx, t); err != nil {
			return err
		}

		tasks, err := tx.Tasks().ListForTicket(ctx, t.TicketID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.State != store.TaskPaused {
				continue
			}
			if approvalPending {
				task.State = store.TaskBlocked
				task.NextRunAt = nil
			} else {
				task.State = store.TaskQueued
				runAt := now
				task.NextRunAt = &runAt
			}
			task.UpdatedAt = now
			if err := tx.Tasks().Update(ctx, task); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Ticket resumed", "ticket_id", ticketID)
	return out, nil
}

// RequestApproval gates the ticket: the stage moves to pending_approval and
// every queued or retrying task is pushed to blocked.
func (s *Service) RequestApproval(ctx context.Context, ticketID, notes string) (*store.Ticket, error) {
	var out *store.Ticket
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		t, err := tx.Tickets().GetByTicketID(ctx, ticketID)
		if err != nil {
			return err
		}

		now := policy.Now()
		t.ApprovalRequired = true
		t.ApprovalStatus = store.ApprovalPending
		if t.ApprovalRequestedAt == nil {
			t.ApprovalRequestedAt = &now
		}
		t.ApprovalDecidedAt = nil
		t.ApprovalNotes = notes
		t.Stage = store.StagePendingApproval
		t.Status = store.TicketWaitingApproval
		t.UpdatedAt = now
		if err := tx.Tickets().Update(ctx, t); err != nil {
			return err
		}

		tasks, err := tx.Tasks().ListForTicket(ctx, t.TicketID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.State != store.TaskQueued && task.State != store.TaskRetrying {
				continue
			}
			task.State = store.TaskBlocked
			task.NextRunAt = nil
			task.UpdatedAt = now
			if err := tx.Tasks().Update(ctx, task); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Approval requested", "ticket_id", ticketID)
	return out, nil
}

// ApproveTicket releases the approval gate. Blocked tasks queue again
// unless the ticket is paused.
func (s *Service) ApproveTicket(ctx context.Context, ticketID, notes string) (*store.Ticket, error) {
	var out *store.Ticket
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		t, err := tx.Tickets().GetByTicketID(ctx, ticketID)
		if err != nil {
			return err
		}

		now := policy.Now()
		t.ApprovalRequired = true
		t.ApprovalStatus = store.ApprovalApproved
		t.ApprovalDecidedAt = &now
		t.ApprovalNotes = notes
		if t.Stage == store.StagePendingApproval {
			t.Stage = store.StageRunning
		}
		if t.Paused {
			t.Status = store.TicketPaused
		} else {
			t.Status = store.TicketActive
		}
		t.UpdatedAt = now
		if err := tx.Tickets().Update(ctx, t); err != nil {
			return err
		}

		if !t.Paused {
			tasks, err := tx.Tasks().ListForTicket(ctx, t.TicketID)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				if task.State != store.TaskBlocked {
					continue
				}
				task.State = store.TaskQueued
				runAt := now
				task.NextRunAt = &runAt
				task.UpdatedAt = now
				if err := tx.Tasks().Update(ctx, task); err != nil {
					return err
				}
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Ticket approved", "ticket_id", ticketID)
	return out, nil
}

// RejectTicket records a rejection. Tasks stay blocked; operators decide
// whether to cancel them or re-request approval.
func (s *Service) RejectTicket(ctx context.Context, ticketID, notes string) (*store.Ticket, error) {
	var out *store.Ticket
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		t, err := tx.Tickets().GetByTicketID(ctx, ticketID)
		if err != nil {
			return err
		}

		now := policy.Now()
		t.ApprovalRequired = true
		t.ApprovalStatus = store.ApprovalRejected
		t.ApprovalDecidedAt = &now
		t.ApprovalNotes = notes
		t.Stage = store.StageReview
		t.Status = store.TicketAttention
		t.UpdatedAt = now
		out = t
		return tx.Tickets().Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Ticket rejected", "ticket_id", ticketID)
	return out, nil
}

// TransitionRequest selects a stage transition.
type TransitionRequest struct {
	// TargetStage, when set, restricts the walk to transitions with this
	// target. When empty the first transition whose guard holds wins.
	TargetStage string
	// Context is consulted by guard expressions under context.X and
	// task_result.X, and for bare identifiers.
	Context map[string]any
}

// TransitionTicket walks the current stage's transitions in declaration
// order and applies the first admissible one. Target-stage side effects
// follow the spec: finished completes the ticket, pending_approval raises
// the approval gate.
func (s *Service) TransitionTicket(ctx context.Context, ticketID string, req TransitionRequest) (*store.Ticket, error) {
	var out *store.Ticket
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		t, err := tx.Tickets().GetByTicketID(ctx, ticketID)
		if err != nil {
			return err
		}

		def, err := s.workflows.Load(t.WorkflowKey)
		if err != nil {
			return err
		}
		stage := def.StageByID(t.Stage)
		if stage == nil {
			return fmt.Errorf("current stage %q is not defined in workflow %q", t.Stage, def.Key)
		}

		var chosen *workflow.StageTransition
		gc := workflow.GuardContext{Ticket: t, TransitionContext: req.Context}
		for i := range stage.Transitions {
			tr := &stage.Transitions[i]
			if req.TargetStage != "" && tr.Target != req.TargetStage {
				continue
			}
			if workflow.EvaluateGuard(tr.When, gc) {
				chosen = tr
				break
			}
		}
		if chosen == nil {
			if req.TargetStage != "" {
				return fmt.Errorf("transition to %q is not allowed from stage %q", req.TargetStage, t.Stage)
			}
			return fmt.Errorf("no valid transition from stage %q", t.Stage)
		}

		now := policy.Now()
		t.Stage = chosen.Target
		switch {
		case t.Stage == workflow.TargetFinished:
			t.Status = store.TicketCompleted
			if t.CompletedAt == nil {
				t.CompletedAt = &now
			}
		case t.Stage == store.StagePendingApproval:
			t.ApprovalRequired = true
			if t.ApprovalStatus == store.ApprovalNone {
				t.ApprovalStatus = store.ApprovalPending
			}
			t.Status = store.TicketWaitingApproval
		case t.Paused:
			t.Status = store.TicketPaused
		default:
			t.Status = store.TicketActive
		}
		t.UpdatedAt = now
		out = t
		return tx.Tickets().Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Ticket transitioned", "ticket_id", ticketID, "stage", out.Stage)
	return out, nil
}

// PublishEvent appends an event to a ticket's inbox.
func (s *Service) PublishEvent(ctx context.Context, ticketID, eventType string, payload store.Bag) (*store.TicketEvent, error) {
	var event *store.TicketEvent
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		if _, err := tx.Tickets().GetByTicketID(ctx, ticketID); err != nil {
			return err
		}
		event = &store.TicketEvent{
			TicketID:  ticketID,
			EventType: strings.TrimSpace(eventType),
			Payload:   payload.Clone(),
			CreatedAt: policy.Now(),
		}
		if event.Payload == nil {
			event.Payload = store.Bag{}
		}
		return tx.Events().Append(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Event published", "ticket_id", ticketID, "event_type", event.EventType, "event_id", event.ID)
	return event, nil
}

// GetTicketEvents returns a ticket's events, most recent first.
func (s *Service) GetTicketEvents(ctx context.Context, ticketID string, limit int) ([]*store.TicketEvent, error) {
	if _, err := s.store.Tickets().GetByTicketID(ctx, ticketID); err != nil {
		return nil, err
	}
	return s.store.Events().ListForTicket(ctx, ticketID, limit)
}

// RequestTaskCancel flags a task for cancellation. Parked tasks are
// finalized by the next worker step; running tasks stop cooperatively.
func (s *Service) RequestTaskCancel(ctx context.Context, taskID int64) (*store.Task, error) {
	var out *store.Task
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		task, err := tx.Tasks().Get(ctx, taskID)
		if err != nil {
			return err
		}
		now := policy.Now()
		task.CancelRequested = true
		task.CancelRequestedAt = &now
		task.UpdatedAt = now
		out = task
		return tx.Tasks().Update(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Task cancel requested", "task_id", taskID)
	return out, nil
}

// TicketSummary is a ticket with its tasks in creation order.
type TicketSummary struct {
	Ticket *store.Ticket
	Tasks  []*store.Task
}

// GetTicketSummary returns one ticket with its ordered tasks.
func (s *Service) GetTicketSummary(ctx context.Context, ticketID string) (*TicketSummary, error) {
	t, err := s.store.Tickets().GetByTicketID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.Tasks().ListForTicket(ctx, t.TicketID)
	if err != nil {
		return nil, err
	}
	return &TicketSummary{Ticket: t, Tasks: tasks}, nil
}

// ListTicketSummaries returns recent tickets with their tasks.
func (s *Service) ListTicketSummaries(ctx context.Context, limit int) ([]*TicketSummary, error) {
	tickets, err := s.store.Tickets().List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*TicketSummary, 0, len(tickets))
	for _, t := range tickets {
		tasks, err := s.store.Tasks().ListForTicket(ctx, t.TicketID)
		if err != nil {
			return nil, err
		}
		out = append(out, &TicketSummary{Ticket: t, Tasks: tasks})
	}
	return out, nil
}

// ListTaskLogs returns a task's logs, most recent first.
func (s *Service) ListTaskLogs(ctx context.Context, taskID int64, limit int) ([]*store.TaskLog, error) {
	if _, err := s.store.Tasks().Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.Logs().ListForTask(ctx, taskID, limit)
}
