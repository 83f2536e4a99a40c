// Package schedule implements recurring and one-shot ticket schedules: a
// template row that, when due, materializes a fresh ticket (and optionally
// its first task) under a batched, skip-locked claim.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
	"github.com/c360studio/orchard/ticket"
	"github.com/c360studio/orchard/workflow"
)

// Settings are the configuration knobs the schedule engine consumes.
type Settings struct {
	// DefaultMaxAttempts is the retry ceiling for materialized tasks that
	// supply none.
	DefaultMaxAttempts int
}

// Service manages ticket schedules and fires them into tickets.
type Service struct {
	store     store.Store
	workflows *workflow.Loader
	settings  Settings
	logger    *slog.Logger
}

// NewService creates a schedule service.
func NewService(st store.Store, workflows *workflow.Loader, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		workflows: workflows,
		settings:  settings,
		logger:    logger.With("component", "schedule_service"),
	}
}

// CreateScheduleRequest carries schedule creation parameters.
type CreateScheduleRequest struct {
	ScheduleKey     string
	TicketTitle     string
	WorkflowKey     string
	WorkflowVersion string
	WorkflowInput   store.Bag
	ContextData     store.Bag
	SourceType      string

	// TaskKey, when set, materializes one initial task per firing.
	TaskKey         string
	TaskPayload     store.Bag
	TaskMaxAttempts *int

	// IntervalSeconds > 0 makes the schedule recurring.
	IntervalSeconds *int
	// FirstRunAt sets the first firing; nil means due immediately.
	FirstRunAt *time.Time
}

// CreateSchedule registers a schedule. A schedule needs either a positive
// interval or an explicit first run; otherwise it would never fire.
func (s *Service) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*store.TicketSchedule, error) {
	key := strings.TrimSpace(req.ScheduleKey)
	if key == "" {
		return nil, fmt.Errorf("schedule_key is required")
	}
	if strings.TrimSpace(req.WorkflowKey) == "" {
		return nil, fmt.Errorf("workflow_key is required")
	}
	recurring := req.IntervalSeconds != nil && *req.IntervalSeconds > 0
	if !recurring && req.FirstRunAt == nil {
		return nil, fmt.Errorf("schedule %q needs interval_seconds or first_run_at", key)
	}

	now := policy.Now()
	next := now
	if req.FirstRunAt != nil {
		next = policy.CoerceUTC(*req.FirstRunAt)
	}

	sched := &store.TicketSchedule{
		ScheduleKey:     key,
		Active:          true,
		NextRunAt:       &next,
		IntervalSeconds: req.IntervalSeconds,
		TicketTitle:     req.TicketTitle,
		WorkflowKey:     req.WorkflowKey,
		WorkflowVersion: req.WorkflowVersion,
		WorkflowInput:   req.WorkflowInput.Clone(),
		ContextData:     req.ContextData.Clone(),
		SourceType:      req.SourceType,
		TaskKey:         req.TaskKey,
		TaskPayload:     req.TaskPayload.Clone(),
		TaskMaxAttempts: req.TaskMaxAttempts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		return tx.Schedules().Create(ctx, sched)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Schedule created", "schedule_key", key, "next_run_at", next)
	return sched, nil
}

// ListSchedules returns schedules oldest first, up to limit.
func (s *Service) ListSchedules(ctx context.Context, limit int) ([]*store.TicketSchedule, error) {
	return s.store.Schedules().List(ctx, limit)
}

// PauseSchedule deactivates a schedule without touching its next_run_at.
func (s *Service) PauseSchedule(ctx context.Context, id int64) (*store.TicketSchedule, error) {
	return s.setActive(ctx, id, false)
}

// ResumeSchedule reactivates a schedule; a schedule with no next firing
// becomes due immediately.
func (s *Service) ResumeSchedule(ctx context.Context, id int64) (*store.TicketSchedule, error) {
	return s.setActive(ctx, id, true)
}

func (s *Service) setActive(ctx context.Context, id int64, active bool) (*store.TicketSchedule, error) {
	var out *store.TicketSchedule
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		sched, err := tx.Schedules().Get(ctx, id)
		if err != nil {
			return err
		}
		sched.Active = active
		if active && sched.NextRunAt == nil {
			now := policy.Now()
			sched.NextRunAt = &now
		}
		sched.UpdatedAt = policy.Now()
		out = sched
		return tx.Schedules().Update(ctx, sched)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Schedule active flag set", "schedule_id", id, "active", active)
	return out, nil
}

// TriggerScheduleOnce fires a schedule immediately, ignoring next_run_at.
// Recurrence bookkeeping still applies.
func (s *Service) TriggerScheduleOnce(ctx context.Context, id int64) (*store.Ticket, error) {
	var created *store.Ticket
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		sched, err := tx.Schedules().Get(ctx, id)
		if err != nil {
			return err
		}
		now := policy.Now()
		created, err = s.materialize(ctx, tx, sched, now)
		if err != nil {
			return err
		}
		s.advance(sched, now)
		return tx.Schedules().Update(ctx, sched)
	})
	if err != nil {
		return nil, fmt.Errorf("trigger schedule %d: %w", id, err)
	}
	s.logger.Info("Schedule triggered", "schedule_id", id, "ticket_id", created.TicketID)
	return created, nil
}

// ProcessDueSchedules fires up to limit due schedules and returns how many
// fired. Each batch runs in one transaction over skip-locked rows, so
// concurrent workers split the due set instead of double-firing it.
func (s *Service) ProcessDueSchedules(ctx context.Context, limit int) (int, error) {
	if limit < 1 {
		limit = 10
	}
	fired := 0
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		due, err := tx.Schedules().ListDue(ctx, policy.Now(), limit)
		if err != nil {
			return err
		}
		for _, sched := range due {
			now := policy.Now()
			created, err := s.materialize(ctx, tx, sched, now)
			if err != nil {
				// A broken template must not wedge the whole batch;
				// advance the schedule and surface the failure in logs.
				s.logger.Error("Schedule materialization failed",
					"schedule_key", sched.ScheduleKey, "error", err)
				s.advance(sched, now)
				if err := tx.Schedules().Update(ctx, sched); err != nil {
					return err
				}
				continue
			}
			s.advance(sched, now)
			if err := tx.Schedules().Update(ctx, sched); err != nil {
				return err
			}
			fired++
			s.logger.Info("Schedule fired",
				"schedule_key", sched.ScheduleKey, "ticket_id", created.TicketID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("process due schedules: %w", err)
	}
	return fired, nil
}

// advance applies post-firing bookkeeping: recurring schedules move their
// next firing one interval out, one-shots deactivate.
func (s *Service) advance(sched *store.TicketSchedule, now time.Time) {
	sched.LastRunAt = &now
	if sched.IntervalSeconds != nil && *sched.IntervalSeconds > 0 {
		next := now.Add(time.Duration(*sched.IntervalSeconds) * time.Second)
		sched.NextRunAt = &next
		sched.Active = true
	} else {
		sched.NextRunAt = nil
		sched.Active = false
	}
	sched.UpdatedAt = now
}

// materialize builds a ticket (and its initial task, when the template has
// one) from the schedule inside the caller's transaction.
func (s *Service) materialize(ctx context.Context, tx store.Store, sched *store.TicketSchedule, now time.Time) (*store.Ticket, error) {
	def, err := s.workflows.Load(sched.WorkflowKey)
	if err != nil {
		return nil, fmt.Errorf("load workflow %q: %w", sched.WorkflowKey, err)
	}

	title := sched.TicketTitle
	if title == "" {
		title = sched.ScheduleKey
	}
	version := sched.WorkflowVersion
	if version == "" {
		version = def.Version
	}
	sourceType := sched.SourceType
	if sourceType == "" {
		sourceType = "schedule"
	}

	t := &store.Ticket{
		TicketID:        ticket.NewTicketID(),
		Title:           title,
		WorkflowKey:     def.Key,
		WorkflowVersion: version,
		WorkflowInput:   sched.WorkflowInput.Clone(),
		ContextData:     sched.ContextData.Clone(),
		Stage:           def.InitialStage,
		Status:          store.TicketActive,
		SourceType:      sourceType,
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
	if err := tx.Tickets().Create(ctx, t); err != nil {
		return nil, err
	}

	if sched.TaskKey != "" {
		task := &store.Task{
			TicketID:    t.TicketID,
			TaskKey:     sched.TaskKey,
			State:       store.TaskQueued,
			Payload:     sched.TaskPayload.Clone(),
			ResultData:  store.Bag{},
			MaxAttempts: policy.NormalizeMaxAttempts(sched.TaskMaxAttempts, s.settings.DefaultMaxAttempts),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if task.Payload == nil {
			task.Payload = store.Bag{}
		}
		if err := tx.Tasks().Create(ctx, task); err != nil {
			return nil, err
		}
		t.Stage = store.StageRunning
		t.UpdatedAt = now
		if err := tx.Tickets().Update(ctx, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}
