// Package worker implements the task engine: claiming queued work under
// row locks, executing it through the executor registry with an in-process
// lease renewer, and finalizing outcomes through the retry/dead-letter
// policy. Workers are stateless; the store is the only synchronization
// point between them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/orchard/executor"
	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
	"github.com/c360studio/orchard/ticket"
)

// Settings are the configuration knobs the worker consumes.
type Settings struct {
	// WorkerID labels heartbeats and claims.
	WorkerID string
	// LeaseSeconds is the claim lease length. Enforced lower bound: 10.
	LeaseSeconds int
	// StaleTaskTimeoutSeconds is the staleness cut-off for running tasks
	// without a lease. Enforced lower bound: 30.
	StaleTaskTimeoutSeconds int
	// RetryBaseSeconds and RetryMaxSeconds bound the backoff when a task
	// does not carry its own.
	RetryBaseSeconds int
	RetryMaxSeconds  int
	// DefaultMaxAttempts is the retry ceiling for tasks that supply none.
	DefaultMaxAttempts int
	// DefaultPollSeconds is the deferral interval when an executor defers
	// without saying for how long.
	DefaultPollSeconds int
	// ScheduleBatchSize caps schedules fired per ProcessOnce.
	ScheduleBatchSize int
}

func (s Settings) leaseSeconds() int {
	if s.LeaseSeconds < 10 {
		return 10
	}
	return s.LeaseSeconds
}

func (s Settings) staleTimeoutSeconds() int {
	if s.StaleTaskTimeoutSeconds < 30 {
		return 30
	}
	return s.StaleTaskTimeoutSeconds
}

// ScheduleProcessor materializes due schedules. Implemented by
// schedule.Service; the indirection keeps the worker decoupled from
// schedule bookkeeping.
type ScheduleProcessor interface {
	ProcessDueSchedules(ctx context.Context, limit int) (int, error)
}

// RunResponse is the outcome of one ProcessOnce step.
type RunResponse struct {
	Processed bool
	TaskID    *int64
	Message   string
}

// Service is the worker engine.
type Service struct {
	store     store.Store
	registry  *executor.Registry
	policy    ticket.StatePolicy
	schedules ScheduleProcessor
	settings  Settings
	logger    *slog.Logger
	metrics   *Metrics
}

// NewService creates a worker service. schedules may be nil when schedule
// materialization runs elsewhere.
func NewService(st store.Store, registry *executor.Registry, schedules ScheduleProcessor, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		registry:  registry,
		policy:    ticket.DefaultStatePolicy{},
		schedules: schedules,
		settings:  settings,
		logger:    logger.With("component", "worker", "worker_id", settings.WorkerID),
		metrics:   newMetrics(),
	}
}

// Metrics exposes the worker's Prometheus collectors.
func (s *Service) Metrics() *Metrics { return s.metrics }

// ProcessOnce performs one engine step: materialize due schedules, reap
// stale leases, finalize requested cancellations, then claim and execute
// at most one task.
func (s *Service) ProcessOnce(ctx context.Context, workerID string) (RunResponse, error) {
	if workerID == "" {
		workerID = s.settings.WorkerID
	}
	defer func() { s.metrics.LastActivity.SetToCurrentTime() }()

	if s.schedules != nil {
		fired, err := s.schedules.ProcessDueSchedules(ctx, s.settings.ScheduleBatchSize)
		if err != nil {
			s.logger.Warn("Schedule materialization failed", "error", err)
		} else if fired > 0 {
			s.metrics.SchedulesFired.Add(float64(fired))
			s.logger.Info("Materialized due schedules", "count", fired)
		}
	}

	if err := s.reapStaleTasks(ctx); err != nil {
		s.logger.Warn("Stale task reaping failed", "error", err)
	}

	claim, cancelled, err := s.claimNextTask(ctx, workerID)
	if err != nil {
		return RunResponse{}, err
	}
	if claim == nil {
		if err := s.heartbeatIdle(ctx, workerID); err != nil {
			s.logger.Warn("Heartbeat update failed", "error", err)
		}
		if cancelled > 0 {
			// markCancelled already counted each task.
			return RunResponse{Processed: true, Message: fmt.Sprintf("cancelled %d task(s)", cancelled)}, nil
		}
		return RunResponse{Message: "no queued task"}, nil
	}

	return s.executeClaim(ctx, workerID, claim.ID)
}

// claimResult carries the claimed task out of the claim transaction.
type claimResult struct {
	ID int64
}

// claimNextTask finalizes requested cancellations and claims the next
// eligible task in one short transaction. It returns the claim (nil when
// nothing was claimable) and how many tasks were cancelled.
func (s *Service) claimNextTask(ctx context.Context, workerID string) (*claimResult, int, error) {
	var claim *claimResult
	cancelled := 0

	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		n, err := s.finalizeCancellations(ctx, tx)
		if err != nil {
			return err
		}
		cancelled = n

		now := policy.Now()
		candidates, err := tx.Tasks().ListClaimable(ctx, now)
		if err != nil {
			return err
		}

		for _, task := range candidates {
			tk, err := tx.Tickets().GetByTicketID(ctx, task.TicketID)
			if errors.Is(err, store.ErrTicketNotFound) {
				if err := s.failTerminally(ctx, tx, task, fmt.Sprintf("missing ticket: %s", task.TicketID)); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if tk.Paused {
				if err := s.parkTask(ctx, tx, task, store.TaskPaused, "ticket paused before execution"); err != nil {
					return err
				}
				continue
			}
			if tk.ApprovalRequired && tk.ApprovalStatus == store.ApprovalPending {
				if err := s.parkTask(ctx, tx, task, store.TaskBlocked, "ticket approval pending"); err != nil {
					return err
				}
				continue
			}

			ok, err := s.dependenciesSatisfied(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			// Claim it.
			task.State = store.TaskRunning
			task.AttemptCount++
			task.StartedAt = &now
			task.NextRunAt = nil
			task.ClaimedBy = workerID
			task.ClaimedAt = &now
			lease := policy.LeaseExpiresAt(now, s.settings.leaseSeconds())
			task.LeaseExpiresAt = &lease
			var maxAttempts *int
			if task.MaxAttempts > 0 {
				maxAttempts = &task.MaxAttempts
			}
			task.MaxAttempts = policy.NormalizeMaxAttempts(maxAttempts, s.settings.DefaultMaxAttempts)
			task.UpdatedAt = now
			if err := tx.Tasks().Update(ctx, task); err != nil {
				return err
			}
			taskID := task.ID
			if err := tx.Heartbeats().Upsert(ctx, workerID, store.WorkerWorking, &taskID); err != nil {
				return err
			}
			claim = &claimResult{ID: task.ID}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("claim transaction: %w", err)
	}
	return claim, cancelled, nil
}

// finalizeCancellations marks parked tasks with a pending cancel request
// as cancelled and syncs their tickets.
func (s *Service) finalizeCancellations(ctx context.Context, tx store.Store) (int, error) {
	tasks, err := tx.Tasks().ListCancelRequested(ctx)
	if err != nil {
		return 0, err
	}
	affected := make(map[string]bool)
	for _, task := range tasks {
		if err := s.markCancelled(ctx, tx, task); err != nil {
			return 0, err
		}
		affected[task.TicketID] = true
	}
	for ticketID := range affected {
		tk, err := tx.Tickets().GetByTicketID(ctx, ticketID)
		if errors.Is(err, store.ErrTicketNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if err := ticket.SyncState(ctx, tx, s.policy, tk); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

// dependenciesSatisfied reports whether every predecessor of the task has
// completed.
func (s *Service) dependenciesSatisfied(ctx context.Context, tx store.Store, taskID int64) (bool, error) {
	deps, err := tx.Dependencies().ListForTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		depTask, err := tx.Tasks().Get(ctx, dep.DependsOnTaskID)
		if errors.Is(err, store.ErrTaskNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if depTask.State != store.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) heartbeatIdle(ctx context.Context, workerID string) error {
	return s.store.Heartbeats().Upsert(ctx, workerID, store.WorkerIdle, nil)
}
