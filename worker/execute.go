package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/orchard/executor"
	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
	"github.com/c360studio/orchard/ticket"
)

func secondsDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// executeClaim runs a freshly claimed task through the pre-execution
// gates, the executor, and the finalize transaction.
func (s *Service) executeClaim(ctx context.Context, workerID string, taskID int64) (RunResponse, error) {
	task, tk, gated, resp, err := s.applyPreExecutionGates(ctx, taskID)
	if err != nil {
		return RunResponse{}, err
	}
	if gated {
		if hbErr := s.heartbeatIdle(ctx, workerID); hbErr != nil {
			s.logger.Warn("Heartbeat update failed", "error", hbErr)
		}
		return resp, nil
	}

	result, execErr := s.runExecutor(ctx, workerID, tk, task)

	if err := s.finalize(ctx, taskID, result, execErr); err != nil {
		return RunResponse{}, err
	}
	if hbErr := s.heartbeatIdle(ctx, workerID); hbErr != nil {
		s.logger.Warn("Heartbeat update failed", "error", hbErr)
	}

	id := taskID
	return RunResponse{Processed: true, TaskID: &id, Message: fmt.Sprintf("processed task %d", taskID)}, nil
}

// applyPreExecutionGates reloads the task and ticket after the claim and
// applies the gates that may have closed in between. gated=true means the
// task was parked, cancelled, or failed and execution must not proceed.
func (s *Service) applyPreExecutionGates(ctx context.Context, taskID int64) (*store.Task, *store.Ticket, bool, RunResponse, error) {
	var (
		task  *store.Task
		tk    *store.Ticket
		gated bool
		resp  RunResponse
	)
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		var err error
		task, err = tx.Tasks().Get(ctx, taskID)
		if errors.Is(err, store.ErrTaskNotFound) {
			gated = true
			resp = RunResponse{Message: fmt.Sprintf("task %d vanished after claim", taskID)}
			return nil
		}
		if err != nil {
			return err
		}

		tk, err = tx.Tickets().GetByTicketID(ctx, task.TicketID)
		if errors.Is(err, store.ErrTicketNotFound) {
			gated = true
			if err := s.failTerminally(ctx, tx, task, fmt.Sprintf("missing ticket: %s", task.TicketID)); err != nil {
				return err
			}
			id := taskID
			resp = RunResponse{Processed: true, TaskID: &id, Message: "ticket missing, task failed"}
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case task.CancelRequested:
			gated = true
			if err := s.markCancelled(ctx, tx, task); err != nil {
				return err
			}
			resp = RunResponse{Processed: true, TaskID: &task.ID, Message: "task cancelled"}
		case tk.Paused:
			gated = true
			if err := s.parkTask(ctx, tx, task, store.TaskPaused, "ticket paused before execution"); err != nil {
				return err
			}
			resp = RunResponse{Processed: true, TaskID: &task.ID, Message: "ticket paused, task parked"}
		case tk.ApprovalRequired && tk.ApprovalStatus == store.ApprovalPending:
			gated = true
			if err := s.parkTask(ctx, tx, task, store.TaskBlocked, "ticket approval pending"); err != nil {
				return err
			}
			resp = RunResponse{Processed: true, TaskID: &task.ID, Message: "approval pending, task blocked"}
		case s.registry.Get(task.TaskKey) == nil:
			gated = true
			if err := s.failTerminally(ctx, tx, task, fmt.Sprintf("unknown task_key: %s", task.TaskKey)); err != nil {
				return err
			}
			resp = RunResponse{Processed: true, TaskID: &task.ID, Message: "unknown task_key, task failed"}
		}
		if gated && tk != nil {
			return ticket.SyncState(ctx, tx, s.policy, tk)
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, RunResponse{}, fmt.Errorf("pre-execution gates: %w", err)
	}
	return task, tk, gated, resp, nil
}

// runExecutor invokes the executor under the lease renewer, converting
// panics into ordinary execution errors so one misbehaving executor cannot
// take the worker down.
func (s *Service) runExecutor(ctx context.Context, workerID string, tk *store.Ticket, task *store.Task) (result executor.Result, execErr error) {
	exec := s.registry.Get(task.TaskKey)

	renewer := s.startLeaseRenewer(workerID, task.ID, tk.TicketID)
	defer renewer.Stop(2 * time.Second)

	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("executor panicked: %v", r)
		}
	}()

	start := time.Now()
	if controlled, ok := exec.(executor.ControlAware); ok {
		control := executor.NewControl(s.store, task.ID, tk.TicketID)
		result, execErr = controlled.ExecuteWithControl(ctx, tk, task, control)
	} else {
		result, execErr = exec.Execute(ctx, tk, task)
	}
	s.metrics.ExecutionSeconds.WithLabelValues(task.TaskKey).Observe(time.Since(start).Seconds())
	return result, execErr
}

// finalize applies exactly one outcome to the executed task in a fresh
// transaction, then syncs the ticket. Cancellation observed here trumps
// whatever the executor returned.
func (s *Service) finalize(ctx context.Context, taskID int64, result executor.Result, execErr error) error {
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		task, err := tx.Tasks().Get(ctx, taskID)
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := policy.Now()
		switch {
		case execErr != nil:
			if err := s.retryOrDeadLetter(ctx, tx, task, fmt.Sprintf("execution raised: %v", execErr)); err != nil {
				return err
			}
		case task.CancelRequested:
			if err := s.markCancelled(ctx, tx, task); err != nil {
				return err
			}
		case result.Defer:
			task.State = store.TaskRetrying
			if task.AttemptCount > 0 {
				task.AttemptCount--
			}
			deferSeconds := result.DeferSeconds
			if deferSeconds < 1 {
				deferSeconds = s.settings.DefaultPollSeconds
			}
			if deferSeconds < 1 {
				deferSeconds = 1
			}
			next := now.Add(secondsDuration(deferSeconds))
			task.NextRunAt = &next
			task.ClaimedBy = ""
			task.ClaimedAt = nil
			task.LeaseExpiresAt = nil
			task.UpdatedAt = now
			if err := tx.Tasks().Update(ctx, task); err != nil {
				return err
			}
			s.metrics.TasksDeferred.Inc()
			s.logger.Info("Task deferred", "task_id", task.ID, "defer_seconds", deferSeconds, "message", result.Message)
			if err := s.appendLog(ctx, tx, task.ID, store.LogInfo, result.Message, store.Bag{"defer_seconds": deferSeconds}, nil); err != nil {
				return err
			}
		case result.Success:
			task.State = store.TaskCompleted
			task.ResultData = result.Output
			task.ErrorMessage = ""
			task.CompletedAt = &now
			task.NextRunAt = nil
			task.ClaimedBy = ""
			task.ClaimedAt = nil
			task.LeaseExpiresAt = nil
			task.UpdatedAt = now
			if err := tx.Tasks().Update(ctx, task); err != nil {
				return err
			}
			s.metrics.TasksCompleted.Inc()
			s.logger.Info("Task completed", "task_id", task.ID, "ticket_id", task.TicketID, "message", result.Message)
			succeeded := true
			if err := s.appendLog(ctx, tx, task.ID, store.LogInfo, result.Message, result.Output, &succeeded); err != nil {
				return err
			}
		case result.TerminalFailure:
			if err := s.failTerminally(ctx, tx, task, result.Message); err != nil {
				return err
			}
		default:
			if err := s.retryOrDeadLetter(ctx, tx, task, result.Message); err != nil {
				return err
			}
		}

		tk, err := tx.Tickets().GetByTicketID(ctx, task.TicketID)
		if errors.Is(err, store.ErrTicketNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return ticket.SyncState(ctx, tx, s.policy, tk)
	})
	if err != nil {
		return fmt.Errorf("finalize task %d: %w", taskID, err)
	}
	return nil
}
