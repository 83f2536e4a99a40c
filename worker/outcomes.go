package worker

import (
	"context"
	"fmt"

	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
)

// The outcome helpers below mutate a task inside the caller's transaction
// and append the matching task log row. Ticket state sync is the caller's
// job; a single sync after a batch of mutations avoids redundant writes.

// parkTask moves a claimable task back out of contention without burning
// an attempt. The claim fields are cleared so a later claim starts clean.
func (s *Service) parkTask(ctx context.Context, tx store.Store, task *store.Task, state store.TaskState, reason string) error {
	task.State = state
	task.NextRunAt = nil
	task.ClaimedBy = ""
	task.ClaimedAt = nil
	task.LeaseExpiresAt = nil
	task.UpdatedAt = policy.Now()
	if err := tx.Tasks().Update(ctx, task); err != nil {
		return err
	}
	s.logger.Info("Parked task", "task_id", task.ID, "state", state, "reason", reason)
	return s.appendLog(ctx, tx, task.ID, store.LogInfo, reason, nil, nil)
}

// markCancelled finalizes a task whose cancellation was requested.
func (s *Service) markCancelled(ctx context.Context, tx store.Store, task *store.Task) error {
	now := policy.Now()
	task.State = store.TaskCancelled
	task.CompletedAt = &now
	task.NextRunAt = nil
	task.ClaimedBy = ""
	task.ClaimedAt = nil
	task.LeaseExpiresAt = nil
	task.UpdatedAt = now
	if err := tx.Tasks().Update(ctx, task); err != nil {
		return err
	}
	s.metrics.TasksCancelled.Inc()
	s.logger.Warn("Task cancelled", "task_id", task.ID, "ticket_id", task.TicketID)
	failed := false
	return s.appendLog(ctx, tx, task.ID, store.LogWarning, "task cancelled", nil, &failed)
}

// failTerminally moves a task to failed with no retry.
func (s *Service) failTerminally(ctx context.Context, tx store.Store, task *store.Task, message string) error {
	now := policy.Now()
	task.State = store.TaskFailed
	task.ErrorMessage = message
	task.CompletedAt = &now
	task.NextRunAt = nil
	task.ClaimedBy = ""
	task.ClaimedAt = nil
	task.LeaseExpiresAt = nil
	task.UpdatedAt = now
	if err := tx.Tasks().Update(ctx, task); err != nil {
		return err
	}
	s.metrics.TasksFailed.Inc()
	s.logger.Error("Task failed terminally", "task_id", task.ID, "ticket_id", task.TicketID, "error", message)
	failed := false
	return s.appendLog(ctx, tx, task.ID, store.LogError, message, nil, &failed)
}

// retryOrDeadLetter routes a failed attempt: back to retrying with
// exponential backoff while the attempt budget holds, dead_letter once it
// is exhausted. The task's attempt_count must already reflect the failed
// attempt.
func (s *Service) retryOrDeadLetter(ctx context.Context, tx store.Store, task *store.Task, message string) error {
	now := policy.Now()
	task.ErrorMessage = message
	task.ClaimedBy = ""
	task.ClaimedAt = nil
	task.LeaseExpiresAt = nil
	task.UpdatedAt = now

	maxAttempts := policy.NormalizeMaxAttempts(optInt(task.MaxAttempts), s.settings.DefaultMaxAttempts)
	if policy.ShouldDeadLetter(task.AttemptCount, maxAttempts) {
		task.State = store.TaskDeadLetter
		task.CompletedAt = &now
		task.NextRunAt = nil
		if err := tx.Tasks().Update(ctx, task); err != nil {
			return err
		}
		s.metrics.TasksDeadLettered.Inc()
		msg := fmt.Sprintf("dead-lettered after %d attempts", task.AttemptCount)
		s.logger.Error("Task dead-lettered", "task_id", task.ID, "ticket_id", task.TicketID, "attempts", task.AttemptCount, "error", message)
		failed := false
		return s.appendLog(ctx, tx, task.ID, store.LogError, msg, store.Bag{"error": message}, &failed)
	}

	base := task.RetryBaseSeconds
	if base == nil || *base < 1 {
		base = optInt(s.settings.RetryBaseSeconds)
	}
	maxDelay := task.RetryMaxSeconds
	if maxDelay == nil || *maxDelay < 1 {
		maxDelay = optInt(s.settings.RetryMaxSeconds)
	}
	baseSeconds := 1
	if base != nil {
		baseSeconds = *base
	}
	maxSeconds := baseSeconds
	if maxDelay != nil && *maxDelay > maxSeconds {
		maxSeconds = *maxDelay
	}

	delay := policy.ComputeRetryDelaySeconds(task.AttemptCount, baseSeconds, maxSeconds)
	next := now.Add(secondsDuration(delay))
	task.State = store.TaskRetrying
	task.NextRunAt = &next
	task.CompletedAt = nil
	if err := tx.Tasks().Update(ctx, task); err != nil {
		return err
	}
	s.metrics.TasksRetried.Inc()
	msg := fmt.Sprintf("task failed, retrying in %ds", delay)
	s.logger.Warn("Task scheduled for retry", "task_id", task.ID, "attempt", task.AttemptCount, "delay_seconds", delay, "error", message)
	failed := false
	return s.appendLog(ctx, tx, task.ID, store.LogWarning, msg, store.Bag{"error": message, "delay_seconds": delay}, &failed)
}

func (s *Service) appendLog(ctx context.Context, tx store.Store, taskID int64, logType store.LogType, message string, details store.Bag, success *bool) error {
	return tx.Logs().Append(ctx, &store.TaskLog{
		TaskID:    taskID,
		LogType:   logType,
		Message:   message,
		Details:   details,
		Success:   success,
		CreatedAt: policy.Now(),
	})
}

func optInt(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}
