package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
	"github.com/c360studio/orchard/ticket"
)

// reapStaleTasks sweeps running tasks whose worker is presumed dead or
// whose wall-clock timeout elapsed. Runs in its own short transaction so a
// reaper stall never holds up the claim path.
func (s *Service) reapStaleTasks(ctx context.Context) error {
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		running, err := tx.Tasks().ListRunning(ctx)
		if err != nil {
			return err
		}

		now := policy.Now()
		affected := make(map[string]bool)
		for _, task := range running {
			switch {
			case timedOut(task, now):
				task.AttemptCount++
				msg := fmt.Sprintf("task timed out after %ds", *task.TimeoutSeconds)
				if err := s.retryOrDeadLetter(ctx, tx, task, msg); err != nil {
					return err
				}
				s.metrics.TasksReaped.Inc()
				affected[task.TicketID] = true
			case policy.IsStaleRunningTask(now, task.LeaseExpiresAt, task.StartedAt, s.settings.staleTimeoutSeconds()):
				if task.CancelRequested {
					if err := s.markCancelled(ctx, tx, task); err != nil {
						return err
					}
				} else {
					task.AttemptCount++
					if err := s.retryOrDeadLetter(ctx, tx, task, "task lease expired while running"); err != nil {
						return err
					}
				}
				s.metrics.TasksReaped.Inc()
				affected[task.TicketID] = true
			}
		}

		for ticketID := range affected {
			tk, err := tx.Tickets().GetByTicketID(ctx, ticketID)
			if errors.Is(err, store.ErrTicketNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := ticket.SyncState(ctx, tx, s.policy, tk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reap stale tasks: %w", err)
	}
	return nil
}

// timedOut reports whether the task's own wall-clock timeout has elapsed.
func timedOut(task *store.Task, now time.Time) bool {
	if task.TimeoutSeconds == nil || *task.TimeoutSeconds < 1 || task.StartedAt == nil {
		return false
	}
	deadline := task.StartedAt.Add(secondsDuration(*task.TimeoutSeconds))
	return !deadline.After(now)
}
