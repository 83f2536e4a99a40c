package worker

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
)

// leaseRenewer keeps one claim's lease alive from a goroutine while the
// executor runs. It uses its own store operations, never the worker's
// transactions, so a long executor cannot starve the renewal.
type leaseRenewer struct {
	stop chan struct{}
	done chan struct{}
}

// startLeaseRenewer spawns the renewal goroutine for a claimed task. The
// renewer ticks every max(2, lease/3) seconds, renews the lease while the
// task is still running under this worker's claim, and requests
// cancellation when it observes the ticket paused.
func (s *Service) startLeaseRenewer(workerID string, taskID int64, ticketID string) *leaseRenewer {
	r := &leaseRenewer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	interval := s.settings.leaseSeconds() / 3
	if interval < 2 {
		interval = 2
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(secondsDuration(interval))
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				s.renewLease(workerID, taskID, ticketID)
			}
		}
	}()
	return r
}

// Stop signals the renewer and waits for it, bounded so a wedged store
// round-trip cannot block finalize indefinitely.
func (r *leaseRenewer) Stop(wait time.Duration) {
	close(r.stop)
	select {
	case <-r.done:
	case <-time.After(wait):
	}
}

// renewLease performs one renewal tick. Errors are logged, not propagated;
// the next tick or the reaper picks up the slack.
func (s *Service) renewLease(workerID string, taskID int64, ticketID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		task, err := tx.Tasks().Get(ctx, taskID)
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if task.State != store.TaskRunning || task.ClaimedBy != workerID {
			return nil
		}

		now := policy.Now()
		tk, err := tx.Tickets().GetByTicketID(ctx, ticketID)
		if err == nil && tk.Paused && !task.CancelRequested {
			task.CancelRequested = true
			task.CancelRequestedAt = &now
		} else if err != nil && !errors.Is(err, store.ErrTicketNotFound) {
			return err
		}

		lease := policy.LeaseExpiresAt(now, s.settings.leaseSeconds())
		task.LeaseExpiresAt = &lease
		task.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, task); err != nil {
			return err
		}
		return tx.Heartbeats().Upsert(ctx, workerID, store.WorkerWorking, &taskID)
	})
	if err != nil {
		s.logger.Warn("Lease renewal failed", "task_id", taskID, "error", err)
	} else {
		s.metrics.LeaseRenewals.Inc()
	}
}
