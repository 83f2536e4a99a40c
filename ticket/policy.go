// Package ticket implements the ticket lifecycle: creation, pause/resume,
// the approval gate, guarded stage transitions, the event inbox, and the
// derived-status policy that reconciles a ticket's outward state from its
// tasks.
package ticket

import (
	"context"
	"time"

	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
)

// StateUpdate is the resolved ticket lifecycle state after task processing.
type StateUpdate struct {
	Stage       string
	Status      store.TicketStatus
	CompletedAt *time.Time
}

// StatePolicy decides ticket state from the ticket and its task set.
type StatePolicy interface {
	Resolve(t *store.Ticket, tasks []*store.Task) StateUpdate
}

// DefaultStatePolicy is the task-driven policy: paused and approval gates
// first, then failure, completion, and activity, in that order.
type DefaultStatePolicy struct{}

// Resolve implements StatePolicy.
func (DefaultStatePolicy) Resolve(t *store.Ticket, tasks []*store.Task) StateUpdate {
	if t.Paused {
		return StateUpdate{Stage: t.Stage, Status: store.TicketPaused, CompletedAt: t.CompletedAt}
	}
	if t.ApprovalRequired && t.ApprovalStatus == store.ApprovalPending {
		return StateUpdate{Stage: store.StagePendingApproval, Status: store.TicketWaitingApproval}
	}
	if t.ApprovalRequired && t.ApprovalStatus == store.ApprovalRejected {
		return StateUpdate{Stage: store.StageReview, Status: store.TicketAttention}
	}
	if len(tasks) == 0 {
		return StateUpdate{Stage: store.StageQueued, Status: store.TicketActive}
	}

	allCompleted := true
	for _, task := range tasks {
		switch task.State {
		case store.TaskFailed, store.TaskDeadLetter:
			return StateUpdate{Stage: store.StageReview, Status: store.TicketAttention}
		case store.TaskCompleted:
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		now := policy.Now()
		return StateUpdate{Stage: store.StageFinished, Status: store.TicketCompleted, CompletedAt: &now}
	}
	return StateUpdate{Stage: store.StageRunning, Status: store.TicketActive}
}

// SyncState recomputes and persists a ticket's derived state from its
// current tasks. Callers run it inside the transaction that mutated the
// tasks.
func SyncState(ctx context.Context, tx store.Store, pol StatePolicy, t *store.Ticket) error {
	tasks, err := tx.Tasks().ListForTicket(ctx, t.TicketID)
	if err != nil {
		return err
	}
	resolved := pol.Resolve(t, tasks)
	t.Stage = resolved.Stage
	t.Status = resolved.Status
	t.CompletedAt = resolved.CompletedAt
	t.UpdatedAt = policy.Now()
	return tx.Tickets().Update(ctx, t)
}
