package executor

import (
	"context"
	"errors"

	"github.com/c360studio/orchard/store"
)

// ControlSnapshot is one observation of the gates a running task must
// respect.
type ControlSnapshot struct {
	TaskExists      bool
	TaskState       store.TaskState
	CancelRequested bool
	TicketExists    bool
	TicketPaused    bool
	ApprovalPending bool
}

// ShouldStop reports whether the executor should wind down: the task or
// ticket vanished, cancellation was requested, the ticket paused, or an
// approval gate closed.
func (s ControlSnapshot) ShouldStop() bool {
	if !s.TaskExists || !s.TicketExists {
		return true
	}
	return s.CancelRequested || s.TicketPaused || s.ApprovalPending
}

// Control lets executor loops cooperatively stop for pause, cancel, and
// approval gates. Snapshot reads fresh rows outside the worker's
// transactions; it is side-effect-free and cheap enough to call in a loop.
type Control struct {
	store    store.Store
	taskID   int64
	ticketID string
}

// NewControl creates a control handle for one in-flight task.
func NewControl(st store.Store, taskID int64, ticketID string) *Control {
	return &Control{store: st, taskID: taskID, ticketID: ticketID}
}

// Snapshot reads the current gate state.
func (c *Control) Snapshot(ctx context.Context) ControlSnapshot {
	var snap ControlSnapshot

	task, err := c.store.Tasks().Get(ctx, c.taskID)
	if err == nil {
		snap.TaskExists = true
		snap.TaskState = task.State
		snap.CancelRequested = task.CancelRequested
	} else if !errors.Is(err, store.ErrTaskNotFound) {
		// A transient read failure is not a stop signal.
		snap.TaskExists = true
	}

	ticket, err := c.store.Tickets().GetByTicketID(ctx, c.ticketID)
	if err == nil {
		snap.TicketExists = true
		snap.TicketPaused = ticket.Paused
		snap.ApprovalPending = ticket.ApprovalRequired && ticket.ApprovalStatus == store.ApprovalPending
	} else if !errors.Is(err, store.ErrTicketNotFound) {
		snap.TicketExists = true
	}

	return snap
}

// ShouldStop is the one-call form of Snapshot().ShouldStop().
func (c *Control) ShouldStop(ctx context.Context) bool {
	return c.Snapshot(ctx).ShouldStop()
}
