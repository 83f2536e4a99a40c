package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
)

// NoopExecutor completes immediately. Useful for wiring tests and for
// tickets whose stages carry no work of their own.
type NoopExecutor struct{}

// Execute implements TaskExecutor.
func (e *NoopExecutor) Execute(_ context.Context, _ *store.Ticket, _ *store.Task) (Result, error) {
	return Result{Success: true, Message: "noop task completed", Output: store.Bag{}}, nil
}

// SleepExecutor sleeps for payload.seconds, polling its control handle so
// pause and cancel take effect mid-sleep.
type SleepExecutor struct{}

// Execute implements TaskExecutor for callers without a control handle.
func (e *SleepExecutor) Execute(ctx context.Context, ticket *store.Ticket, task *store.Task) (Result, error) {
	return e.ExecuteWithControl(ctx, ticket, task, nil)
}

// ExecuteWithControl implements ControlAware.
func (e *SleepExecutor) ExecuteWithControl(ctx context.Context, _ *store.Ticket, task *store.Task, control *Control) (Result, error) {
	seconds := bagInt(task.Payload, "seconds", 1)
	if seconds < 0 {
		seconds = 0
	}
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)

	for time.Now().Before(deadline) {
		if control != nil && control.ShouldStop(ctx) {
			// Park instead of failing; the next claim re-applies the gates.
			return Result{Defer: true, DeferSeconds: 1, Message: "sleep interrupted"}, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return Result{Success: true, Message: fmt.Sprintf("slept %ds", seconds), Output: store.Bag{"seconds": seconds}}, nil
}

// WaitForEventExecutor blocks a task on an externally published signal by
// polling the ticket's event inbox. Consumption is at-most-once: the first
// task to observe an unconsumed event under the store transaction marks it
// consumed.
type WaitForEventExecutor struct {
	Store    store.Store
	Settings Settings
}

// Execute implements TaskExecutor.
func (e *WaitForEventExecutor) Execute(ctx context.Context, ticket *store.Ticket, task *store.Task) (Result, error) {
	eventType := strings.TrimSpace(bagString(task.Payload, "event_type"))
	if eventType == "" {
		return Result{TerminalFailure: true, Message: "wait_for_event requires payload.event_type"}, nil
	}
	consume := bagBool(task.Payload, "consume", true)

	var found *store.TicketEvent
	err := e.Store.RunInTx(ctx, func(tx store.Store) error {
		row, err := tx.Events().OldestUnconsumed(ctx, ticket.TicketID, eventType)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if consume {
			now := policy.Now()
			row.ConsumedAt = &now
			row.ConsumedByTaskID = &task.ID
			if err := tx.Events().Update(ctx, row); err != nil {
				return err
			}
		}
		found = row
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("poll event inbox: %w", err)
	}

	if found != nil {
		return Result{
			Success: true,
			Message: fmt.Sprintf("received event %q", eventType),
			Output: store.Bag{
				"event_id":   found.ID,
				"event_type": found.EventType,
				"payload":    map[string]any(found.Payload),
				"created_at": found.CreatedAt.Format(time.RFC3339),
			},
		}, nil
	}

	if timeout, ok := bagIntOK(task.Payload, "timeout_seconds"); ok {
		if timeout < 1 {
			timeout = 1
		}
		timeoutAt := task.CreatedAt.Add(time.Duration(timeout) * time.Second)
		if !policy.Now().Before(timeoutAt) {
			return Result{
				TerminalFailure: true,
				Message:         fmt.Sprintf("timed out waiting for event %q", eventType),
				Output:          store.Bag{"event_type": eventType},
			}, nil
		}
	}

	deferSeconds := bagInt(task.Payload, "poll_interval_seconds", e.Settings.EventWaitPollIntervalSeconds)
	if deferSeconds < 1 {
		deferSeconds = 1
	}
	return Result{
		Defer:        true,
		DeferSeconds: deferSeconds,
		Message:      fmt.Sprintf("waiting for event %q", eventType),
		Output:       store.Bag{"event_type": eventType},
	}, nil
}

// PublishEventExecutor appends an event to a ticket's inbox, letting one
// ticket signal another's wait_for_event gate.
type PublishEventExecutor struct {
	Store store.Store
}

// Execute implements TaskExecutor.
func (e *PublishEventExecutor) Execute(ctx context.Context, ticket *store.Ticket, task *store.Task) (Result, error) {
	eventType := strings.TrimSpace(bagString(task.Payload, "event_type"))
	if eventType == "" {
		return Result{TerminalFailure: true, Message: "publish_event requires payload.event_type"}, nil
	}

	targetTicketID := strings.TrimSpace(bagString(task.Payload, "target_ticket_id"))
	if targetTicketID == "" {
		targetTicketID = ticket.TicketID
	}

	var payload store.Bag
	if m, ok := task.Payload["payload"].(map[string]any); ok {
		payload = store.Bag(m).Clone()
	} else {
		payload = store.Bag{}
	}

	event := &store.TicketEvent{
		TicketID:  targetTicketID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: policy.Now(),
	}
	err := e.Store.RunInTx(ctx, func(tx store.Store) error {
		if _, err := tx.Tickets().GetByTicketID(ctx, targetTicketID); err != nil {
			return err
		}
		return tx.Events().Append(ctx, event)
	})
	if errors.Is(err, store.ErrTicketNotFound) {
		return Result{TerminalFailure: true, Message: fmt.Sprintf("target ticket not found: %s", targetTicketID)}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("publish event: %w", err)
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("published event %q to %s", eventType, targetTicketID),
		Output:  store.Bag{"event_id": event.ID, "event_type": eventType, "ticket_id": targetTicketID},
	}, nil
}

// ---------------------------------------------------------------------------
// Payload helpers. JSON round-trips deliver numbers as float64, so the
// integer readers accept every numeric shape the store can hand back.
// ---------------------------------------------------------------------------

func bagString(b store.Bag, key string) string {
	if b == nil {
		return ""
	}
	if s, ok := b[key].(string); ok {
		return s
	}
	return ""
}

func bagBool(b store.Bag, key string, def bool) bool {
	if b == nil {
		return def
	}
	if v, ok := b[key].(bool); ok {
		return v
	}
	return def
}

func bagInt(b store.Bag, key string, def int) int {
	if v, ok := bagIntOK(b, key); ok {
		return v
	}
	return def
}

func bagIntOK(b store.Bag, key string) (int, bool) {
	if b == nil {
		return 0, false
	}
	switch v := b[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}
