// Package executor defines the contract between the worker and the code
// that carries out tasks, the registry that dispatches task keys to
// executors, and the built-in executors every deployment gets.
package executor

import (
	"context"

	"github.com/c360studio/orchard/store"
)

// Result is the normalized outcome of one execution attempt.
type Result struct {
	// Success marks the task completed; Output becomes its result data.
	Success bool
	// Message is logged with the outcome.
	Message string
	// Output is merged into the task's result data on success.
	Output store.Bag
	// Defer asks to be re-scheduled without burning an attempt.
	Defer bool
	// DeferSeconds overrides the configured poll interval for a deferral.
	DeferSeconds int
	// TerminalFailure marks a failure that must not retry.
	TerminalFailure bool
}

// TaskExecutor carries out tasks of one task key. Execution runs outside
// any store transaction; a returned error is treated as a transient
// failure and routed through the retry path.
type TaskExecutor interface {
	Execute(ctx context.Context, ticket *store.Ticket, task *store.Task) (Result, error)
}

// ControlAware executors receive a Control handle so long-running loops can
// cooperatively stop on pause, cancel, or approval gates.
type ControlAware interface {
	ExecuteWithControl(ctx context.Context, ticket *store.Ticket, task *store.Task, control *Control) (Result, error)
}
