package store

import "errors"

// Common store errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")
	// ErrTicketNotFound is returned when a ticket id resolves to nothing.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTaskNotFound is returned when a task id resolves to nothing.
	ErrTaskNotFound = errors.New("task not found")
	// ErrScheduleNotFound is returned when a schedule resolves to nothing.
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrScheduleExists is returned when a schedule key is already taken.
	ErrScheduleExists = errors.New("schedule already exists")
)
