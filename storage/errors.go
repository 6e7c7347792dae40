package storage

import "errors"

var (
	// ErrStrategyNotFound is returned when a strategy is not found.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrSolutionNotFound is returned when a solution is not found.
	ErrSolutionNotFound = errors.New("solution not found")

	// ErrTicketNotFound is returned when a risk ticket is not found.
	ErrTicketNotFound = errors.New("risk ticket not found")

	// ErrStaleWrite is returned when an update lost an optimistic
	// concurrency check: the row changed since it was read.
	ErrStaleWrite = errors.New("row was modified by another writer")
)
