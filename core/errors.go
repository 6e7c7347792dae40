package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for the audit core. Callers branch on these with errors.As
// (typed errors) or errors.Is (sentinels); the API layer maps them to HTTP
// status codes.

// ValidationError reports malformed input: empty required field, invalid
// charset, period below minimum. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for a named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// PreconditionError reports a transition requested from the wrong state.
// The current state is surfaced so the operator sees why the command was
// rejected.
type PreconditionError struct {
	Entity  string
	ID      string
	State   string
	Request string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s %s is in state %q, cannot %s", e.Entity, e.ID, e.State, e.Request)
}

// NewPreconditionError creates a PreconditionError.
func NewPreconditionError(entity, id, state, request string) *PreconditionError {
	return &PreconditionError{Entity: entity, ID: id, State: state, Request: request}
}

// ProvisioningFailure reports an external pipeline or tool failure. Surfaced
// to the operator as an actionable error state with a retry command; never
// auto-retried indefinitely.
type ProvisioningFailure struct {
	Handle string
	Reason string
}

func (e *ProvisioningFailure) Error() string {
	return fmt.Sprintf("provisioning failed for handle %s: %s", e.Handle, e.Reason)
}

// NewProvisioningFailure creates a ProvisioningFailure.
func NewProvisioningFailure(handle, reason string) *ProvisioningFailure {
	return &ProvisioningFailure{Handle: handle, Reason: reason}
}

// ErrBusy signals a ConcurrencyConflict: a transition was attempted while
// another operation is in flight for the same entity. The caller may retry.
var ErrBusy = errors.New("another operation is in flight for this entity")

// IsBusy reports whether err is a busy rejection.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
