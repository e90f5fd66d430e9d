package roster

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is; every typed error below unwraps to one of them.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrPersistence = errors.New("persistence failed")
	ErrTransport   = errors.New("transport failed")
	ErrInternal    = errors.New("internal error")
)

// ValidationError rejects malformed input (bad capacity, malformed id, etc.).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError is returned for unknown events.
type NotFoundError struct {
	EventID int64
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("event %d not found", e.EventID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AuthorizationError is returned when an actor may not perform a privileged operation.
type AuthorizationError struct {
	ActorID int64
	Action  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %d may not %s", e.ActorID, e.Action)
}

func (e *AuthorizationError) Unwrap() error { return ErrForbidden }

// PersistenceError wraps a failed store operation. The mutation it guarded is not committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }

// Unwrap exposes both the sentinel and the cause.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// TransportError wraps a failed announcement or notification call. It is only ever logged.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// InternalError reports a broken roster invariant. Nothing was committed.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string { return "internal " + e.Op + ": " + e.Err.Error() }

func (e *InternalError) Unwrap() []error { return []error{ErrInternal, e.Err} }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
