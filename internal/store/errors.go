package store

import (
	"errors"
	"fmt"
)

// Common store errors used across both backend implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in
	// the store. This is the generic version of the entity-specific not
	// found errors below.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a
	// duplicate of a unique entity (e.g. a second task with the same
	// task_id).
	ErrDuplicate = errors.New("entity already exists")

	// ErrUnavailable is returned when the backend cannot be reached and
	// a reconnect attempt did not help. Callers treat this as a signal
	// to fall back (at creation time) or to report failure.
	ErrUnavailable = errors.New("store unavailable")

	// ErrUpdateFailed is returned when an update cannot be applied, for
	// example because the payload references no known field.
	ErrUpdateFailed = errors.New("update failed")

	// Entity-specific "not found" errors.

	// ErrTaskNotFound indicates that the requested task does not exist.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrSessionNotFound indicates that the requested session does not exist.
	ErrSessionNotFound = fmt.Errorf("%w: session", ErrNotFound)

	// Entity-specific "duplicate" errors.

	// ErrTaskExists indicates that a task with the given task_id already
	// exists. Creation must reject duplicates, never overwrite.
	ErrTaskExists = fmt.Errorf("%w: task_id", ErrDuplicate)

	// ErrSessionExists indicates that a session for the given task_id
	// already exists.
	ErrSessionExists = fmt.Errorf("%w: session task_id", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsUnavailableError checks if the error signals an unreachable backend.
func IsUnavailableError(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
