package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across services. Callers match with errors.Is; the
// services wrap these with fmt.Errorf("...: %w", ...) to add context.
var (
	// ErrInsufficientPrivilege rejects a command below the actor's reach.
	ErrInsufficientPrivilege = errors.New("insufficient privilege")

	// ErrRateLimitExceeded rejects a command over its window ceiling.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrObjectNotFound reports a missing registry object.
	ErrObjectNotFound = errors.New("object not found")

	// ErrNoBindingExists reports an unbind or lookup on an unbound group.
	ErrNoBindingExists = errors.New("no binding exists")

	// ErrLastSuperadminViolation rejects removal of the sole superadmin.
	ErrLastSuperadminViolation = errors.New("cannot remove the last superadmin")

	// ErrDuplicateEntity reports a uniqueness violation.
	ErrDuplicateEntity = errors.New("duplicate entity")

	// ErrMalformedInput reports structurally invalid command input.
	ErrMalformedInput = errors.New("malformed input")

	// ErrStorageUnavailable reports a failed store round-trip. Commands fail
	// closed once bounded retries are exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// StorageFailure wraps a store round-trip error so callers can match
// ErrStorageUnavailable while retaining the cause.
func StorageFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
