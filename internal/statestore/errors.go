package statestore

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable reports that the backing database could not be reached
	// or a statement failed for infrastructure reasons. Callers treat it as
	// retryable.
	ErrUnavailable = errors.New("state store unavailable")
	// ErrNotFound reports a missing or expired key.
	ErrNotFound = errors.New("key not found")
	// ErrConflict reports a compare-and-swap or compare-and-delete whose
	// expected value did not match the stored one.
	ErrConflict = errors.New("value conflict")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
