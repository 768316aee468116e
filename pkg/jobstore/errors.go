package jobstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for job store operations.
var (
	// ErrNotFound indicates no job exists with the requested id.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidJob indicates a record that violates job invariants.
	ErrInvalidJob = errors.New("invalid job")

	// ErrClosed indicates the store was used after Close.
	ErrClosed = errors.New("store is closed")
)

// StoreError wraps an I/O failure in a store backend.
type StoreError struct {
	// Op is the store operation (e.g., "insert", "list_by_status").
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("jobstore: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalid reports whether err indicates an invariant violation.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidJob)
}

func wrapInvalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidJob}, args...)...)
}
