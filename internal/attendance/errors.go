package attendance

import (
	"errors"
	"fmt"
)

// Error classes. Callers match them with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Conflict refinements.
var (
	ErrSessionClosed     = fmt.Errorf("%w: session closed", ErrConflict)
	ErrSessionArchived   = fmt.Errorf("%w: session archived", ErrConflict)
	ErrDuplicatePending  = fmt.Errorf("%w: verification already pending", ErrConflict)
	ErrAlreadyDecided    = fmt.Errorf("%w: already decided", ErrConflict)
	ErrOverlappingWindow = fmt.Errorf("%w: overlapping active session", ErrConflict)
)

// errNoop aborts a compare-and-set without writing.
var errNoop = errors.New("no-op")

// ConflictError carries the untouched state back to the caller.
type ConflictError struct {
	Err    error
	Record *Record
}

func (e *ConflictError) Error() string { return e.Err.Error() }

func (e *ConflictError) Unwrap() error { return e.Err }

func conflict(err error, rec Record) error {
	rec = rec.Public()
	return &ConflictError{Err: err, Record: &rec}
}

func validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
