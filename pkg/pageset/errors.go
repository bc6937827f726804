package pageset

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by a Pagekeeper operation matches
// exactly one of these with errors.Is.
var (
	// ErrValidation is returned for empty, duplicate, out-of-range or
	// full-range selections and other malformed requests.
	ErrValidation = errors.New("invalid request")

	// ErrConflict is returned when a compare-and-swap finds a version other
	// than the one the caller expected.
	ErrConflict = errors.New("version conflict")

	// ErrNotFound is returned for unknown page sets, pages or artifacts.
	ErrNotFound = errors.New("not found")

	// ErrDependency is returned when the store or blob storage fails.
	ErrDependency = errors.New("dependency unavailable")

	// ErrPartialFailure is returned when a merge is aborted mid-fetch.
	ErrPartialFailure = errors.New("merge aborted")
)

// Error wraps a sentinel error with the operation that produced it.
type Error struct {
	Op  string // Operation that failed (e.g., "Split", "CompareAndSwap")
	Err error  // Underlying error
	Msg string // Additional context
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConflictError reports a failed compare-and-swap.
type ConflictError struct {
	ID       string
	Expected Version
	Found    Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on page set %s: expected version %d, found %d",
		e.ID, e.Expected, e.Found)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// PartialFailureError reports the page whose fetch aborted a merge.
type PartialFailureError struct {
	ID       string
	Version  Version
	Position int
	Err      error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("merge of page set %s at version %d aborted: page %d: %v",
		e.ID, e.Version, e.Position, e.Err)
}

// Is reports whether target is ErrPartialFailure.
func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// Validationf returns an ErrValidation error for op.
func Validationf(op, format string, args ...any) error {
	return &Error{Op: op, Err: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf returns an ErrNotFound error for op.
func NotFoundf(op, format string, args ...any) error {
	return &Error{Op: op, Err: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Dependency wraps err as an ErrDependency failure of op. Errors that already
// carry a Pagekeeper classification are returned unchanged.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return &Error{Op: op, Err: ErrDependency, Msg: err.Error()}
}

// IsClassified reports whether err already matches one of the sentinel errors.
func IsClassified(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDependency) ||
		errors.Is(err, ErrPartialFailure)
}

// IsPermanent reports whether retrying err cannot succeed without new input.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound)
}
