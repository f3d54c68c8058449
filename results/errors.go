/*
errors.go - Centralized error types for the results engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API maps them to HTTP status codes through the helpers at the bottom.

ERROR CATEGORIES:
  1. Source errors - External Source unavailable (never surfaced to readers)
  2. Validation errors - Rejected admin input, nothing was mutated
  3. Not-found errors - Unknown schedule item or category
  4. Persistence errors - A store write failed

SEE ALSO:
  - reconciler.go: absorbs source and store read failures
  - queue.go: produces validation errors
  - api/handlers.go: maps errors to status codes
*/
package results

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSourceUnavailable is returned by sources on network failure, timeout
	// or unparseable content. The Reconciler treats it as "no external data".
	ErrSourceUnavailable = errors.New("external source unavailable")

	// ErrValidation is the root of every rejected admin input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is the root of every missing-resource error.
	ErrNotFound = errors.New("not found")

	// ErrScheduleNotFound is returned when a schedule item id does not exist.
	ErrScheduleNotFound = fmt.Errorf("schedule item %w", ErrNotFound)

	// ErrCategoryNotFound is returned when a category key does not exist.
	ErrCategoryNotFound = fmt.Errorf("category %w", ErrNotFound)

	// ErrCategoryExists is returned when creating a category whose key is taken.
	ErrCategoryExists = errors.New("category already exists")

	// ErrPersistence is the root of every failed store write.
	ErrPersistence = errors.New("persistence failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// PersistenceError wraps a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the ErrPersistence sentinel and the cause.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// SourceError wraps a failed fetch with the request that caused it.
type SourceError struct {
	Kind string // month, live
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error indicates a duplicate resource.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCategoryExists)
}
