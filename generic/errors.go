/*
errors.go - Centralized error types for the retainer engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (or wrap them) so the API layer can map
  them to HTTP status codes without knowing the domain.

ERROR CATEGORIES:
  1. NotFound      - agreement, period, customer or invoice absent
  2. Conflict      - duplicate active agreement for a customer
  3. InvalidState  - business-rule violations (lifecycle, validation,
                     period not closeable, missing billing rate)
  4. Concurrency   - a concurrent writer got there first

USAGE:
  if errors.Is(err, generic.ErrInvalidState) {
      // client-correctable, surface message as-is
  }

  var nf *generic.NotFoundError
  if errors.As(err, &nf) {
      log.Printf("missing %s %s", nf.Resource, nf.ID)
  }

SEE ALSO:
  - retainer/agreement.go: lifecycle errors
  - retainer/close.go: close failures
  - api/handlers.go: HTTP status mapping
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write would break a uniqueness invariant
	// such as "one active agreement per customer".
	ErrConflict = errors.New("conflict")

	// ErrInvalidState is returned for business-rule violations.
	ErrInvalidState = errors.New("invalid state")

	// ErrConcurrentModification is returned when a conditional write finds
	// the row already changed by another transaction.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string // "retainer", "period", "customer", ...
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConflictError carries a client-facing message.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// InvalidStateError carries a client-facing message.
type InvalidStateError struct {
	Message string
}

func (e *InvalidStateError) Error() string {
	return e.Message
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// NotFound is shorthand for &NotFoundError{...}.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// InvalidState is shorthand for a formatted InvalidStateError.
func InvalidState(format string, args ...any) error {
	return &InvalidStateError{Message: fmt.Sprintf(format, args...)}
}

// Conflict is shorthand for a formatted ConflictError.
func Conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a uniqueness conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInvalidState returns true if the error is a business-rule violation.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsRetryable returns true if the error might succeed on retry.
// Nothing in the engine retries on its own; callers decide.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or
// a state the client can correct.
func IsClientError(err error) bool {
	return IsConflict(err) || IsInvalidState(err)
}
