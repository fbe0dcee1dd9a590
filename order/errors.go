/*
errors.go - Centralized error taxonomy for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The gateway maps these onto HTTP status codes; nothing in this
  subsystem recovers silently.

ERROR CATEGORIES:
  1. Validation errors  - Malformed proof, missing notes, bad amounts
  2. Transition errors  - Operation not permitted from current status
  3. Conflict           - Lost a compare-and-swap race to another actor
  4. Lookup errors      - Unknown order or owner
  5. Authorization      - Wrong actor for the operation
  6. External channel   - Reserved for a future real refund channel

PROPAGATION POLICY:
  Validation, transition, not-found, and authorization errors are
  terminal: report to the caller, no retry. Conflict means "someone
  else already decided this" - the caller must re-read, never retry
  blindly. Idempotent retries of an already-successful identical action
  return the original result, not an error (see engine.go).

USAGE:
  if errors.Is(err, order.ErrConflict) {
      // re-read current status
  }

SEE ALSO:
  - engine.go: Where these are returned
  - api/handlers.go: HTTP status mapping
*/
package order

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input: bad proof file,
	// missing required notes, out-of-range refund amount.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when an operation is attempted
	// from a status that does not permit it.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned to the loser of a concurrent
	// compare-and-swap race. Definitive: someone else already decided.
	ErrConflict = errors.New("order changed concurrently")

	// ErrNotFound is returned for an unknown order id.
	ErrNotFound = errors.New("order not found")

	// ErrAuthorization is returned when the actor may not perform the
	// operation (non-owner submitting proof, non-admin deciding).
	ErrAuthorization = errors.New("not authorized")

	// ErrPolicyViolation is returned when a purchase would silently
	// downgrade an active higher-tier entitlement.
	ErrPolicyViolation = errors.New("tier policy violation")

	// ErrExternalChannel is reserved for a real payment-channel
	// acknowledgement failure during refund settlement. Currently
	// unreachable; kept in the taxonomy for forward compatibility.
	ErrExternalChannel = errors.New("external channel failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError reports an operation attempted from the wrong status.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot transition %s -> %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports a lost compare-and-swap race with the status
// actually found.
type ConflictError struct {
	OrderID  string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s: expected status %s, found %s", e.OrderID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError reports which field failed and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid input or a
// disallowed operation, as opposed to infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPolicyViolation)
}

// IsConflict returns true if the caller lost a concurrent race and
// should re-read rather than retry.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing order.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
