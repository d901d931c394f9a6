/*
errors.go - Error types for the movement ledger

ERROR CATEGORIES:
  1. Validation errors - Bad candidate (non-positive quantity, unknown product,
     missing unit cost). Returned to the caller of Ingest.
  2. Idempotency - A duplicate idempotency key. Stores return
     ErrDuplicateIdempotencyKey; the ledger turns it into a "skipped" result,
     so callers of Ingest never see it as an error.
  3. Store errors - Database-level failures, wrapped with %w.

USAGE:
  _, err := ledger.Ingest(ctx, candidate)
  var verr *inventory.ValidationError
  if errors.As(err, &verr) {
      // 400 to the caller, verr.Field says which input was wrong
  }
*/
package inventory

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateIdempotencyKey is returned by stores when a movement with the
	// same (tenant, idempotency key) already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrMovementNotFound is returned when a referenced movement doesn't exist.
	ErrMovementNotFound = errors.New("movement not found")

	// ErrUnknownProduct is returned when the product catalog doesn't know the product.
	ErrUnknownProduct = errors.New("unknown product")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes a rejected movement candidate.
type ValidationError struct {
	Field   string
	Message string
	cause   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrValidation, e.cause}
	}
	return []error{ErrValidation}
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation returns true if err is a candidate validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing movement.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMovementNotFound)
}
