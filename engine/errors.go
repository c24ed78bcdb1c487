/*
errors.go - Error taxonomy for the redemption engine

ERROR CATEGORIES:
  1. Client errors     - ErrValidation, ErrInsufficientStock, ErrInsufficientPoints,
                         ErrInvalidState, ErrNotFound. Rejected, nothing mutated.
  2. Benign outcomes   - ErrAlreadyProcessed, ErrAlreadyFinalized. Idempotent repeats;
                         bulk reports do not count them as failures.
  3. Retryable errors  - ErrConcurrentModification. Retried once internally, then
                         surfaced so the caller can retry.
  4. Authorization     - ErrUnauthorized. Step-up password missing or wrong; returned
                         before any row is touched.

USAGE:
  if errors.Is(err, engine.ErrInsufficientStock) {
      var stockErr *engine.InsufficientStockError
      errors.As(err, &stockErr)
  }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInsufficientPoints     = errors.New("insufficient points")
	ErrAlreadyProcessed       = errors.New("item already processed")
	ErrAlreadyFinalized       = errors.New("already finalized")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrUnauthorized           = errors.New("step-up authorization failed")
	ErrNotFound               = errors.New("not found")
	ErrInvalidState           = errors.New("invalid state")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
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

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	ItemID    int64
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d: available %d, requested %d",
		e.ItemID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InsufficientPointsError provides details about a points shortage.
type InsufficientPointsError struct {
	Entity    EntityRef
	Balance   int64
	Requested int64 // the signed delta that was refused
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points for %s: balance %d, delta %d",
		e.Entity, e.Balance, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

func notFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidState)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBenign returns true for idempotent repeats that changed nothing.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrAlreadyFinalized)
}
