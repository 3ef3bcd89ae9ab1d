/*
errors.go - Error kinds returned by the engine

PURPOSE:
  Every failure the engine reports to a caller is one of a small set of
  kinds. Callers match on the sentinels with errors.Is; the structured
  types carry the numbers an operator needs to act on the failure.

KINDS:
  LotNotEligible, InsufficientQuantity, OverReservation and
  ConcurrentModification describe state that changed under the caller.
  ValidationError and MassBalanceViolation describe a request that can
  never succeed as written. NotFound and Duplicate are lookup failures.

  The offline queue uses IsConflict / IsRejection to decide between the
  conflict and rejected outcomes.

SEE ALSO:
  - offline.go: Outcome classification
  - api/handlers.go: HTTP status mapping
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrLotNotEligible is returned when a lot's state forbids the action.
	ErrLotNotEligible = errors.New("lot not eligible")

	// ErrInsufficientQuantity is returned when a consuming movement would
	// take more than the lot has available.
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrOverReservation is returned when a reservation exceeds sellable quantity.
	ErrOverReservation = errors.New("over reservation")

	// ErrMassBalanceViolation is returned when inputs do not equal outputs plus losses.
	ErrMassBalanceViolation = errors.New("mass balance violation")

	// ErrConcurrentModification is returned when a lot changed between read and commit.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("duplicate key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// LotNotEligibleError names the lot and why its state blocks the action.
type LotNotEligibleError struct {
	LotID  string
	State  LotState
	Action string
	Reason string
}

func (e *LotNotEligibleError) Error() string {
	msg := fmt.Sprintf("lot %s (%s) not eligible for %s", e.LotID, e.State, e.Action)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *LotNotEligibleError) Unwrap() error { return ErrLotNotEligible }

// InsufficientQuantityError provides details about a quantity shortage.
type InsufficientQuantityError struct {
	LotID     string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity on lot %s: available %s kg, requested %s kg",
		e.LotID, e.Available.StringFixed(3), e.Requested.StringFixed(3))
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

// OverReservationError reports a reservation larger than the sellable quantity.
type OverReservationError struct {
	LotID     string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	Requested decimal.Decimal
}

func (e *OverReservationError) Error() string {
	return fmt.Sprintf("over reservation on lot %s: available %s kg, reserved %s kg, requested %s kg",
		e.LotID, e.Available.StringFixed(3), e.Reserved.StringFixed(3), e.Requested.StringFixed(3))
}

func (e *OverReservationError) Unwrap() error { return ErrOverReservation }

// MassBalanceError reports a production event whose sides don't balance.
type MassBalanceError struct {
	Inputs  decimal.Decimal
	Outputs decimal.Decimal
	Losses  decimal.Decimal
}

func (e *MassBalanceError) Error() string {
	return fmt.Sprintf("mass balance violation: inputs %s kg != outputs %s kg + losses %s kg",
		e.Inputs.StringFixed(3), e.Outputs.StringFixed(3), e.Losses.StringFixed(3))
}

func (e *MassBalanceError) Unwrap() error { return ErrMassBalanceViolation }

// ValidationError describes a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func notEligible(lot Lot, action, reason string) error {
	return &LotNotEligibleError{LotID: lot.ID, State: lot.State, Action: action, Reason: reason}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Kind returns the error kind name for err, or "" for unclassified errors.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLotNotEligible):
		return "LotNotEligible"
	case errors.Is(err, ErrInsufficientQuantity):
		return "InsufficientQuantity"
	case errors.Is(err, ErrOverReservation):
		return "OverReservation"
	case errors.Is(err, ErrMassBalanceViolation):
		return "MassBalanceViolation"
	case errors.Is(err, ErrConcurrentModification):
		return "ConcurrentModification"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrDuplicate):
		return "Duplicate"
	}
	return ""
}

// IsConflict reports whether err stems from state that changed since the
// request was formed. A human may retry after review.
func IsConflict(err error) bool {
	return errors.Is(err, ErrLotNotEligible) ||
		errors.Is(err, ErrInsufficientQuantity) ||
		errors.Is(err, ErrOverReservation) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrNotFound)
}

// IsRejection reports whether err is a stable failure of the request itself.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMassBalanceViolation) ||
		errors.Is(err, ErrDuplicate)
}
