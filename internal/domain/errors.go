package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ReasonCode is the explicit rejection reason reported to callers.
type ReasonCode string

const (
	ReasonNone                 ReasonCode = ""
	ReasonInvalidFill          ReasonCode = "INVALID_FILL"
	ReasonValidation           ReasonCode = "VALIDATION"
	ReasonInvariantViolation   ReasonCode = "INVARIANT_VIOLATION"
	ReasonInsufficientCash     ReasonCode = "INSUFFICIENT_CASH"
	ReasonInsufficientPosition ReasonCode = "INSUFFICIENT_POSITION"
	ReasonInsufficientLots     ReasonCode = "INSUFFICIENT_LOTS"
	ReasonStoreIO              ReasonCode = "STORE_IO"
	ReasonUnknown              ReasonCode = "UNKNOWN"
)

// Sentinel errors for errors.Is checks.
var (
	ErrInvalidFill          = errors.New("invalid fill")
	ErrValidation           = errors.New("validation failed")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrInsufficientCash     = errors.New("insufficient cash")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrInsufficientLots     = errors.New("insufficient lots")
	ErrStoreIO              = errors.New("state store I/O failure")
)

// ValidationError rejects malformed input to a single call.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation and, for fill fields, ErrInvalidFill.
func (e *ValidationError) Is(target error) bool {
	if target == ErrValidation {
		return true
	}
	return target == ErrInvalidFill && e.isFillField()
}

func (e *ValidationError) isFillField() bool {
	switch e.Field {
	case "symbol", "side", "qty", "price", "fees":
		return true
	}
	return false
}

// Resource names the resource an InsufficientError ran out of.
type Resource string

const (
	ResourceCash     Resource = "cash"
	ResourcePosition Resource = "position"
	ResourceLots     Resource = "lots"
)

// InsufficientError rejects an operation that needs more of a resource than
// is available.
type InsufficientError struct {
	Resource  Resource
	Symbol    string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("insufficient %s: requested %s, available %s", e.Resource, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient %s for %s: requested %s, available %s", e.Resource, e.Symbol, e.Requested, e.Available)
}

// Is matches the sentinel for the resource.
func (e *InsufficientError) Is(target error) bool {
	switch e.Resource {
	case ResourceCash:
		return target == ErrInsufficientCash
	case ResourcePosition:
		return target == ErrInsufficientPosition
	case ResourceLots:
		return target == ErrInsufficientLots
	}
	return false
}

// InvariantViolation reports a post-condition mismatch. The mutation that
// produced it must not be adopted.
type InvariantViolation struct {
	Check     string
	Expected  decimal.Decimal
	Actual    decimal.Decimal
	Tolerance decimal.Decimal
}

// Difference returns actual - expected
func (e *InvariantViolation) Difference() decimal.Decimal {
	return e.Actual.Sub(e.Expected)
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (%s): expected %s, actual %s, diff %s exceeds tolerance %s",
		e.Check, e.Expected, e.Actual, e.Difference(), e.Tolerance)
}

// Is matches ErrInvariantViolation
func (e *InvariantViolation) Is(target error) bool {
	return target == ErrInvariantViolation
}

// StoreError wraps a StateStore failure. It is fatal for the current cycle.
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError wraps err as a StoreError, or returns nil for a nil err.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("state store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is matches ErrStoreIO
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreIO
}

// Reason maps an error onto its reason code.
func Reason(err error) ReasonCode {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrInsufficientCash):
		return ReasonInsufficientCash
	case errors.Is(err, ErrInsufficientPosition):
		return ReasonInsufficientPosition
	case errors.Is(err, ErrInsufficientLots):
		return ReasonInsufficientLots
	case errors.Is(err, ErrInvariantViolation):
		return ReasonInvariantViolation
	case errors.Is(err, ErrStoreIO):
		return ReasonStoreIO
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		if ve.isFillField() {
			return ReasonInvalidFill
		}
		return ReasonValidation
	}
	return ReasonUnknown
}
