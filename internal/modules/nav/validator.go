package nav

import (
	"fmt"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultTolerance is the reconciliation tolerance in account currency
var DefaultTolerance = decimal.New(1, -2)

// ValidationResult is the outcome of a NAV reconciliation
type ValidationResult struct {
	IsValid        bool            `json:"is_valid"`
	Difference     decimal.Decimal `json:"difference"`
	RebuiltEquity  decimal.Decimal `json:"rebuilt_equity"`
	ComputedEquity decimal.Decimal `json:"computed_equity"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// Validate rebuilds from trades and compares the rebuilt equity with
// computedEquity. It never returns an error or panics: any failure is
// reported as an invalid result with a message.
func Validate(trades []domain.Fill, snap domain.PricingSnapshot, computedEquity, initialCash, tolerance decimal.Decimal) ValidationResult {
	return Compare(func() (decimal.Decimal, error) {
		rebuilt, err := Rebuild(trades, snap, initialCash)
		return rebuilt.Equity, err
	}, computedEquity, tolerance)
}

// Compare runs rebuild and compares its equity with computedEquity, with the
// same failure reporting as Validate.
func Compare(rebuild func() (decimal.Decimal, error), computedEquity, tolerance decimal.Decimal) (result ValidationResult) {
	result.ComputedEquity = computedEquity

	defer func() {
		if r := recover(); r != nil {
			result = ValidationResult{
				ComputedEquity: computedEquity,
				ErrorMessage:   fmt.Sprintf("NAV rebuild panicked: %v", r),
			}
		}
	}()

	rebuilt, err := rebuild()
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("NAV rebuild failed: %v", err)
		return result
	}

	result.RebuiltEquity = rebuilt
	result.Difference = rebuilt.Sub(computedEquity).Abs()
	result.IsValid = result.Difference.LessThanOrEqual(tolerance.Abs())
	if !result.IsValid {
		result.ErrorMessage = fmt.Sprintf("rebuilt equity %s differs from computed %s by %s (tolerance %s)",
			rebuilt, computedEquity, result.Difference, tolerance.Abs())
	}
	return result
}
