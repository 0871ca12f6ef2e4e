// Package money provides the fixed-precision arithmetic primitives used for
// cash, prices, quantities and fees. Nothing in the ledger touches float64.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DivisionScale is the number of fractional digits kept by Div.
// Every division in the ledger goes through Div so replays are deterministic.
const DivisionScale int32 = 16

var (
	// QuantityEpsilon is the threshold below which a quantity is flat.
	QuantityEpsilon = decimal.New(1, -8)

	// EquityTolerance is the maximum drift allowed by the fill invariant check.
	EquityTolerance = decimal.New(1, -6)

	// MinTransactionEpsilon is the floor of the default transaction tolerance.
	MinTransactionEpsilon = decimal.NewFromInt(1)

	// TransactionEpsilonRate scales previous equity into the default transaction tolerance.
	TransactionEpsilonRate = decimal.New(1, -4)
)

// Parse converts a decimal string. Empty strings are rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty decimal value")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for constants and tests. It panics on bad input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Div divides at DivisionScale with half-up rounding.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, DivisionScale)
}

// IsFlat reports whether |q| is below QuantityEpsilon.
func IsFlat(q decimal.Decimal) bool {
	return q.Abs().LessThan(QuantityEpsilon)
}

// Within reports whether |a-b| <= tolerance.
func Within(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// Notional returns |qty| * price.
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Abs().Mul(price)
}

// WeightedAverage returns the quantity-weighted average of two cost bases.
// A zero combined quantity yields zero.
func WeightedAverage(qtyA, priceA, qtyB, priceB decimal.Decimal) decimal.Decimal {
	total := qtyA.Add(qtyB)
	if total.IsZero() {
		return decimal.Zero
	}
	return Div(qtyA.Mul(priceA).Add(qtyB.Mul(priceB)), total)
}

// DefaultEpsilon returns max(1.0, 1e-4 * |previousEquity|).
func DefaultEpsilon(previousEquity decimal.Decimal) decimal.Decimal {
	return decimal.Max(MinTransactionEpsilon, previousEquity.Abs().Mul(TransactionEpsilonRate))
}

// Sum adds values in the given order.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
