package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSideFromString(t *testing.T) {
	side, err := SideFromString("buy")
	require.NoError(t, err)
	assert.Equal(t, SideBuy, side)

	side, err = SideFromString(" SELL ")
	require.NoError(t, err)
	assert.Equal(t, SideSell, side)

	_, err = SideFromString("hold")
	assert.ErrorIs(t, err, ErrInvalidFill)
}

func TestNewFill_NormalizesAndAppliesOptions(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	fill, err := NewFill(" btc ", SideBuy, d("0.1"), d("50000"), d("10"), ts,
		WithStrategy("momentum"),
		WithStopLoss(d("48000")),
		WithTakeProfit(d("55000")),
		WithMetadata(map[string]string{"cycle": "42"}),
	)
	require.NoError(t, err)

	assert.Equal(t, "BTC", fill.Symbol)
	assert.Equal(t, "momentum", fill.Strategy)
	require.NotNil(t, fill.StopLoss)
	assert.True(t, fill.StopLoss.Equal(d("48000")))
	require.NotNil(t, fill.TakeProfit)
	assert.Equal(t, "42", fill.Metadata["cycle"])
	assert.Equal(t, ts, fill.Timestamp)
}

func TestFill_Validate(t *testing.T) {
	valid := Fill{Symbol: "BTC", Side: SideBuy, Quantity: d("1"), Price: d("1"), Fees: decimal.Zero}

	tests := []struct {
		name   string
		mutate func(f *Fill)
		field  string
	}{
		{"empty symbol", func(f *Fill) { f.Symbol = "  " }, "symbol"},
		{"bad side", func(f *Fill) { f.Side = "HOLD" }, "side"},
		{"zero qty", func(f *Fill) { f.Quantity = decimal.Zero }, "qty"},
		{"negative qty", func(f *Fill) { f.Quantity = d("-1") }, "qty"},
		{"zero price", func(f *Fill) { f.Price = decimal.Zero }, "price"},
		{"negative fees", func(f *Fill) { f.Fees = d("-0.01") }, "fees"},
	}

	require.NoError(t, valid.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			tt.mutate(&f)

			err := f.Validate()

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.ErrorIs(t, err, ErrInvalidFill)
			assert.Equal(t, ReasonInvalidFill, Reason(err))
		})
	}
}

func TestFill_DerivedAmounts(t *testing.T) {
	buy := Fill{Symbol: "BTC", Side: SideBuy, Quantity: d("0.1"), Price: d("50000"), Fees: d("10")}
	sell := Fill{Symbol: "BTC", Side: SideSell, Quantity: d("0.1"), Price: d("51000"), Fees: d("10.2")}

	assert.True(t, buy.Notional().Equal(d("5000")))
	assert.True(t, buy.TotalCost().Equal(d("5010")))
	assert.True(t, buy.CashImpact().Equal(d("-5010")))

	assert.True(t, sell.Notional().Equal(d("5100")))
	assert.True(t, sell.TotalCost().Equal(d("10.2")))
	assert.True(t, sell.CashImpact().Equal(d("5089.8")))
}

func TestPosition_Direction(t *testing.T) {
	assert.True(t, Position{Quantity: d("0.000000001")}.IsFlat())
	assert.True(t, Position{Quantity: d("2")}.IsLong())
	assert.True(t, Position{Quantity: d("-2")}.IsShort())
	assert.True(t, Position{Quantity: d("2"), AvgCost: d("10")}.CostBasis().Equal(d("20")))
}

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ReasonCode
	}{
		{"nil", nil, ReasonNone},
		{"cash", &InsufficientError{Resource: ResourceCash}, ReasonInsufficientCash},
		{"position", &InsufficientError{Resource: ResourcePosition, Symbol: "ETH"}, ReasonInsufficientPosition},
		{"lots wrapped", fmt.Errorf("failed to consume: %w", &InsufficientError{Resource: ResourceLots}), ReasonInsufficientLots},
		{"invariant", &InvariantViolation{Check: "equity"}, ReasonInvariantViolation},
		{"store", NewStoreError("save", errors.New("disk full")), ReasonStoreIO},
		{"non-fill validation", NewValidationError("lot_id", "unknown"), ReasonValidation},
		{"unknown", errors.New("boom"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}

func TestErrors_Messages(t *testing.T) {
	iv := &InvariantViolation{Check: "equity_change", Expected: d("-10"), Actual: d("-9"), Tolerance: d("0.000001")}
	assert.True(t, iv.Difference().Equal(d("1")))
	assert.Contains(t, iv.Error(), "expected -10")
	assert.Contains(t, iv.Error(), "actual -9")

	se := NewStoreError("apply_batch", errors.New("locked"))
	assert.Contains(t, se.Error(), "locked")
	assert.Nil(t, NewStoreError("noop", nil))

	ve := NewValidationError("lot_id", "unknown lot")
	assert.NotErrorIs(t, ve, ErrInvalidFill)
	assert.ErrorIs(t, ve, ErrValidation)
}

func TestBatch_IsEmpty(t *testing.T) {
	assert.True(t, Batch{}.IsEmpty())
	assert.False(t, Batch{ClosedSymbols: []string{"BTC"}}.IsEmpty())
}
