// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/shopspring/decimal"
)

// Side represents the trade direction (BUY or SELL)
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IsValid checks if the side is valid
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// SideFromString creates a Side from string (case-insensitive)
func SideFromString(value string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", NewValidationError("side", fmt.Sprintf("invalid trade side: %q", value))
	}
}

// NormalizeSymbol upper-cases and trims a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Fill is one executed trade leg.
type Fill struct {
	Timestamp  time.Time         `json:"timestamp"`
	StopLoss   *decimal.Decimal  `json:"sl,omitempty"`
	TakeProfit *decimal.Decimal  `json:"tp,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Symbol     string            `json:"symbol"`
	Side       Side              `json:"side"`
	Strategy   string            `json:"strategy,omitempty"`
	Quantity   decimal.Decimal   `json:"qty"`
	Price      decimal.Decimal   `json:"price"`
	Fees       decimal.Decimal   `json:"fees"`
}

// FillOption sets an optional Fill field in NewFill.
type FillOption func(*Fill)

// WithStopLoss attaches a stop-loss level.
func WithStopLoss(sl decimal.Decimal) FillOption {
	return func(f *Fill) { f.StopLoss = &sl }
}

// WithTakeProfit attaches a take-profit level.
func WithTakeProfit(tp decimal.Decimal) FillOption {
	return func(f *Fill) { f.TakeProfit = &tp }
}

// WithStrategy tags the fill with the strategy that produced it.
func WithStrategy(tag string) FillOption {
	return func(f *Fill) { f.Strategy = tag }
}

// WithMetadata merges free-form metadata into the fill.
func WithMetadata(md map[string]string) FillOption {
	return func(f *Fill) {
		if f.Metadata == nil {
			f.Metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			f.Metadata[k] = v
		}
	}
}

// NewFill builds a validated fill.
func NewFill(symbol string, side Side, qty, price, fees decimal.Decimal, ts time.Time, opts ...FillOption) (Fill, error) {
	f := Fill{
		Symbol:    NormalizeSymbol(symbol),
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Fees:      fees,
		Timestamp: ts,
	}
	for _, opt := range opts {
		opt(&f)
	}
	if err := f.Validate(); err != nil {
		return Fill{}, err
	}
	return f, nil
}

// Validate checks fill fields. It does not modify the fill.
func (f Fill) Validate() error {
	if NormalizeSymbol(f.Symbol) == "" {
		return NewValidationError("symbol", "symbol cannot be empty")
	}
	if !f.Side.IsValid() {
		return NewValidationError("side", fmt.Sprintf("invalid trade side: %q", f.Side))
	}
	if !f.Quantity.IsPositive() {
		return NewValidationError("qty", fmt.Sprintf("quantity must be positive, got %s", f.Quantity))
	}
	if !f.Price.IsPositive() {
		return NewValidationError("price", fmt.Sprintf("price must be positive, got %s", f.Price))
	}
	if f.Fees.IsNegative() {
		return NewValidationError("fees", fmt.Sprintf("fees cannot be negative, got %s", f.Fees))
	}
	return nil
}

// Notional returns |qty| * price
func (f Fill) Notional() decimal.Decimal {
	return money.Notional(f.Quantity, f.Price)
}

// TotalCost returns notional+fees for a BUY and fees only for a SELL
func (f Fill) TotalCost() decimal.Decimal {
	if f.Side == SideBuy {
		return f.Notional().Add(f.Fees)
	}
	return f.Fees
}

// CashImpact returns the signed cash movement of the fill.
func (f Fill) CashImpact() decimal.Decimal {
	if f.Side == SideBuy {
		return f.Notional().Add(f.Fees).Neg()
	}
	return f.Notional().Sub(f.Fees)
}

// Position is the net holding in a symbol with a weighted-average cost basis.
// The sign of Quantity is the direction.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"qty"`
	AvgCost   decimal.Decimal `json:"avg_cost"`
	MarkPrice decimal.Decimal `json:"mark_price"` // last mark used for valuation, zero if unknown
}

// IsFlat reports whether |qty| < 1e-8
func (p Position) IsFlat() bool { return money.IsFlat(p.Quantity) }

// IsLong reports whether qty > 0
func (p Position) IsLong() bool { return p.Quantity.IsPositive() }

// IsShort reports whether qty < 0
func (p Position) IsShort() bool { return p.Quantity.IsNegative() }

// CostBasis returns qty * avg_cost
func (p Position) CostBasis() decimal.Decimal { return p.Quantity.Mul(p.AvgCost) }

// CashEquity is a point-in-time record of a session's cash, equity and
// cumulative realized P&L.
type CashEquity struct {
	RecordedAt  time.Time       `json:"recorded_at"`
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// LotRecord is the persisted form of a cost lot. Field names are a
// compatibility contract with existing stores.
type LotRecord struct {
	LotID            string `json:"lot_id" msgpack:"lot_id"`
	Quantity         string `json:"quantity" msgpack:"quantity"`
	CostPrice        string `json:"cost_price" msgpack:"cost_price"`
	Fee              string `json:"fee" msgpack:"fee"`
	Timestamp        string `json:"timestamp" msgpack:"timestamp"`
	OriginalQuantity string `json:"original_quantity,omitempty" msgpack:"original_quantity,omitempty"`
}

// Batch is one coordinated write issued by a transaction commit.
// The store must apply it atomically.
type Batch struct {
	TransactionID string
	CashEquity    CashEquity
	Positions     []Position             // upserted
	ClosedSymbols []string               // deleted
	LotBooks      map[string][]LotRecord // full replacement per symbol
	Fills         []Fill                 // appended to the trade log
}

// IsEmpty reports whether the batch carries anything besides cash/equity.
func (b Batch) IsEmpty() bool {
	return len(b.Positions) == 0 && len(b.ClosedSymbols) == 0 && len(b.LotBooks) == 0 && len(b.Fills) == 0
}
