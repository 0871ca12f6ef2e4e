// Package lots provides FIFO cost-lot accounting per symbol.
package lots

import (
	"sort"
	"time"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Lot is one purchase tranche. OriginalQuantity is the size the lot was
// opened with; Fee is the entry fee for the whole original quantity.
type Lot struct {
	ID               string
	Symbol           string
	Quantity         decimal.Decimal
	OriginalQuantity decimal.Decimal
	CostPrice        decimal.Decimal
	Fee              decimal.Decimal
	Timestamp        time.Time
}

// FeeRemaining returns the share of the entry fee attributable to the
// quantity still open.
func (l Lot) FeeRemaining() decimal.Decimal {
	return l.feeShare(l.Quantity)
}

func (l Lot) feeShare(q decimal.Decimal) decimal.Decimal {
	if l.Fee.IsZero() || !l.OriginalQuantity.IsPositive() {
		return decimal.Zero
	}
	if q.Equal(l.OriginalQuantity) {
		return l.Fee
	}
	return money.Div(l.Fee.Mul(q), l.OriginalQuantity)
}

// ConsumedPortion describes what a Consume call took from one lot.
type ConsumedPortion struct {
	LotID     string
	Quantity  decimal.Decimal
	CostPrice decimal.Decimal
	FeeShare  decimal.Decimal
	Exhausted bool
}

// ConsumeResult is the outcome of a FIFO consumption.
type ConsumeResult struct {
	RealizedPnL   decimal.Decimal
	LotsConsumed  int // lots closed out entirely
	LotsRemaining int // lots still open for the symbol
	Consumed      []ConsumedPortion
}

// LotBook keeps one FIFO queue of lots per symbol. It is not safe for
// concurrent use; the session that owns it is the single writer.
type LotBook struct {
	queues map[string][]Lot
	log    zerolog.Logger
}

// New creates an empty LotBook
func New(log zerolog.Logger) *LotBook {
	return &LotBook{
		queues: make(map[string][]Lot),
		log:    log.With().Str("component", "lot_book").Logger(),
	}
}

// AddLot appends a lot to the symbol's queue and returns its id.
func (b *LotBook) AddLot(symbol string, qty, price, fee decimal.Decimal, ts time.Time) (string, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if err := validateLot(symbol, qty, price, fee); err != nil {
		return "", err
	}

	lot := Lot{
		ID:               uuid.NewString(),
		Symbol:           symbol,
		Quantity:         qty,
		OriginalQuantity: qty,
		CostPrice:        price,
		Fee:              fee,
		Timestamp:        ts.UTC(),
	}
	b.queues[symbol] = append(b.queues[symbol], lot)

	b.log.Debug().
		Str("symbol", symbol).
		Str("lot_id", lot.ID).
		Str("quantity", qty.String()).
		Str("cost_price", price.String()).
		Msg("Lot added")
	return lot.ID, nil
}

// Consume takes qty from the head of the symbol's queue.
//
// realized = sum((fillPrice - cost) * q) - entry fee shares - exitFee, where
// a lot's entry fee share is Fee * q / OriginalQuantity. A partially consumed
// lot keeps its CostPrice and Fee and only its Quantity shrinks. Asking for
// more than AvailableQuantity returns ErrInsufficientLots and leaves the book
// untouched.
func (b *LotBook) Consume(symbol string, qty, fillPrice, exitFee decimal.Decimal) (ConsumeResult, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if err := validateConsume(symbol, qty, fillPrice, exitFee); err != nil {
		return ConsumeResult{}, err
	}

	available := b.AvailableQuantity(symbol)
	if qty.Sub(available).GreaterThanOrEqual(money.QuantityEpsilon) {
		return ConsumeResult{}, &domain.InsufficientError{
			Resource:  domain.ResourceLots,
			Symbol:    symbol,
			Requested: qty,
			Available: available,
		}
	}

	queue := b.queues[symbol]
	result := ConsumeResult{RealizedPnL: exitFee.Neg()}
	remaining := qty
	head := 0
	var partial *Lot

	for head < len(queue) && !money.IsFlat(remaining) {
		lot := queue[head]
		take := decimal.Min(remaining, lot.Quantity)
		left := lot.Quantity.Sub(take)
		exhausted := money.IsFlat(left)
		if exhausted {
			// dust left behind on the lot goes with it
			take = lot.Quantity
		}

		share := lot.feeShare(take)
		if exhausted {
			share = lot.FeeRemaining()
		}
		result.RealizedPnL = result.RealizedPnL.Add(fillPrice.Sub(lot.CostPrice).Mul(take)).Sub(share)
		result.Consumed = append(result.Consumed, ConsumedPortion{
			LotID:     lot.ID,
			Quantity:  take,
			CostPrice: lot.CostPrice,
			FeeShare:  share,
			Exhausted: exhausted,
		})
		remaining = remaining.Sub(take)

		if !exhausted {
			lot.Quantity = left
			partial = &lot
			break
		}
		result.LotsConsumed++
		head++
	}

	rest := make([]Lot, 0, len(queue)-head)
	rest = append(rest, queue[head:]...)
	if partial != nil {
		rest[0] = *partial
	}
	if len(rest) == 0 {
		delete(b.queues, symbol)
	} else {
		b.queues[symbol] = rest
	}
	result.LotsRemaining = len(rest)

	b.log.Debug().
		Str("symbol", symbol).
		Str("quantity", qty.String()).
		Str("realized_pnl", result.RealizedPnL.String()).
		Int("lots_consumed", result.LotsConsumed).
		Int("lots_remaining", result.LotsRemaining).
		Msg("Lots consumed")
	return result, nil
}

// AvailableQuantity returns the sum of open lot quantities for symbol
func (b *LotBook) AvailableQuantity(symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range b.queues[domain.NormalizeSymbol(symbol)] {
		total = total.Add(lot.Quantity)
	}
	return total
}

// Lots returns a copy of the symbol's queue in FIFO order
func (b *LotBook) Lots(symbol string) []Lot {
	return append([]Lot(nil), b.queues[domain.NormalizeSymbol(symbol)]...)
}

// Symbols returns the symbols with open lots, sorted
func (b *LotBook) Symbols() []string {
	symbols := make([]string, 0, len(b.queues))
	for s, q := range b.queues {
		if len(q) > 0 {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Clone returns an independent copy of the book.
func (b *LotBook) Clone() *LotBook {
	c := &LotBook{queues: make(map[string][]Lot, len(b.queues)), log: b.log}
	for s, q := range b.queues {
		c.queues[s] = append([]Lot(nil), q...)
	}
	return c
}

func validateLot(symbol string, qty, price, fee decimal.Decimal) error {
	switch {
	case symbol == "":
		return domain.NewValidationError("lot.symbol", "symbol cannot be empty")
	case !qty.IsPositive():
		return domain.NewValidationError("lot.quantity", "quantity must be positive")
	case !price.IsPositive():
		return domain.NewValidationError("lot.cost_price", "cost price must be positive")
	case fee.IsNegative():
		return domain.NewValidationError("lot.fee", "fee cannot be negative")
	}
	return nil
}

func validateConsume(symbol string, qty, fillPrice, fee decimal.Decimal) error {
	switch {
	case symbol == "":
		return domain.NewValidationError("consume.symbol", "symbol cannot be empty")
	case !qty.IsPositive():
		return domain.NewValidationError("consume.quantity", "quantity must be positive")
	case !fillPrice.IsPositive():
		return domain.NewValidationError("consume.price", "fill price must be positive")
	case fee.IsNegative():
		return domain.NewValidationError("consume.fee", "fee cannot be negative")
	}
	return nil
}
