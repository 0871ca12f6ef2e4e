// Package nav rebuilds a session's net asset value from its ordered trade
// history and reconciles it against the equity the ledger computed.
package nav

import (
	"fmt"
	"sort"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/shopspring/decimal"
)

// RebuildResult is the state replayed from a trade history
type RebuildResult struct {
	Cash        decimal.Decimal
	Positions   []domain.Position // sorted by symbol, marked with the snapshot
	RealizedPnL decimal.Decimal
	Equity      decimal.Decimal
}

// Rebuild replays trades in the given order starting from initialCash.
//
// BUY debits notional+fees and averages into the position, SELL credits
// notional-fees and realizes (price - avg_cost) * qty. Equity is
// cash + sum(qty * mark) with the snapshot's marks. The result depends only
// on the inputs.
func Rebuild(trades []domain.Fill, snap domain.PricingSnapshot, initialCash decimal.Decimal) (RebuildResult, error) {
	cash := initialCash
	realized := decimal.Zero
	positions := make(map[string]domain.Position)

	for i, t := range trades {
		if err := t.Validate(); err != nil {
			return RebuildResult{}, fmt.Errorf("failed to replay trade %d: %w", i, err)
		}
		symbol := domain.NormalizeSymbol(t.Symbol)
		held := positions[symbol]
		held.Symbol = symbol

		switch t.Side {
		case domain.SideBuy:
			cash = cash.Sub(t.Notional()).Sub(t.Fees)
			var pnl decimal.Decimal
			held, pnl = buy(held, t.Quantity, t.Price)
			realized = realized.Add(pnl)

		case domain.SideSell:
			available := decimal.Zero
			if held.IsLong() {
				available = held.Quantity
			}
			if t.Quantity.Sub(available).GreaterThanOrEqual(money.QuantityEpsilon) {
				return RebuildResult{}, fmt.Errorf("failed to replay trade %d: %w", i, &domain.InsufficientError{
					Resource:  domain.ResourcePosition,
					Symbol:    symbol,
					Requested: t.Quantity,
					Available: available,
				})
			}
			cash = cash.Add(t.Notional()).Sub(t.Fees)
			realized = realized.Add(t.Price.Sub(held.AvgCost).Mul(t.Quantity))
			held.Quantity = held.Quantity.Sub(t.Quantity)
		}

		if held.IsFlat() {
			delete(positions, symbol)
			continue
		}
		positions[symbol] = held
	}

	symbols := make([]string, 0, len(positions))
	for s := range positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	result := RebuildResult{
		Cash:        cash,
		Positions:   make([]domain.Position, 0, len(symbols)),
		RealizedPnL: realized,
		Equity:      cash,
	}
	for _, s := range symbols {
		p := positions[s]
		mark, ok := markPrice(snap, s)
		if !ok {
			return RebuildResult{}, fmt.Errorf("failed to value %s: no mark price in snapshot", s)
		}
		p.MarkPrice = mark
		result.Equity = result.Equity.Add(p.Quantity.Mul(mark))
		result.Positions = append(result.Positions, p)
	}
	return result, nil
}

// buy adds qty at price to held, covering any short first.
func buy(held domain.Position, qty, price decimal.Decimal) (domain.Position, decimal.Decimal) {
	if held.IsFlat() {
		held.Quantity = qty
		held.AvgCost = price
		return held, decimal.Zero
	}
	if held.IsLong() {
		held.AvgCost = money.WeightedAverage(held.Quantity, held.AvgCost, qty, price)
		held.Quantity = held.Quantity.Add(qty)
		return held, decimal.Zero
	}

	covered := decimal.Min(held.Quantity.Abs(), qty)
	pnl := held.AvgCost.Sub(price).Mul(covered)
	held.Quantity = held.Quantity.Add(qty)
	if held.Quantity.IsPositive() {
		held.AvgCost = price
	}
	return held, pnl
}

func markPrice(snap domain.PricingSnapshot, symbol string) (decimal.Decimal, bool) {
	if snap == nil {
		return decimal.Zero, false
	}
	return snap.MarkPrice(symbol)
}
