package ledger

import (
	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/shopspring/decimal"
)

// ApplyFill applies one fill and returns the resulting ledger.
//
// On error the returned ledger is l itself, which stays authoritative:
// *domain.ValidationError for malformed fills, *domain.InsufficientError for
// a BUY the cash cannot cover or a SELL beyond the held quantity, and
// *domain.InvariantViolation when the equity change does not match the
// change implied by the fill.
//
// marks values the resulting positions. A symbol without a mark is valued at
// the fill price if it is the traded symbol, otherwise at its average cost.
func ApplyFill(l Ledger, f domain.Fill, marks domain.PricingSnapshot) (Ledger, error) {
	if err := f.Validate(); err != nil {
		return l, err
	}

	symbol := domain.NormalizeSymbol(f.Symbol)
	f.Symbol = symbol
	notional := f.Notional()

	newCash := l.cash.Add(f.CashImpact())
	if f.Side == domain.SideBuy && newCash.IsNegative() {
		return l, &domain.InsufficientError{
			Resource:  domain.ResourceCash,
			Symbol:    symbol,
			Requested: notional.Add(f.Fees),
			Available: l.cash,
		}
	}

	held, hasPosition := l.positions[symbol]
	var (
		next     domain.Position
		realized decimal.Decimal
		refPrice decimal.Decimal // price the traded quantity is carried at in the expected change
	)

	switch f.Side {
	case domain.SideBuy:
		next, realized = buyInto(held, hasPosition, symbol, f)
		refPrice = f.Price

	case domain.SideSell:
		available := decimal.Zero
		if hasPosition && held.IsLong() {
			available = held.Quantity
		}
		if f.Quantity.Sub(available).GreaterThanOrEqual(money.QuantityEpsilon) {
			return l, &domain.InsufficientError{
				Resource:  domain.ResourcePosition,
				Symbol:    symbol,
				Requested: f.Quantity,
				Available: available,
			}
		}
		realized = f.Price.Sub(held.AvgCost).Mul(f.Quantity)
		next = held
		next.Quantity = held.Quantity.Sub(f.Quantity)
		refPrice = held.AvgCost
	}

	next.Symbol = symbol
	mark := markOr(marks, symbol, f.Price)
	priceOf := func(p domain.Position) decimal.Decimal {
		if p.Symbol == symbol {
			return mark
		}
		return markOr(marks, p.Symbol, p.AvgCost)
	}

	positions := make(map[string]domain.Position, len(l.positions)+1)
	for s, p := range l.positions {
		p.MarkPrice = priceOf(p)
		positions[s] = p
	}
	if next.IsFlat() {
		delete(positions, symbol)
	} else {
		next.MarkPrice = mark
		positions[symbol] = next
	}
	newEquity := valuate(newCash, positions, func(p domain.Position) decimal.Decimal { return p.MarkPrice })

	// Expected change per fill: BUY -fees, SELL realized-fees. Held positions
	// are revalued from the mark they were last carried at, and the traded
	// quantity from its reference price, so both sides use the same marks.
	var expected decimal.Decimal
	signedQty := f.Quantity
	if f.Side == domain.SideBuy {
		expected = f.Fees.Neg()
	} else {
		expected = realized.Sub(f.Fees)
		signedQty = signedQty.Neg()
	}
	expected = expected.Add(revaluation(l.positions, priceOf)).Add(signedQty.Mul(mark.Sub(refPrice)))
	if next.IsFlat() {
		// dust below the flat threshold is written off with the position
		expected = expected.Sub(next.Quantity.Mul(mark))
	}

	actual := newEquity.Sub(l.equity)
	if !money.Within(actual, expected, money.EquityTolerance) {
		return l, &domain.InvariantViolation{
			Check:     "equity_change",
			Expected:  expected,
			Actual:    actual,
			Tolerance: money.EquityTolerance,
		}
	}

	return Ledger{
		fills:       append(append(make([]domain.Fill, 0, len(l.fills)+1), l.fills...), f),
		positions:   positions,
		cash:        newCash,
		equity:      newEquity,
		realizedPnL: l.realizedPnL.Add(realized),
	}, nil
}

// buyInto adds a BUY to the held position. Same-direction buys average the
// cost; a buy against a short covers it first and realizes (avg - price) on
// the covered quantity.
func buyInto(held domain.Position, hasPosition bool, symbol string, f domain.Fill) (domain.Position, decimal.Decimal) {
	if !hasPosition || held.IsFlat() {
		return domain.Position{Symbol: symbol, Quantity: f.Quantity, AvgCost: f.Price}, decimal.Zero
	}

	if held.IsLong() {
		return domain.Position{
			Symbol:   symbol,
			Quantity: held.Quantity.Add(f.Quantity),
			AvgCost:  money.WeightedAverage(held.Quantity, held.AvgCost, f.Quantity, f.Price),
		}, decimal.Zero
	}

	short := held.Quantity.Abs()
	covered := decimal.Min(short, f.Quantity)
	realized := held.AvgCost.Sub(f.Price).Mul(covered)
	remaining := held.Quantity.Add(f.Quantity)

	next := domain.Position{Symbol: symbol, Quantity: remaining, AvgCost: held.AvgCost}
	if remaining.IsPositive() {
		next.AvgCost = f.Price
	}
	return next, realized
}

// revaluation returns sum(qty * (price - carried mark)) over held positions.
// A position without a carried mark is carried at its average cost.
func revaluation(positions map[string]domain.Position, price func(domain.Position) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Quantity.Mul(price(p).Sub(carriedMark(p))))
	}
	return total
}

func carriedMark(p domain.Position) decimal.Decimal {
	if p.MarkPrice.IsPositive() {
		return p.MarkPrice
	}
	return p.AvgCost
}
