// Package ledger holds the immutable session ledger value and the pure
// fill-application state transition.
package ledger

import (
	"sort"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Ledger is a session's cash, positions, fills and equity.
//
// A Ledger is a value: nothing mutates one in place. ApplyFill returns a new
// Ledger and the caller adopts it by replacing its reference; a rejected
// fill leaves the caller holding the previous value untouched.
type Ledger struct {
	fills       []domain.Fill
	positions   map[string]domain.Position
	cash        decimal.Decimal
	equity      decimal.Decimal
	realizedPnL decimal.Decimal
}

// New creates an empty ledger funded with initialCash.
func New(initialCash decimal.Decimal) Ledger {
	return Ledger{
		positions: map[string]domain.Position{},
		cash:      initialCash,
		equity:    initialCash,
	}
}

// Restore rebuilds a ledger from persisted state. Flat positions are dropped.
func Restore(cash, equity, realizedPnL decimal.Decimal, positions []domain.Position, fills []domain.Fill) Ledger {
	l := Ledger{
		positions:   make(map[string]domain.Position, len(positions)),
		cash:        cash,
		equity:      equity,
		realizedPnL: realizedPnL,
		fills:       append([]domain.Fill(nil), fills...),
	}
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		p.Symbol = domain.NormalizeSymbol(p.Symbol)
		l.positions[p.Symbol] = p
	}
	return l
}

// Cash returns the cash balance
func (l Ledger) Cash() decimal.Decimal { return l.cash }

// Equity returns the equity recorded by the last accepted state transition
func (l Ledger) Equity() decimal.Decimal { return l.equity }

// RealizedPnL returns cumulative average-cost realized P&L
func (l Ledger) RealizedPnL() decimal.Decimal { return l.realizedPnL }

// Position returns the open position for symbol, if any
func (l Ledger) Position(symbol string) (domain.Position, bool) {
	p, ok := l.positions[domain.NormalizeSymbol(symbol)]
	return p, ok
}

// Positions returns open positions sorted by symbol
func (l Ledger) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(l.positions))
	for _, symbol := range l.Symbols() {
		out = append(out, l.positions[symbol])
	}
	return out
}

// Symbols returns held symbols in sorted order
func (l Ledger) Symbols() []string {
	symbols := make([]string, 0, len(l.positions))
	for s := range l.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Fills returns a copy of the fill history in application order
func (l Ledger) Fills() []domain.Fill {
	return append([]domain.Fill(nil), l.fills...)
}

// FillCount returns the number of applied fills
func (l Ledger) FillCount() int { return len(l.fills) }

// EquityAt revalues the ledger with marks without changing it. Symbols with
// no mark are valued at their average cost.
func (l Ledger) EquityAt(marks domain.PricingSnapshot) decimal.Decimal {
	return valuate(l.cash, l.positions, func(p domain.Position) decimal.Decimal {
		return markOr(marks, p.Symbol, p.AvgCost)
	})
}

// valuate returns cash + sum(qty * price(position)), summed in symbol order.
func valuate(cash decimal.Decimal, positions map[string]domain.Position, price func(domain.Position) decimal.Decimal) decimal.Decimal {
	symbols := make([]string, 0, len(positions))
	for s := range positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	total := cash
	for _, s := range symbols {
		p := positions[s]
		total = total.Add(p.Quantity.Mul(price(p)))
	}
	return total
}

func markOr(marks domain.PricingSnapshot, symbol string, fallback decimal.Decimal) decimal.Decimal {
	if marks != nil {
		if p, ok := marks.MarkPrice(symbol); ok {
			return p
		}
	}
	return fallback
}
