// Package pricing provides mark-price snapshots and the per-cycle context
// handed to every ledger call site.
package pricing

import (
	"sort"
	"time"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Marks is an unscoped symbol -> mark price map.
type Marks map[string]decimal.Decimal

// MarkPrice implements domain.PricingSnapshot
func (m Marks) MarkPrice(symbol string) (decimal.Decimal, bool) {
	p, ok := m[domain.NormalizeSymbol(symbol)]
	if !ok {
		p, ok = m[symbol]
	}
	return p, ok
}

// CycleID implements domain.PricingSnapshot
func (m Marks) CycleID() string { return "" }

// Snapshot is an immutable set of mark prices captured for one cycle.
type Snapshot struct {
	cycleID string
	takenAt time.Time
	prices  map[string]decimal.Decimal
}

// NewSnapshot copies prices into a snapshot. Non-positive prices are dropped.
func NewSnapshot(cycleID string, takenAt time.Time, prices map[string]decimal.Decimal) *Snapshot {
	s := &Snapshot{
		cycleID: cycleID,
		takenAt: takenAt,
		prices:  make(map[string]decimal.Decimal, len(prices)),
	}
	for symbol, price := range prices {
		if !price.IsPositive() {
			continue
		}
		s.prices[domain.NormalizeSymbol(symbol)] = price
	}
	return s
}

// MarkPrice implements domain.PricingSnapshot
func (s *Snapshot) MarkPrice(symbol string) (decimal.Decimal, bool) {
	if s == nil {
		return decimal.Zero, false
	}
	p, ok := s.prices[domain.NormalizeSymbol(symbol)]
	return p, ok
}

// MarkPriceForCycle returns the mark only if the snapshot belongs to cycleID.
// An empty cycleID matches any snapshot.
func (s *Snapshot) MarkPriceForCycle(symbol, cycleID string) (decimal.Decimal, bool) {
	if s == nil || (cycleID != "" && cycleID != s.cycleID) {
		return decimal.Zero, false
	}
	return s.MarkPrice(symbol)
}

// CycleID implements domain.PricingSnapshot
func (s *Snapshot) CycleID() string {
	if s == nil {
		return ""
	}
	return s.cycleID
}

// TakenAt returns when the prices were captured
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Symbols returns the priced symbols in sorted order
func (s *Snapshot) Symbols() []string {
	symbols := make([]string, 0, len(s.prices))
	for symbol := range s.prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Marks returns a copy of the prices
func (s *Snapshot) Marks() Marks {
	out := make(Marks, len(s.prices))
	for k, v := range s.prices {
		out[k] = v
	}
	return out
}
