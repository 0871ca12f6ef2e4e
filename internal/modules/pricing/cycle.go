package pricing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Cycle is the context object for one trading cycle. It owns the pricing
// snapshot and every value memoized during the cycle; nothing outlives it.
type Cycle struct {
	ID        string
	StartedAt time.Time
	Pricing   *Snapshot

	memo map[string]decimal.Decimal
}

// NewCycle starts a cycle with a fresh id and a snapshot of prices.
func NewCycle(startedAt time.Time, prices map[string]decimal.Decimal) *Cycle {
	id := uuid.NewString()
	return &Cycle{
		ID:        id,
		StartedAt: startedAt,
		Pricing:   NewSnapshot(id, startedAt, prices),
		memo:      make(map[string]decimal.Decimal),
	}
}

// Remember returns the cached value for key, computing it once per cycle.
// Errors are not cached.
func (c *Cycle) Remember(key string, compute func() (decimal.Decimal, error)) (decimal.Decimal, error) {
	if v, ok := c.memo[key]; ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return decimal.Zero, err
	}
	c.memo[key] = v
	return v, nil
}

// Cached reports how many values the cycle has memoized
func (c *Cycle) Cached() int { return len(c.memo) }
