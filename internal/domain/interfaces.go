package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PricingSnapshot supplies mark prices for one pricing cycle.
type PricingSnapshot interface {
	// MarkPrice returns the mark for symbol and whether one is known
	MarkPrice(symbol string) (decimal.Decimal, bool)
	// CycleID identifies the cycle the prices belong to, empty if unscoped
	CycleID() string
}

// StateStore is the persistence contract consumed by the transaction engine.
// Calls are synchronous and either succeed or return an error; callers do
// not retry.
type StateStore interface {
	GetPositions(ctx context.Context, sessionID string) ([]Position, error)
	SavePosition(ctx context.Context, sessionID string, position Position) error

	GetLotBook(ctx context.Context, sessionID, symbol string) ([]LotRecord, error)
	SetLotBook(ctx context.Context, sessionID, symbol string, lots []LotRecord) error

	// GetLatestCashEquity returns nil when the session has no record yet
	GetLatestCashEquity(ctx context.Context, sessionID string) (*CashEquity, error)
	SaveCashEquity(ctx context.Context, sessionID string, ce CashEquity) error

	// DebitCash removes amount+fees; it returns false without writing when
	// the balance is insufficient
	DebitCash(ctx context.Context, sessionID string, amount, fees decimal.Decimal) (bool, error)
	// CreditCash adds amount-fees
	CreditCash(ctx context.Context, sessionID string, amount, fees decimal.Decimal) (bool, error)

	// ApplyBatch writes every part of the batch or nothing
	ApplyBatch(ctx context.Context, sessionID string, batch Batch) error
}
