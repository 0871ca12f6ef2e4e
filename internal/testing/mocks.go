package testing

import (
	"context"
	"sort"
	"sync"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Store operation names accepted by MockStateStore.SetError
const (
	OpGetPositions        = "get_positions"
	OpSavePosition        = "save_position"
	OpGetLotBook          = "get_lot_book"
	OpSetLotBook          = "set_lot_book"
	OpGetLatestCashEquity = "get_latest_cash_equity"
	OpSaveCashEquity      = "save_cash_equity"
	OpDebitCash           = "debit_cash"
	OpCreditCash          = "credit_cash"
	OpApplyBatch          = "apply_batch"
	OpGetAllOrdered       = "get_all_ordered"
)

// MockStateStore is an in-memory domain.StateStore for testing
type MockStateStore struct {
	mu        sync.RWMutex
	positions map[string]map[string]domain.Position
	lotBooks  map[string]map[string][]domain.LotRecord
	cash      map[string][]domain.CashEquity
	fills     map[string][]domain.Fill
	batches   []domain.Batch
	errs      map[string]error
}

// NewMockStateStore creates an empty mock store
func NewMockStateStore() *MockStateStore {
	return &MockStateStore{
		positions: make(map[string]map[string]domain.Position),
		lotBooks:  make(map[string]map[string][]domain.LotRecord),
		cash:      make(map[string][]domain.CashEquity),
		fills:     make(map[string][]domain.Fill),
		errs:      make(map[string]error),
	}
}

// SetError makes every call to op return err. A nil err clears it.
func (m *MockStateStore) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// Batches returns the batches applied so far
func (m *MockStateStore) Batches() []domain.Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Batch(nil), m.batches...)
}

// CashHistory returns every cash/equity record written for the session
func (m *MockStateStore) CashHistory(sessionID string) []domain.CashEquity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.CashEquity(nil), m.cash[sessionID]...)
}

// Fills returns the fills appended for the session
func (m *MockStateStore) Fills(sessionID string) []domain.Fill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Fill(nil), m.fills[sessionID]...)
}

// GetAllOrdered returns the session's fills in the order they were applied.
// It lets the mock stand in for the trade history.
func (m *MockStateStore) GetAllOrdered(_ context.Context, sessionID string) ([]domain.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[OpGetAllOrdered]; err != nil {
		return nil, err
	}
	return append([]domain.Fill(nil), m.fills[sessionID]...), nil
}

// GetPositions returns positions sorted by symbol
func (m *MockStateStore) GetPositions(_ context.Context, sessionID string) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[OpGetPositions]; err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(m.positions[sessionID]))
	for _, p := range m.positions[sessionID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SavePosition upserts a position; a flat position is deleted
func (m *MockStateStore) SavePosition(_ context.Context, sessionID string, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpSavePosition]; err != nil {
		return err
	}
	m.savePosition(sessionID, p)
	return nil
}

// GetLotBook returns a copy of the stored records
func (m *MockStateStore) GetLotBook(_ context.Context, sessionID, symbol string) ([]domain.LotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[OpGetLotBook]; err != nil {
		return nil, err
	}
	return append([]domain.LotRecord(nil), m.lotBooks[sessionID][domain.NormalizeSymbol(symbol)]...), nil
}

// SetLotBook replaces the symbol's records
func (m *MockStateStore) SetLotBook(_ context.Context, sessionID, symbol string, lots []domain.LotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpSetLotBook]; err != nil {
		return err
	}
	m.setLotBook(sessionID, symbol, lots)
	return nil
}

// GetLatestCashEquity returns the newest record or nil
func (m *MockStateStore) GetLatestCashEquity(_ context.Context, sessionID string) (*domain.CashEquity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[OpGetLatestCashEquity]; err != nil {
		return nil, err
	}
	history := m.cash[sessionID]
	if len(history) == 0 {
		return nil, nil
	}
	ce := history[len(history)-1]
	return &ce, nil
}

// SaveCashEquity appends a record
func (m *MockStateStore) SaveCashEquity(_ context.Context, sessionID string, ce domain.CashEquity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpSaveCashEquity]; err != nil {
		return err
	}
	m.cash[sessionID] = append(m.cash[sessionID], ce)
	return nil
}

// DebitCash removes amount+fees if the balance allows it
func (m *MockStateStore) DebitCash(_ context.Context, sessionID string, amount, fees decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpDebitCash]; err != nil {
		return false, err
	}
	latest := m.latest(sessionID)
	next := latest.Cash.Sub(amount).Sub(fees)
	if next.IsNegative() {
		return false, nil
	}
	latest.Cash = next
	latest.Equity = latest.Equity.Sub(amount).Sub(fees)
	m.cash[sessionID] = append(m.cash[sessionID], latest)
	return true, nil
}

// CreditCash adds amount-fees
func (m *MockStateStore) CreditCash(_ context.Context, sessionID string, amount, fees decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpCreditCash]; err != nil {
		return false, err
	}
	latest := m.latest(sessionID)
	latest.Cash = latest.Cash.Add(amount).Sub(fees)
	latest.Equity = latest.Equity.Add(amount).Sub(fees)
	m.cash[sessionID] = append(m.cash[sessionID], latest)
	return true, nil
}

// ApplyBatch applies every part of the batch or, when an error is set, nothing
func (m *MockStateStore) ApplyBatch(_ context.Context, sessionID string, batch domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpApplyBatch]; err != nil {
		return err
	}

	m.cash[sessionID] = append(m.cash[sessionID], batch.CashEquity)
	for _, p := range batch.Positions {
		m.savePosition(sessionID, p)
	}
	for _, symbol := range batch.ClosedSymbols {
		delete(m.positions[sessionID], domain.NormalizeSymbol(symbol))
	}
	for symbol, lots := range batch.LotBooks {
		m.setLotBook(sessionID, symbol, lots)
	}
	m.fills[sessionID] = append(m.fills[sessionID], batch.Fills...)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *MockStateStore) latest(sessionID string) domain.CashEquity {
	history := m.cash[sessionID]
	if len(history) == 0 {
		return domain.CashEquity{}
	}
	return history[len(history)-1]
}

func (m *MockStateStore) savePosition(sessionID string, p domain.Position) {
	p.Symbol = domain.NormalizeSymbol(p.Symbol)
	if m.positions[sessionID] == nil {
		m.positions[sessionID] = make(map[string]domain.Position)
	}
	if p.IsFlat() {
		delete(m.positions[sessionID], p.Symbol)
		return
	}
	m.positions[sessionID][p.Symbol] = p
}

func (m *MockStateStore) setLotBook(sessionID, symbol string, lots []domain.LotRecord) {
	symbol = domain.NormalizeSymbol(symbol)
	if m.lotBooks[sessionID] == nil {
		m.lotBooks[sessionID] = make(map[string][]domain.LotRecord)
	}
	if len(lots) == 0 {
		delete(m.lotBooks[sessionID], symbol)
		return
	}
	m.lotBooks[sessionID][symbol] = append([]domain.LotRecord(nil), lots...)
}
