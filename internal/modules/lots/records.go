package lots

import (
	"fmt"
	"time"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Records serializes the symbol's lots in FIFO order.
func (b *LotBook) Records(symbol string) []domain.LotRecord {
	queue := b.queues[domain.NormalizeSymbol(symbol)]
	records := make([]domain.LotRecord, 0, len(queue))
	for _, lot := range queue {
		records = append(records, ToRecord(lot))
	}
	return records
}

// Restore replaces the symbol's queue with records. The queue is only
// replaced when every record parses.
func (b *LotBook) Restore(symbol string, records []domain.LotRecord) error {
	symbol = domain.NormalizeSymbol(symbol)
	queue := make([]Lot, 0, len(records))
	for i, r := range records {
		lot, err := FromRecord(symbol, r)
		if err != nil {
			return fmt.Errorf("failed to restore lot %d for %s: %w", i, symbol, err)
		}
		queue = append(queue, lot)
	}

	if len(queue) == 0 {
		delete(b.queues, symbol)
		return nil
	}
	b.queues[symbol] = queue
	return nil
}

// FromRecords builds a fresh book holding one symbol's lots.
func FromRecords(symbol string, records []domain.LotRecord, log zerolog.Logger) (*LotBook, error) {
	b := New(log)
	if err := b.Restore(symbol, records); err != nil {
		return nil, err
	}
	return b, nil
}

// ToRecord converts a lot to its persisted form
func ToRecord(lot Lot) domain.LotRecord {
	r := domain.LotRecord{
		LotID:     lot.ID,
		Quantity:  lot.Quantity.String(),
		CostPrice: lot.CostPrice.String(),
		Fee:       lot.Fee.String(),
		Timestamp: lot.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if !lot.OriginalQuantity.Equal(lot.Quantity) {
		r.OriginalQuantity = lot.OriginalQuantity.String()
	}
	return r
}

// FromRecord parses a persisted lot. A missing lot id is regenerated and a
// missing original quantity defaults to the quantity.
func FromRecord(symbol string, r domain.LotRecord) (Lot, error) {
	qty, err := money.Parse(r.Quantity)
	if err != nil {
		return Lot{}, domain.NewValidationError("lot.quantity", err.Error())
	}
	cost, err := money.Parse(r.CostPrice)
	if err != nil {
		return Lot{}, domain.NewValidationError("lot.cost_price", err.Error())
	}
	fee, err := money.Parse(r.Fee)
	if err != nil {
		return Lot{}, domain.NewValidationError("lot.fee", err.Error())
	}
	if err := validateLot(symbol, qty, cost, fee); err != nil {
		return Lot{}, err
	}

	original := qty
	if r.OriginalQuantity != "" {
		original, err = money.Parse(r.OriginalQuantity)
		if err != nil {
			return Lot{}, domain.NewValidationError("lot.original_quantity", err.Error())
		}
		if original.LessThan(qty) {
			return Lot{}, domain.NewValidationError("lot.original_quantity", "original quantity is below quantity")
		}
	}

	var ts time.Time
	if r.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return Lot{}, domain.NewValidationError("lot.timestamp", err.Error())
		}
	}

	id := r.LotID
	if id == "" {
		id = uuid.NewString()
	}

	return Lot{
		ID:               id,
		Symbol:           symbol,
		Quantity:         qty,
		OriginalQuantity: original,
		CostPrice:        cost,
		Fee:              fee,
		Timestamp:        ts.UTC(),
	}, nil
}

// Snapshot is the stored payload of one symbol's lot queue.
type Snapshot struct {
	Symbol string             `msgpack:"symbol"`
	Lots   []domain.LotRecord `msgpack:"lots"`
}

// EncodeSnapshot packs a symbol's records for storage
func EncodeSnapshot(symbol string, records []domain.LotRecord) ([]byte, error) {
	data, err := msgpack.Marshal(Snapshot{Symbol: domain.NormalizeSymbol(symbol), Lots: records})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lot snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot unpacks a payload written by EncodeSnapshot
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode lot snapshot: %w", err)
	}
	return snap, nil
}
