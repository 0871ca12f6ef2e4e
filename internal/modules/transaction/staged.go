package transaction

import (
	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StagedCash is one staged cash movement. Fees are charged on top of Delta.
type StagedCash struct {
	Delta decimal.Decimal
	Fees  decimal.Decimal
}

// StagedPosition is one staged change to a position's quantity.
// EntryPrice feeds the average cost of added quantity; CurrentPrice values
// the position when the commit marks have no price for it.
type StagedPosition struct {
	Symbol       string
	QtyDelta     decimal.Decimal
	EntryPrice   *decimal.Decimal
	CurrentPrice *decimal.Decimal
}

// StagedRealizedPnL is a staged realized P&L adjustment
type StagedRealizedPnL struct {
	Delta decimal.Decimal
}

// LotPatch changes selected fields of a stored lot. Nil fields are kept.
type LotPatch struct {
	Quantity  *decimal.Decimal
	CostPrice *decimal.Decimal
	Fee       *decimal.Decimal
}

type lotOpKind int

const (
	lotAdd lotOpKind = iota
	lotUpdate
	lotRemove
)

type lotOp struct {
	kind   lotOpKind
	lotID  string
	record domain.LotRecord
	patch  LotPatch
}

// StagedLotBook holds the ordered lot operations staged for one symbol.
type StagedLotBook struct {
	Symbol string
	ops    []lotOp
}

// Len returns the number of staged operations
func (s *StagedLotBook) Len() int { return len(s.ops) }

// apply replays the staged operations on top of the stored records.
func (s *StagedLotBook) apply(base []domain.LotRecord) ([]domain.LotRecord, error) {
	out := append([]domain.LotRecord(nil), base...)
	for _, op := range s.ops {
		switch op.kind {
		case lotAdd:
			r := op.record
			if r.LotID == "" {
				r.LotID = uuid.NewString()
			}
			out = append(out, r)

		case lotUpdate:
			i := indexOfLot(out, op.lotID)
			if i < 0 {
				return nil, domain.NewValidationError("lot_id", "unknown lot "+op.lotID+" for "+s.Symbol)
			}
			patched, err := patchRecord(out[i], op.patch)
			if err != nil {
				return nil, err
			}
			out[i] = patched

		case lotRemove:
			i := indexOfLot(out, op.lotID)
			if i < 0 {
				return nil, domain.NewValidationError("lot_id", "unknown lot "+op.lotID+" for "+s.Symbol)
			}
			out = append(out[:i], out[i+1:]...)
		}
	}
	return out, nil
}

func indexOfLot(records []domain.LotRecord, lotID string) int {
	for i, r := range records {
		if r.LotID == lotID {
			return i
		}
	}
	return -1
}

func patchRecord(r domain.LotRecord, p LotPatch) (domain.LotRecord, error) {
	if p.Quantity != nil {
		if !p.Quantity.IsPositive() {
			return r, domain.NewValidationError("lot.quantity", "patched quantity must be positive")
		}
		if r.OriginalQuantity == "" {
			r.OriginalQuantity = r.Quantity
		}
		if original, err := money.Parse(r.OriginalQuantity); err != nil || original.LessThan(*p.Quantity) {
			r.OriginalQuantity = p.Quantity.String()
		}
		r.Quantity = p.Quantity.String()
	}
	if p.CostPrice != nil {
		if !p.CostPrice.IsPositive() {
			return r, domain.NewValidationError("lot.cost_price", "patched cost price must be positive")
		}
		r.CostPrice = p.CostPrice.String()
	}
	if p.Fee != nil {
		if p.Fee.IsNegative() {
			return r, domain.NewValidationError("lot.fee", "patched fee cannot be negative")
		}
		r.Fee = p.Fee.String()
	}
	return r, nil
}

// Stats counts what a transaction has staged
type Stats struct {
	CashDeltas     int
	PositionDeltas int
	LotOperations  int
	RealizedDeltas int
	Fills          int
}

// Total returns the number of staged operations
func (s Stats) Total() int {
	return s.CashDeltas + s.PositionDeltas + s.LotOperations + s.RealizedDeltas + s.Fills
}
