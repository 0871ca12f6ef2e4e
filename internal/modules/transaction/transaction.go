// Package transaction stages cash, position, lot and realized P&L mutations
// and validates only the final staged state before writing it to the store
// in one batch.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type txState int

const (
	stateOpen txState = iota
	stateCommitted
	stateRolledBack
)

// Option configures a PortfolioTransaction
type Option func(*PortfolioTransaction)

// WithEpsilon overrides the validation epsilon
func WithEpsilon(epsilon decimal.Decimal) Option {
	return func(t *PortfolioTransaction) {
		t.epsilon = epsilon.Abs()
	}
}

// WithLogger sets the transaction logger
func WithLogger(log zerolog.Logger) Option {
	return func(t *PortfolioTransaction) {
		t.log = log.With().Str("component", "portfolio_transaction").Str("tx_id", t.id).Logger()
	}
}

// WithClock sets the clock used to stamp the committed cash record
func WithClock(now func() time.Time) Option {
	return func(t *PortfolioTransaction) {
		t.now = now
	}
}

// Result describes the outcome of a commit.
type Result struct {
	TransactionID  string
	Committed      bool
	StagedEquity   decimal.Decimal
	ExpectedEquity decimal.Decimal
	Difference     decimal.Decimal
	Epsilon        decimal.Decimal
	Cash           decimal.Decimal
	RealizedPnL    decimal.Decimal
	// Check names the failed validation: missing_mark, equity, lot_coverage
	// or cash.
	Check   string
	Message string
}

// PortfolioTransaction is a unit of work over one session's persisted state.
//
// Staging never validates and never touches the store, so intermediate
// states may be invalid. Commit checks the final state against the previous
// equity and writes everything in one StateStore.ApplyBatch call, or nothing.
// A transaction is single use and must not be shared between goroutines.
type PortfolioTransaction struct {
	id             string
	store          domain.StateStore
	sessionID      string
	previousEquity decimal.Decimal
	epsilon        decimal.Decimal
	log            zerolog.Logger
	now            func() time.Time

	cash      []StagedCash
	positions []StagedPosition
	lotBooks  map[string]*StagedLotBook
	realized  []StagedRealizedPnL
	fills     []domain.Fill

	state  txState
	result Result
}

// Begin opens a transaction against previousEquity. The epsilon defaults to
// max(1, 1e-4 * |previousEquity|).
func Begin(store domain.StateStore, sessionID string, previousEquity decimal.Decimal, opts ...Option) *PortfolioTransaction {
	t := &PortfolioTransaction{
		id:             uuid.NewString(),
		store:          store,
		sessionID:      sessionID,
		previousEquity: previousEquity,
		epsilon:        money.DefaultEpsilon(previousEquity),
		log:            zerolog.Nop(),
		now:            time.Now,
		lotBooks:       make(map[string]*StagedLotBook),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.result = Result{TransactionID: t.id, Epsilon: t.epsilon}
	return t
}

// ID returns the transaction id
func (t *PortfolioTransaction) ID() string { return t.id }

// IsOpen reports whether the transaction can still stage and commit
func (t *PortfolioTransaction) IsOpen() bool { return t.state == stateOpen }

// StageCashDelta stages a cash movement of delta minus fees
func (t *PortfolioTransaction) StageCashDelta(delta, fees decimal.Decimal) {
	if !t.staging("cash_delta") {
		return
	}
	t.cash = append(t.cash, StagedCash{Delta: delta, Fees: fees})
}

// StagePositionDelta stages a quantity change. entryPrice and currentPrice
// may be nil.
func (t *PortfolioTransaction) StagePositionDelta(symbol string, qtyDelta decimal.Decimal, entryPrice, currentPrice *decimal.Decimal) {
	if !t.staging("position_delta") {
		return
	}
	t.positions = append(t.positions, StagedPosition{
		Symbol:       domain.NormalizeSymbol(symbol),
		QtyDelta:     qtyDelta,
		EntryPrice:   copyPrice(entryPrice),
		CurrentPrice: copyPrice(currentPrice),
	})
}

// StageLotAdd stages a new lot at the tail of the symbol's queue. An empty
// lot id is assigned at commit.
func (t *PortfolioTransaction) StageLotAdd(symbol string, lot domain.LotRecord) {
	if !t.staging("lot_add") {
		return
	}
	b := t.lotBook(symbol)
	b.ops = append(b.ops, lotOp{kind: lotAdd, record: lot})
}

// StageLotUpdate stages a patch of an existing lot
func (t *PortfolioTransaction) StageLotUpdate(symbol, lotID string, patch LotPatch) {
	if !t.staging("lot_update") {
		return
	}
	b := t.lotBook(symbol)
	b.ops = append(b.ops, lotOp{kind: lotUpdate, lotID: lotID, patch: patch})
}

// StageLotRemove stages the removal of an existing lot
func (t *PortfolioTransaction) StageLotRemove(symbol, lotID string) {
	if !t.staging("lot_remove") {
		return
	}
	b := t.lotBook(symbol)
	b.ops = append(b.ops, lotOp{kind: lotRemove, lotID: lotID})
}

// StageRealizedPnLDelta stages a realized P&L adjustment. It does not
// affect equity.
func (t *PortfolioTransaction) StageRealizedPnLDelta(delta decimal.Decimal) {
	if !t.staging("realized_pnl_delta") {
		return
	}
	t.realized = append(t.realized, StagedRealizedPnL{Delta: delta})
}

// StageFill attaches a fill to be appended to the trade log with the batch
func (t *PortfolioTransaction) StageFill(f domain.Fill) {
	if !t.staging("fill") {
		return
	}
	t.fills = append(t.fills, f)
}

// Stats returns the counts of staged operations
func (t *PortfolioTransaction) Stats() Stats {
	lotOps := 0
	for _, b := range t.lotBooks {
		lotOps += b.Len()
	}
	return Stats{
		CashDeltas:     len(t.cash),
		PositionDeltas: len(t.positions),
		LotOperations:  lotOps,
		RealizedDeltas: len(t.realized),
		Fills:          len(t.fills),
	}
}

// Result returns the outcome of the last Commit
func (t *PortfolioTransaction) Result() Result { return t.result }

// Rollback discards everything staged. It is safe to call more than once
// and is a no-op after a successful commit.
func (t *PortfolioTransaction) Rollback() {
	if t.state != stateOpen {
		return
	}
	if staged := t.Stats().Total(); staged > 0 {
		t.log.Debug().Int("staged", staged).Msg("Transaction rolled back")
	}
	t.state = stateRolledBack
	t.clear()
}

// Commit validates the staged state against marks and writes it.
//
// It returns false with a nil error when validation fails, and false with
// an error when the store fails or a lot operation references an unknown
// lot. In both cases nothing is written and the transaction is closed.
//
// Besides the equity comparison, the final state must not hold negative
// cash after a net cash outflow, and every symbol with staged lot operations
// must end with lots adding up to its long quantity.
//
// Calling Commit on a closed transaction writes nothing and reports the
// outcome of the first Commit.
func (t *PortfolioTransaction) Commit(ctx context.Context, marks domain.PricingSnapshot) (bool, error) {
	if t.state != stateOpen {
		return t.state == stateCommitted, nil
	}
	committed := false
	defer func() {
		if committed {
			t.state = stateCommitted
			t.clear()
			return
		}
		t.Rollback()
	}()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	base, err := t.loadBase(ctx)
	if err != nil {
		return false, err
	}

	p, err := t.plan(base, marks)
	if err != nil {
		return false, err
	}

	t.result.StagedEquity = p.stagedEquity
	t.result.ExpectedEquity = p.expectedEquity
	t.result.Difference = p.stagedEquity.Sub(p.expectedEquity)
	t.result.Cash = p.batch.CashEquity.Cash
	t.result.RealizedPnL = p.batch.CashEquity.RealizedPnL

	if p.missing != "" {
		t.result.Check = "missing_mark"
		t.result.Message = fmt.Sprintf("no mark price for %s", p.missing)
		t.log.Warn().Str("symbol", p.missing).Msg("Transaction validation failed: missing mark price")
		return false, nil
	}
	if !money.Within(p.stagedEquity, p.expectedEquity, t.epsilon) {
		t.result.Check = "equity"
		t.result.Message = fmt.Sprintf("staged equity %s differs from expected %s by %s (epsilon %s)",
			p.stagedEquity, p.expectedEquity, t.result.Difference, t.epsilon)
		t.log.Warn().
			Str("staged_equity", p.stagedEquity.String()).
			Str("expected_equity", p.expectedEquity.String()).
			Str("difference", t.result.Difference.String()).
			Str("epsilon", t.epsilon.String()).
			Msg("Transaction validation failed")
		return false, nil
	}
	if p.netCash.IsNegative() && p.batch.CashEquity.Cash.IsNegative() {
		t.result.Check = "cash"
		t.result.Message = fmt.Sprintf("staged cash movements leave cash at %s", p.batch.CashEquity.Cash)
		t.log.Warn().
			Str("cash", p.batch.CashEquity.Cash.String()).
			Str("net_cash_delta", p.netCash.String()).
			Msg("Transaction validation failed: negative cash")
		return false, nil
	}
	if c := p.uncovered; c != nil {
		t.result.Check = "lot_coverage"
		t.result.Message = fmt.Sprintf("lots for %s add up to %s, long quantity is %s", c.symbol, c.lots, c.held)
		t.log.Warn().
			Str("symbol", c.symbol).
			Str("lots", c.lots.String()).
			Str("held", c.held.String()).
			Msg("Transaction validation failed: lots do not cover position")
		return false, nil
	}

	if err := t.store.ApplyBatch(ctx, t.sessionID, p.batch); err != nil {
		t.result.Message = err.Error()
		return false, storeErr("apply_batch", err)
	}

	committed = true
	t.result.Committed = true
	t.log.Info().
		Str("cash", p.batch.CashEquity.Cash.String()).
		Str("equity", p.stagedEquity.String()).
		Int("positions", len(p.batch.Positions)).
		Int("lot_books", len(p.batch.LotBooks)).
		Int("fills", len(p.batch.Fills)).
		Msg("Transaction committed")
	return true, nil
}

// Run opens a transaction, stages through fn and commits with marks.
// If fn returns an error or panics the transaction is rolled back and the
// error or panic propagates.
func Run(
	ctx context.Context,
	store domain.StateStore,
	sessionID string,
	previousEquity decimal.Decimal,
	marks domain.PricingSnapshot,
	fn func(tx *PortfolioTransaction) error,
	opts ...Option,
) (Result, error) {
	tx := Begin(store, sessionID, previousEquity, opts...)
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return tx.Result(), err
	}
	if _, err := tx.Commit(ctx, marks); err != nil {
		return tx.Result(), err
	}
	return tx.Result(), nil
}

type baseState struct {
	cash      decimal.Decimal
	realized  decimal.Decimal
	positions map[string]domain.Position
	lotBooks  map[string][]domain.LotRecord
}

type plan struct {
	batch          domain.Batch
	stagedEquity   decimal.Decimal
	expectedEquity decimal.Decimal
	netCash        decimal.Decimal
	missing        string
	uncovered      *lotGap
}

type lotGap struct {
	symbol string
	lots   decimal.Decimal
	held   decimal.Decimal
}

func (t *PortfolioTransaction) loadBase(ctx context.Context) (baseState, error) {
	base := baseState{
		positions: make(map[string]domain.Position),
		lotBooks:  make(map[string][]domain.LotRecord),
	}

	positions, err := t.store.GetPositions(ctx, t.sessionID)
	if err != nil {
		return base, storeErr("get_positions", err)
	}
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		p.Symbol = domain.NormalizeSymbol(p.Symbol)
		base.positions[p.Symbol] = p
	}

	ce, err := t.store.GetLatestCashEquity(ctx, t.sessionID)
	if err != nil {
		return base, storeErr("get_latest_cash_equity", err)
	}
	if ce != nil {
		base.cash = ce.Cash
		base.realized = ce.RealizedPnL
	} else {
		// no record yet: cash is whatever previous equity leaves after positions
		base.cash = t.previousEquity
		for _, p := range base.positions {
			base.cash = base.cash.Sub(p.Quantity.Mul(carriedMark(p)))
		}
	}

	for _, symbol := range t.lotSymbols() {
		records, err := t.store.GetLotBook(ctx, t.sessionID, symbol)
		if err != nil {
			return base, storeErr("get_lot_book", err)
		}
		base.lotBooks[symbol] = records
	}
	return base, nil
}

func (t *PortfolioTransaction) plan(base baseState, marks domain.PricingSnapshot) (plan, error) {
	var p plan

	cashDelta, fees := decimal.Zero, decimal.Zero
	for _, c := range t.cash {
		cashDelta = cashDelta.Add(c.Delta)
		fees = fees.Add(c.Fees)
	}
	p.netCash = cashDelta.Sub(fees)
	stagedCash := base.cash.Add(p.netCash)

	// snapshot marks take precedence over staged current prices
	current := make(map[string]decimal.Decimal)
	for _, sp := range t.positions {
		if sp.CurrentPrice != nil && sp.CurrentPrice.IsPositive() {
			current[sp.Symbol] = *sp.CurrentPrice
		}
	}
	markOf := func(symbol string) (decimal.Decimal, bool) {
		if marks != nil {
			if m, ok := marks.MarkPrice(symbol); ok {
				return m, true
			}
		}
		m, ok := current[symbol]
		return m, ok
	}

	resulting := make(map[string]domain.Position, len(base.positions))
	for s, pos := range base.positions {
		resulting[s] = pos
	}
	touched := make(map[string]bool)
	qtyDeltaValue := decimal.Zero

	for _, sp := range t.positions {
		mark, ok := markOf(sp.Symbol)
		if !ok {
			if p.missing == "" {
				p.missing = sp.Symbol
			}
			continue
		}
		price := mark
		if sp.EntryPrice != nil && sp.EntryPrice.IsPositive() {
			price = *sp.EntryPrice
		}
		pos := resulting[sp.Symbol]
		pos.Symbol = sp.Symbol
		resulting[sp.Symbol] = applyDelta(pos, sp.QtyDelta, price)
		touched[sp.Symbol] = true
		qtyDeltaValue = qtyDeltaValue.Add(sp.QtyDelta.Mul(mark))
	}

	revaluation := decimal.Zero
	for _, s := range sortedKeys(base.positions) {
		pos := base.positions[s]
		mark, ok := markOf(s)
		if !ok {
			if touched[s] {
				continue
			}
			mark = carriedMark(pos)
		}
		revaluation = revaluation.Add(pos.Quantity.Mul(mark.Sub(carriedMark(pos))))
	}

	positionsValue := decimal.Zero
	for _, s := range sortedKeys(resulting) {
		pos := resulting[s]
		if pos.IsFlat() {
			p.batch.ClosedSymbols = append(p.batch.ClosedSymbols, s)
			continue
		}
		mark, ok := markOf(s)
		if !ok {
			mark = carriedMark(pos)
		}
		pos.MarkPrice = mark
		positionsValue = positionsValue.Add(pos.Quantity.Mul(mark))
		p.batch.Positions = append(p.batch.Positions, pos)
	}

	realized := base.realized
	for _, r := range t.realized {
		realized = realized.Add(r.Delta)
	}

	p.stagedEquity = stagedCash.Add(positionsValue)
	p.expectedEquity = t.previousEquity.Add(cashDelta).Sub(fees).Add(qtyDeltaValue).Add(revaluation)

	if len(t.lotBooks) > 0 {
		p.batch.LotBooks = make(map[string][]domain.LotRecord, len(t.lotBooks))
		for _, s := range t.lotSymbols() {
			records, err := t.lotBooks[s].apply(base.lotBooks[s])
			if err != nil {
				return p, fmt.Errorf("failed to apply staged lots for %s: %w", s, err)
			}
			p.batch.LotBooks[s] = records
			if p.uncovered == nil {
				gap, err := coverage(s, records, resulting[s])
				if err != nil {
					return p, fmt.Errorf("failed to apply staged lots for %s: %w", s, err)
				}
				p.uncovered = gap
			}
		}
	}

	p.batch.TransactionID = t.id
	p.batch.CashEquity = domain.CashEquity{
		RecordedAt:  t.now().UTC(),
		Cash:        stagedCash,
		Equity:      p.stagedEquity,
		RealizedPnL: realized,
	}
	p.batch.Fills = append([]domain.Fill(nil), t.fills...)
	return p, nil
}

// applyDelta adds qtyDelta to pos. Quantity added in the position's direction
// averages into the cost at price; a reduction keeps the cost; crossing
// through zero opens the remainder at price.
func applyDelta(pos domain.Position, qtyDelta, price decimal.Decimal) domain.Position {
	next := pos.Quantity.Add(qtyDelta)
	switch {
	case pos.IsFlat():
		pos.AvgCost = price
	case pos.Quantity.Sign() == qtyDelta.Sign():
		pos.AvgCost = money.WeightedAverage(pos.Quantity.Abs(), pos.AvgCost, qtyDelta.Abs(), price)
	case !money.IsFlat(next) && next.Sign() != pos.Quantity.Sign():
		pos.AvgCost = price
	}
	pos.Quantity = next
	return pos
}

// coverage compares the lot quantities of symbol with the long quantity of
// pos. Shorts and flat positions hold no lots.
func coverage(symbol string, records []domain.LotRecord, pos domain.Position) (*lotGap, error) {
	total := decimal.Zero
	for _, r := range records {
		q, err := money.Parse(r.Quantity)
		if err != nil {
			return nil, domain.NewValidationError("lot.quantity", "lot "+r.LotID+" has unparseable quantity "+r.Quantity)
		}
		total = total.Add(q)
	}
	held := decimal.Zero
	if pos.Quantity.IsPositive() && !pos.IsFlat() {
		held = pos.Quantity
	}
	if money.Within(total, held, money.QuantityEpsilon) {
		return nil, nil
	}
	return &lotGap{symbol: symbol, lots: total, held: held}, nil
}

func (t *PortfolioTransaction) staging(kind string) bool {
	if t.state == stateOpen {
		return true
	}
	t.log.Warn().Str("kind", kind).Msg("Ignoring staging call on closed transaction")
	return false
}

func (t *PortfolioTransaction) lotBook(symbol string) *StagedLotBook {
	symbol = domain.NormalizeSymbol(symbol)
	b, ok := t.lotBooks[symbol]
	if !ok {
		b = &StagedLotBook{Symbol: symbol}
		t.lotBooks[symbol] = b
	}
	return b
}

func (t *PortfolioTransaction) lotSymbols() []string {
	symbols := make([]string, 0, len(t.lotBooks))
	for s := range t.lotBooks {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

func (t *PortfolioTransaction) clear() {
	t.cash = nil
	t.positions = nil
	t.lotBooks = make(map[string]*StagedLotBook)
	t.realized = nil
	t.fills = nil
}

func carriedMark(p domain.Position) decimal.Decimal {
	if p.MarkPrice.IsPositive() {
		return p.MarkPrice
	}
	return p.AvgCost
}

func copyPrice(p *decimal.Decimal) *decimal.Decimal {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sortedKeys(m map[string]domain.Position) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func storeErr(op string, err error) error {
	if errors.Is(err, domain.ErrStoreIO) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return domain.NewStoreError(op, err)
}
