// Package services provides the session orchestration shared by the HTTP API
// and the scheduler.
//
// SessionService is the single writer of one session: it applies fills to the
// in-memory ledger and lot book, persists them through a portfolio
// transaction and runs NAV reconciliation against the fill history.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/metrics"
	"github.com/aristath/sentinel-ledger/internal/modules/ledger"
	"github.com/aristath/sentinel-ledger/internal/modules/lots"
	"github.com/aristath/sentinel-ledger/internal/modules/nav"
	"github.com/aristath/sentinel-ledger/internal/modules/pricing"
	"github.com/aristath/sentinel-ledger/internal/modules/transaction"
	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TradeHistoryInterface defines the ordered fill log replayed by NAV validation
type TradeHistoryInterface interface {
	GetAllOrdered(ctx context.Context, sessionID string) ([]domain.Fill, error)
}

// SessionConfig holds the per-session settings
type SessionConfig struct {
	SessionID    string
	InitialCash  decimal.Decimal
	NAVTolerance decimal.Decimal
	TxEpsilon    *decimal.Decimal // nil uses the transaction default
}

// FillResult is what RecordFill reports for an accepted fill
type FillResult struct {
	TransactionID  string          `json:"transaction_id"`
	Symbol         string          `json:"symbol"`
	Side           domain.Side     `json:"side"`
	Cash           decimal.Decimal `json:"cash"`
	Equity         decimal.Decimal `json:"equity"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	LotRealizedPnL decimal.Decimal `json:"lot_realized_pnl"`
	LotsConsumed   int             `json:"lots_consumed"`
	LotsRemaining  int             `json:"lots_remaining"`
}

// SessionSnapshot is a read model of the session state
type SessionSnapshot struct {
	SessionID   string            `json:"session_id"`
	Cash        decimal.Decimal   `json:"cash"`
	Equity      decimal.Decimal   `json:"equity"`
	RealizedPnL decimal.Decimal   `json:"realized_pnl"`
	Positions   []domain.Position `json:"positions"`
	FillCount   int               `json:"fill_count"`
}

// SessionService drives one session. All methods are serialized.
type SessionService struct {
	mu      sync.Mutex
	cfg     SessionConfig
	store   domain.StateStore
	history TradeHistoryInterface
	ledger  ledger.Ledger
	book    *lots.LotBook
	marks   pricing.Marks // last committed mark per held symbol
	log     zerolog.Logger
	now     func() time.Time
}

// NewSessionService creates a session service holding an empty ledger funded
// with cfg.InitialCash. Call Hydrate to load persisted state.
func NewSessionService(cfg SessionConfig, store domain.StateStore, history TradeHistoryInterface, log zerolog.Logger) *SessionService {
	if cfg.NAVTolerance.IsZero() {
		cfg.NAVTolerance = nav.DefaultTolerance
	}
	log = log.With().Str("service", "session").Str("session_id", cfg.SessionID).Logger()
	return &SessionService{
		cfg:     cfg,
		store:   store,
		history: history,
		ledger:  ledger.New(cfg.InitialCash),
		book:    lots.New(log),
		marks:   pricing.Marks{},
		log:     log,
		now:     time.Now,
	}
}

// SessionID returns the session this service writes
func (s *SessionService) SessionID() string { return s.cfg.SessionID }

// Hydrate loads the session from the store. A session without a cash record
// is initialized with the configured initial cash.
func (s *SessionService) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.store.GetPositions(ctx, s.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	ce, err := s.store.GetLatestCashEquity(ctx, s.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load cash/equity: %w", err)
	}
	fills, err := s.history.GetAllOrdered(ctx, s.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load fill history: %w", err)
	}

	var l ledger.Ledger
	if ce == nil {
		l = ledger.New(s.cfg.InitialCash)
		initial := domain.CashEquity{
			RecordedAt: s.now().UTC(),
			Cash:       s.cfg.InitialCash,
			Equity:     s.cfg.InitialCash,
		}
		if err := s.store.SaveCashEquity(ctx, s.cfg.SessionID, initial); err != nil {
			return fmt.Errorf("failed to initialize session: %w", err)
		}
	} else {
		l = ledger.Restore(ce.Cash, ce.Equity, ce.RealizedPnL, positions, fills)
	}

	book := lots.New(s.log)
	marks := pricing.Marks{}
	for _, p := range l.Positions() {
		records, err := s.store.GetLotBook(ctx, s.cfg.SessionID, p.Symbol)
		if err != nil {
			return fmt.Errorf("failed to load lot book for %s: %w", p.Symbol, err)
		}
		if err := book.Restore(p.Symbol, records); err != nil {
			return fmt.Errorf("failed to restore lot book for %s: %w", p.Symbol, err)
		}
		if p.MarkPrice.IsPositive() {
			marks[p.Symbol] = p.MarkPrice
		}
		if err := checkLotCoverage(l, book, p.Symbol); err != nil {
			s.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Lot book does not cover position")
		}
	}

	s.ledger, s.book, s.marks = l, book, marks
	s.observe()

	s.log.Info().
		Str("cash", l.Cash().String()).
		Str("equity", l.Equity().String()).
		Int("positions", len(l.Symbols())).
		Int("fills", l.FillCount()).
		Msg("Session hydrated")
	return nil
}

// RecordFill applies f with the cycle's marks and persists the result in one
// portfolio transaction. On any error the session state is unchanged.
func (s *SessionService) RecordFill(ctx context.Context, cycle *pricing.Cycle, f domain.Fill) (FillResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.recordFill(ctx, cycle, f)
	if err != nil {
		reason := domain.Reason(err)
		metrics.FillsRejected.WithLabelValues(string(reason)).Inc()
		s.log.Warn().
			Err(err).
			Str("reason", string(reason)).
			Str("symbol", f.Symbol).
			Str("side", string(f.Side)).
			Str("quantity", f.Quantity.String()).
			Msg("Fill rejected")
		return FillResult{}, err
	}

	metrics.FillsApplied.WithLabelValues(string(f.Side)).Inc()
	s.observe()
	s.log.Info().
		Str("tx_id", result.TransactionID).
		Str("symbol", result.Symbol).
		Str("side", string(result.Side)).
		Str("cash", result.Cash.String()).
		Str("equity", result.Equity.String()).
		Msg("Fill recorded")
	return result, nil
}

func (s *SessionService) recordFill(ctx context.Context, cycle *pricing.Cycle, f domain.Fill) (FillResult, error) {
	if f.Timestamp.IsZero() {
		f.Timestamp = s.now().UTC()
	}
	marks := s.marksFor(cycle)

	next, err := ledger.ApplyFill(s.ledger, f, marks)
	if err != nil {
		return FillResult{}, err
	}
	symbol := domain.NormalizeSymbol(f.Symbol)
	f.Symbol = symbol

	book := s.book.Clone()
	var (
		lotID    string
		consumed lots.ConsumeResult
	)
	switch f.Side {
	case domain.SideBuy:
		lotID, err = addBuyLot(book, s.ledger, f)
	case domain.SideSell:
		consumed, err = book.Consume(symbol, f.Quantity, f.Price, f.Fees)
	}
	if err != nil {
		return FillResult{}, err
	}
	if err := checkLotCoverage(next, book, symbol); err != nil {
		return FillResult{}, err
	}

	realizedDelta := next.RealizedPnL().Sub(s.ledger.RealizedPnL())
	txResult, err := transaction.Run(ctx, s.store, s.cfg.SessionID, s.ledger.Equity(), marks,
		func(tx *transaction.PortfolioTransaction) error {
			qtyDelta := f.Quantity
			if f.Side == domain.SideBuy {
				tx.StageCashDelta(f.Notional().Neg(), f.Fees)
			} else {
				tx.StageCashDelta(f.Notional(), f.Fees)
				qtyDelta = qtyDelta.Neg()
			}
			price := f.Price
			tx.StagePositionDelta(symbol, qtyDelta, &price, &price)
			stageLots(tx, book, symbol, lotID, consumed)
			tx.StageRealizedPnLDelta(realizedDelta)
			tx.StageFill(f)
			return nil
		}, s.txOptions()...)
	s.observeCommit(txResult, err)
	if err != nil {
		return FillResult{}, err
	}
	if !txResult.Committed {
		return FillResult{}, &domain.InvariantViolation{
			Check:     "transaction_" + txResult.Check,
			Expected:  txResult.ExpectedEquity,
			Actual:    txResult.StagedEquity,
			Tolerance: txResult.Epsilon,
		}
	}

	s.ledger = next
	s.book = book
	s.marks = marksAfter(marks, next)

	return FillResult{
		TransactionID:  txResult.TransactionID,
		Symbol:         symbol,
		Side:           f.Side,
		Cash:           next.Cash(),
		Equity:         next.Equity(),
		RealizedPnL:    next.RealizedPnL(),
		LotRealizedPnL: consumed.RealizedPnL,
		LotsConsumed:   consumed.LotsConsumed,
		LotsRemaining:  len(book.Lots(symbol)),
	}, nil
}

// ValidateNAV replays the fill history and compares it with the live equity.
// A nil cycle uses the last committed marks.
func (s *SessionService) ValidateNAV(ctx context.Context, cycle *pricing.Cycle) (nav.ValidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fills, err := s.history.GetAllOrdered(ctx, s.cfg.SessionID)
	if err != nil {
		return nav.ValidationResult{}, fmt.Errorf("failed to load fill history: %w", err)
	}

	marks := s.marksFor(cycle)
	computed := s.ledger.EquityAt(marks)
	rebuild := func() (decimal.Decimal, error) {
		rebuilt, err := nav.Rebuild(fills, marks, s.cfg.InitialCash)
		return rebuilt.Equity, err
	}
	if cycle != nil {
		// a cycle's marks are fixed, so one replay per fill count is enough
		key := fmt.Sprintf("nav_rebuild:%s:%d", s.cfg.SessionID, len(fills))
		replay := rebuild
		rebuild = func() (decimal.Decimal, error) { return cycle.Remember(key, replay) }
	}
	result := nav.Compare(rebuild, computed, s.cfg.NAVTolerance)

	metrics.NAVDrift.WithLabelValues(s.cfg.SessionID).Set(result.Difference.InexactFloat64())
	if result.IsValid {
		metrics.NAVChecks.WithLabelValues("valid").Inc()
		s.log.Debug().
			Str("difference", result.Difference.String()).
			Int("fills", len(fills)).
			Msg("NAV validated")
	} else {
		metrics.NAVChecks.WithLabelValues("invalid").Inc()
		s.log.Error().
			Str("rebuilt_equity", result.RebuiltEquity.String()).
			Str("computed_equity", result.ComputedEquity.String()).
			Str("difference", result.Difference.String()).
			Str("error", result.ErrorMessage).
			Msg("NAV drift detected")
	}
	return result, nil
}

// Snapshot returns the current session state
func (s *SessionService) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionSnapshot{
		SessionID:   s.cfg.SessionID,
		Cash:        s.ledger.Cash(),
		Equity:      s.ledger.Equity(),
		RealizedPnL: s.ledger.RealizedPnL(),
		Positions:   s.ledger.Positions(),
		FillCount:   s.ledger.FillCount(),
	}
}

// Lots returns the open lots of symbol in FIFO order
func (s *SessionService) Lots(symbol string) []lots.Lot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.Lots(symbol)
}

// LastMarks returns a copy of the marks of the last committed fill
func (s *SessionService) LastMarks() pricing.Marks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMarks(s.marks)
}

// marksFor overlays the cycle's prices on the last committed marks, so every
// held symbol is valued the same way by the ledger and the transaction.
// A snapshot taken for another cycle contributes nothing.
func (s *SessionService) marksFor(cycle *pricing.Cycle) pricing.Marks {
	marks := copyMarks(s.marks)
	if cycle == nil || cycle.Pricing == nil {
		return marks
	}
	if cycle.Pricing.CycleID() != cycle.ID {
		s.log.Warn().
			Str("cycle_id", cycle.ID).
			Str("snapshot_cycle_id", cycle.Pricing.CycleID()).
			Msg("Ignoring pricing snapshot from another cycle")
	}
	for _, symbol := range cycle.Pricing.Symbols() {
		if price, ok := cycle.Pricing.MarkPriceForCycle(symbol, cycle.ID); ok {
			marks[symbol] = price
		}
	}
	return marks
}

func (s *SessionService) txOptions() []transaction.Option {
	opts := []transaction.Option{
		transaction.WithLogger(s.log),
		transaction.WithClock(s.now),
	}
	if s.cfg.TxEpsilon != nil {
		opts = append(opts, transaction.WithEpsilon(*s.cfg.TxEpsilon))
	}
	return opts
}

func (s *SessionService) observe() {
	metrics.Equity.WithLabelValues(s.cfg.SessionID).Set(s.ledger.Equity().InexactFloat64())
	metrics.OpenPositions.WithLabelValues(s.cfg.SessionID).Set(float64(len(s.ledger.Symbols())))
}

func (s *SessionService) observeCommit(result transaction.Result, err error) {
	switch {
	case err != nil:
		metrics.TransactionCommits.WithLabelValues("error").Inc()
	case result.Committed:
		metrics.TransactionCommits.WithLabelValues("committed").Inc()
	default:
		metrics.TransactionCommits.WithLabelValues("rejected").Inc()
	}
	metrics.TransactionDifference.Observe(result.Difference.Abs().InexactFloat64())
}

// addBuyLot opens a lot for the part of a BUY that ends up long. The part
// covering a short opens nothing and its fee share stays off the lot.
func addBuyLot(book *lots.LotBook, l ledger.Ledger, f domain.Fill) (string, error) {
	longQty := f.Quantity
	if held, ok := l.Position(f.Symbol); ok && held.IsShort() {
		longQty = f.Quantity.Add(held.Quantity)
	}
	if !longQty.IsPositive() || money.IsFlat(longQty) {
		return "", nil
	}

	fee := f.Fees
	if !longQty.Equal(f.Quantity) {
		fee = money.Div(f.Fees.Mul(longQty), f.Quantity)
	}
	return book.AddLot(f.Symbol, longQty, f.Price, fee, f.Timestamp)
}

func stageLots(tx *transaction.PortfolioTransaction, book *lots.LotBook, symbol, addedID string, consumed lots.ConsumeResult) {
	open := make(map[string]lots.Lot)
	for _, lot := range book.Lots(symbol) {
		open[lot.ID] = lot
	}

	if lot, ok := open[addedID]; ok {
		tx.StageLotAdd(symbol, lots.ToRecord(lot))
	}
	for _, c := range consumed.Consumed {
		lot, ok := open[c.LotID]
		if c.Exhausted || !ok {
			tx.StageLotRemove(symbol, c.LotID)
			continue
		}
		remaining := lot.Quantity
		tx.StageLotUpdate(symbol, c.LotID, transaction.LotPatch{Quantity: &remaining})
	}
}

// checkLotCoverage verifies that the open lots of symbol add up to its long
// quantity.
func checkLotCoverage(l ledger.Ledger, book *lots.LotBook, symbol string) error {
	held := decimal.Zero
	if p, ok := l.Position(symbol); ok && p.IsLong() {
		held = p.Quantity
	}
	available := book.AvailableQuantity(symbol)
	if !money.Within(available, held, money.QuantityEpsilon) {
		return &domain.InvariantViolation{
			Check:     "lot_coverage",
			Expected:  held,
			Actual:    available,
			Tolerance: money.QuantityEpsilon,
		}
	}
	return nil
}

func marksAfter(marks pricing.Marks, l ledger.Ledger) pricing.Marks {
	out := pricing.Marks{}
	for _, p := range l.Positions() {
		if p.MarkPrice.IsPositive() {
			out[p.Symbol] = p.MarkPrice
		} else if m, ok := marks.MarkPrice(p.Symbol); ok {
			out[p.Symbol] = m
		}
	}
	return out
}

func copyMarks(m pricing.Marks) pricing.Marks {
	out := make(pricing.Marks, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
