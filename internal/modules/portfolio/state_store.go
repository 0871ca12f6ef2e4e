// Package portfolio persists session portfolio state in the ledger database.
package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/sentinel-ledger/internal/database"
	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/modules/lots"
	"github.com/aristath/sentinel-ledger/internal/modules/trading"
	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// StateStore is the SQLite implementation of domain.StateStore.
// Every error it returns is a *domain.StoreError.
type StateStore struct {
	ledgerDB *sql.DB // ledger.db - positions, lot_books, cash_equity
	trades   *trading.TradeRepository
	log      zerolog.Logger
	now      func() time.Time
}

// dbtx is satisfied by *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var _ domain.StateStore = (*StateStore)(nil)

// NewStateStore creates a new state store. trades receives the fills of
// applied batches.
func NewStateStore(ledgerDB *sql.DB, trades *trading.TradeRepository, log zerolog.Logger) *StateStore {
	return &StateStore{
		ledgerDB: ledgerDB,
		trades:   trades,
		log:      log.With().Str("repo", "state_store").Logger(),
		now:      time.Now,
	}
}

// GetPositions returns the session's open positions sorted by symbol
func (s *StateStore) GetPositions(ctx context.Context, sessionID string) ([]domain.Position, error) {
	rows, err := s.ledgerDB.QueryContext(ctx, `
		SELECT symbol, quantity, avg_cost, mark_price
		FROM positions
		WHERE session_id = ?
		ORDER BY symbol`, sessionID)
	if err != nil {
		return nil, domain.NewStoreError("get_positions", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var symbol, qty, avg, mark string
		if err := rows.Scan(&symbol, &qty, &avg, &mark); err != nil {
			return nil, domain.NewStoreError("get_positions", fmt.Errorf("failed to scan position: %w", err))
		}
		p, err := parsePosition(symbol, qty, avg, mark)
		if err != nil {
			return nil, domain.NewStoreError("get_positions", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("get_positions", err)
	}
	return positions, nil
}

// SavePosition upserts a position. A flat position is deleted.
func (s *StateStore) SavePosition(ctx context.Context, sessionID string, position domain.Position) error {
	return domain.NewStoreError("save_position", s.savePosition(ctx, s.ledgerDB, sessionID, position))
}

// GetLotBook returns the symbol's lot records in FIFO order
func (s *StateStore) GetLotBook(ctx context.Context, sessionID, symbol string) ([]domain.LotRecord, error) {
	var payload []byte
	err := s.ledgerDB.QueryRowContext(ctx,
		"SELECT payload FROM lot_books WHERE session_id = ? AND symbol = ?",
		sessionID, domain.NormalizeSymbol(symbol)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return []domain.LotRecord{}, nil
	}
	if err != nil {
		return nil, domain.NewStoreError("get_lot_book", err)
	}

	snap, err := lots.DecodeSnapshot(payload)
	if err != nil {
		return nil, domain.NewStoreError("get_lot_book", err)
	}
	if snap.Lots == nil {
		return []domain.LotRecord{}, nil
	}
	return snap.Lots, nil
}

// SetLotBook replaces the symbol's lot records. An empty list deletes them.
func (s *StateStore) SetLotBook(ctx context.Context, sessionID, symbol string, records []domain.LotRecord) error {
	return domain.NewStoreError("set_lot_book", s.setLotBook(ctx, s.ledgerDB, sessionID, symbol, records))
}

// GetLatestCashEquity returns the newest cash/equity record, or nil
func (s *StateStore) GetLatestCashEquity(ctx context.Context, sessionID string) (*domain.CashEquity, error) {
	ce, err := latestCashEquity(ctx, s.ledgerDB, sessionID)
	if err != nil {
		return nil, domain.NewStoreError("get_latest_cash_equity", err)
	}
	return ce, nil
}

// SaveCashEquity appends a cash/equity record
func (s *StateStore) SaveCashEquity(ctx context.Context, sessionID string, ce domain.CashEquity) error {
	return domain.NewStoreError("save_cash_equity", s.insertCashEquity(ctx, s.ledgerDB, sessionID, "", ce))
}

// DebitCash removes amount+fees from the latest balance. It returns false
// and writes nothing when the balance cannot cover it.
func (s *StateStore) DebitCash(ctx context.Context, sessionID string, amount, fees decimal.Decimal) (bool, error) {
	debited := false
	err := database.WithTransaction(ctx, s.ledgerDB, func(tx *sql.Tx) error {
		ce, err := latestCashEquity(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		current := domain.CashEquity{}
		if ce != nil {
			current = *ce
		}

		total := amount.Add(fees)
		if current.Cash.LessThan(total) {
			s.log.Debug().
				Str("session_id", sessionID).
				Str("cash", current.Cash.String()).
				Str("requested", total.String()).
				Msg("Debit rejected: insufficient cash")
			return nil
		}

		current.Cash = current.Cash.Sub(total)
		current.Equity = current.Equity.Sub(total)
		current.RecordedAt = s.now()
		debited = true
		return s.insertCashEquity(ctx, tx, sessionID, "", current)
	})
	if err != nil {
		return false, domain.NewStoreError("debit_cash", err)
	}
	return debited, nil
}

// CreditCash adds amount-fees to the latest balance
func (s *StateStore) CreditCash(ctx context.Context, sessionID string, amount, fees decimal.Decimal) (bool, error) {
	err := database.WithTransaction(ctx, s.ledgerDB, func(tx *sql.Tx) error {
		ce, err := latestCashEquity(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		current := domain.CashEquity{}
		if ce != nil {
			current = *ce
		}

		net := amount.Sub(fees)
		current.Cash = current.Cash.Add(net)
		current.Equity = current.Equity.Add(net)
		current.RecordedAt = s.now()
		return s.insertCashEquity(ctx, tx, sessionID, "", current)
	})
	if err != nil {
		return false, domain.NewStoreError("credit_cash", err)
	}
	return true, nil
}

// ApplyBatch writes a committed transaction in one SQL transaction
func (s *StateStore) ApplyBatch(ctx context.Context, sessionID string, batch domain.Batch) error {
	err := database.WithTransaction(ctx, s.ledgerDB, func(tx *sql.Tx) error {
		if err := s.insertCashEquity(ctx, tx, sessionID, batch.TransactionID, batch.CashEquity); err != nil {
			return err
		}
		for _, p := range batch.Positions {
			if err := s.savePosition(ctx, tx, sessionID, p); err != nil {
				return err
			}
		}
		for _, symbol := range batch.ClosedSymbols {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM positions WHERE session_id = ? AND symbol = ?",
				sessionID, domain.NormalizeSymbol(symbol)); err != nil {
				return fmt.Errorf("failed to delete position %s: %w", symbol, err)
			}
		}
		for symbol, records := range batch.LotBooks {
			if err := s.setLotBook(ctx, tx, sessionID, symbol, records); err != nil {
				return err
			}
		}
		for _, f := range batch.Fills {
			if _, err := s.trades.InsertTx(ctx, tx, sessionID, batch.TransactionID, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.NewStoreError("apply_batch", err)
	}

	s.log.Debug().
		Str("session_id", sessionID).
		Str("tx_id", batch.TransactionID).
		Int("positions", len(batch.Positions)).
		Int("closed", len(batch.ClosedSymbols)).
		Int("lot_books", len(batch.LotBooks)).
		Int("fills", len(batch.Fills)).
		Msg("Batch applied")
	return nil
}

func (s *StateStore) savePosition(ctx context.Context, db dbtx, sessionID string, p domain.Position) error {
	symbol := domain.NormalizeSymbol(p.Symbol)
	if symbol == "" {
		return domain.NewValidationError("symbol", "symbol cannot be empty")
	}

	if p.IsFlat() {
		if _, err := db.ExecContext(ctx,
			"DELETE FROM positions WHERE session_id = ? AND symbol = ?", sessionID, symbol); err != nil {
			return fmt.Errorf("failed to delete position %s: %w", symbol, err)
		}
		return nil
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO positions (session_id, symbol, quantity, avg_cost, mark_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			mark_price = excluded.mark_price,
			updated_at = excluded.updated_at`,
		sessionID, symbol,
		p.Quantity.String(), p.AvgCost.String(), p.MarkPrice.String(),
		database.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", symbol, err)
	}
	return nil
}

func (s *StateStore) setLotBook(ctx context.Context, db dbtx, sessionID, symbol string, records []domain.LotRecord) error {
	symbol = domain.NormalizeSymbol(symbol)
	if len(records) == 0 {
		if _, err := db.ExecContext(ctx,
			"DELETE FROM lot_books WHERE session_id = ? AND symbol = ?", sessionID, symbol); err != nil {
			return fmt.Errorf("failed to delete lot book %s: %w", symbol, err)
		}
		return nil
	}

	payload, err := lots.EncodeSnapshot(symbol, records)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO lot_books (session_id, symbol, payload, lot_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, symbol) DO UPDATE SET
			payload = excluded.payload,
			lot_count = excluded.lot_count,
			updated_at = excluded.updated_at`,
		sessionID, symbol, payload, len(records), database.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save lot book %s: %w", symbol, err)
	}
	return nil
}

func (s *StateStore) insertCashEquity(ctx context.Context, db dbtx, sessionID, transactionID string, ce domain.CashEquity) error {
	recordedAt := ce.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}
	var txID sql.NullString
	if transactionID != "" {
		txID = sql.NullString{String: transactionID, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO cash_equity (session_id, cash, equity, realized_pnl, transaction_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, ce.Cash.String(), ce.Equity.String(), ce.RealizedPnL.String(), txID,
		database.FormatTime(recordedAt))
	if err != nil {
		return fmt.Errorf("failed to insert cash/equity record: %w", err)
	}
	return nil
}

func latestCashEquity(ctx context.Context, db dbtx, sessionID string) (*domain.CashEquity, error) {
	var cash, equity, realized, recordedAt string
	err := db.QueryRowContext(ctx, `
		SELECT cash, equity, realized_pnl, recorded_at
		FROM cash_equity
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT 1`, sessionID).Scan(&cash, &equity, &realized, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest cash/equity: %w", err)
	}

	ce := &domain.CashEquity{}
	if ce.Cash, err = money.Parse(cash); err != nil {
		return nil, fmt.Errorf("failed to parse cash: %w", err)
	}
	if ce.Equity, err = money.Parse(equity); err != nil {
		return nil, fmt.Errorf("failed to parse equity: %w", err)
	}
	if ce.RealizedPnL, err = money.Parse(realized); err != nil {
		return nil, fmt.Errorf("failed to parse realized pnl: %w", err)
	}
	if ce.RecordedAt, err = database.ParseTime(recordedAt); err != nil {
		return nil, err
	}
	return ce, nil
}

func parsePosition(symbol, qty, avg, mark string) (domain.Position, error) {
	p := domain.Position{Symbol: symbol}
	var err error
	if p.Quantity, err = money.Parse(qty); err != nil {
		return p, fmt.Errorf("failed to parse quantity of %s: %w", symbol, err)
	}
	if p.AvgCost, err = money.Parse(avg); err != nil {
		return p, fmt.Errorf("failed to parse avg cost of %s: %w", symbol, err)
	}
	if p.MarkPrice, err = money.Parse(mark); err != nil {
		return p, fmt.Errorf("failed to parse mark price of %s: %w", symbol, err)
	}
	return p, nil
}
