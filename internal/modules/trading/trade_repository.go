package trading

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/sentinel-ledger/internal/database"
	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/money"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TradeRepository handles the append-only fill log in the ledger database
type TradeRepository struct {
	ledgerDB *sql.DB // ledger.db - fills table
	log      zerolog.Logger
}

// fillsColumns is the list of columns for the fills table
// Column order must match scanTrade()
const fillsColumns = `id, fill_id, session_id, transaction_id, symbol, side, quantity, price, fees,
	strategy, stop_loss, take_profit, metadata, executed_at, created_at`

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(ledgerDB *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "trade").Logger(),
	}
}

// Create appends a single fill outside of any portfolio transaction
func (r *TradeRepository) Create(ctx context.Context, sessionID string, f domain.Fill) (string, error) {
	fillID, err := r.insert(ctx, r.ledgerDB, sessionID, "", f)
	if err != nil {
		return "", err
	}

	r.log.Info().
		Str("symbol", f.Symbol).
		Str("side", string(f.Side)).
		Str("quantity", f.Quantity.String()).
		Msg("Fill recorded")
	return fillID, nil
}

// InsertTx appends a fill inside tx. Used by the state store so that fills
// land in the same write as the balances they explain.
func (r *TradeRepository) InsertTx(ctx context.Context, tx *sql.Tx, sessionID, transactionID string, f domain.Fill) (string, error) {
	return r.insert(ctx, tx, sessionID, transactionID, f)
}

func (r *TradeRepository) insert(ctx context.Context, db execer, sessionID, transactionID string, f domain.Fill) (string, error) {
	if err := f.Validate(); err != nil {
		return "", fmt.Errorf("failed to record fill: %w", err)
	}

	var metadata sql.NullString
	if len(f.Metadata) > 0 {
		raw, err := json.Marshal(f.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal fill metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	executedAt := f.Timestamp
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	fillID := uuid.NewString()
	query := `
		INSERT INTO fills
		(fill_id, session_id, transaction_id, symbol, side, quantity, price, fees,
		 strategy, stop_loss, take_profit, metadata, executed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		fillID,
		sessionID,
		nullString(transactionID),
		domain.NormalizeSymbol(f.Symbol),
		string(f.Side),
		f.Quantity.String(),
		f.Price.String(),
		f.Fees.String(),
		nullString(f.Strategy),
		nullDecimal(f.StopLoss),
		nullDecimal(f.TakeProfit),
		metadata,
		database.FormatTime(executedAt),
		database.FormatTime(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record fill: %w", err)
	}
	return fillID, nil
}

// GetHistory returns the most recently applied fills for a session, newest
// first
func (r *TradeRepository) GetHistory(ctx context.Context, sessionID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + fillsColumns + ` FROM fills
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`

	return r.query(ctx, query, sessionID, limit)
}

// GetBySymbol returns a session's fills for one symbol in applied order
func (r *TradeRepository) GetBySymbol(ctx context.Context, sessionID, symbol string) ([]Trade, error) {
	query := "SELECT " + fillsColumns + ` FROM fills
		WHERE session_id = ? AND symbol = ?
		ORDER BY id ASC`

	return r.query(ctx, query, sessionID, domain.NormalizeSymbol(symbol))
}

// GetAllOrdered returns every fill of the session in the order the ledger
// applied them, which is the order NAV reconciliation replays them in.
// executed_at comes from the caller and is not used for ordering.
func (r *TradeRepository) GetAllOrdered(ctx context.Context, sessionID string) ([]domain.Fill, error) {
	query := "SELECT " + fillsColumns + ` FROM fills
		WHERE session_id = ?
		ORDER BY id ASC`

	trades, err := r.query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	fills := make([]domain.Fill, 0, len(trades))
	for _, t := range trades {
		fills = append(fills, t.Fill)
	}
	return fills, nil
}

// Count returns the number of fills recorded for a session
func (r *TradeRepository) Count(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.ledgerDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM fills WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fills: %w", err)
	}
	return count, nil
}

func (r *TradeRepository) query(ctx context.Context, query string, args ...interface{}) ([]Trade, error) {
	rows, err := r.ledgerDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fills: %w", err)
	}
	return trades, nil
}

func scanTrade(rows *sql.Rows) (Trade, error) {
	var (
		t                              Trade
		transactionID, strategy        sql.NullString
		stopLoss, takeProfit, metadata sql.NullString
		side, qty, price, fees         string
		executedAt, createdAt          string
	)

	err := rows.Scan(
		&t.ID,
		&t.FillID,
		&t.SessionID,
		&transactionID,
		&t.Fill.Symbol,
		&side,
		&qty,
		&price,
		&fees,
		&strategy,
		&stopLoss,
		&takeProfit,
		&metadata,
		&executedAt,
		&createdAt,
	)
	if err != nil {
		return Trade{}, fmt.Errorf("failed to scan fill: %w", err)
	}

	t.TransactionID = transactionID.String
	t.Fill.Strategy = strategy.String
	if t.Fill.Side, err = domain.SideFromString(side); err != nil {
		return Trade{}, fmt.Errorf("failed to scan fill %d: %w", t.ID, err)
	}
	if t.Fill.Quantity, err = money.Parse(qty); err != nil {
		return Trade{}, fmt.Errorf("failed to parse quantity of fill %d: %w", t.ID, err)
	}
	if t.Fill.Price, err = money.Parse(price); err != nil {
		return Trade{}, fmt.Errorf("failed to parse price of fill %d: %w", t.ID, err)
	}
	if t.Fill.Fees, err = money.Parse(fees); err != nil {
		return Trade{}, fmt.Errorf("failed to parse fees of fill %d: %w", t.ID, err)
	}
	if t.Fill.StopLoss, err = parseNullDecimal(stopLoss); err != nil {
		return Trade{}, fmt.Errorf("failed to parse stop loss of fill %d: %w", t.ID, err)
	}
	if t.Fill.TakeProfit, err = parseNullDecimal(takeProfit); err != nil {
		return Trade{}, fmt.Errorf("failed to parse take profit of fill %d: %w", t.ID, err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Fill.Metadata); err != nil {
			return Trade{}, fmt.Errorf("failed to unmarshal metadata of fill %d: %w", t.ID, err)
		}
	}
	if t.Fill.Timestamp, err = database.ParseTime(executedAt); err != nil {
		return Trade{}, err
	}
	if t.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return Trade{}, err
	}
	return t, nil
}

func nullString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func nullDecimal(val *decimal.Decimal) sql.NullString {
	if val == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: val.String(), Valid: true}
}

func parseNullDecimal(val sql.NullString) (*decimal.Decimal, error) {
	if !val.Valid || val.String == "" {
		return nil, nil
	}
	d, err := money.Parse(val.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
