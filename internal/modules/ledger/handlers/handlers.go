// Package handlers provides HTTP handlers for the session ledger.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/modules/lots"
	"github.com/aristath/sentinel-ledger/internal/modules/nav"
	"github.com/aristath/sentinel-ledger/internal/modules/pricing"
	"github.com/aristath/sentinel-ledger/internal/modules/trading"
	"github.com/aristath/sentinel-ledger/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SessionServiceInterface defines the session operations exposed over HTTP
type SessionServiceInterface interface {
	SessionID() string
	Snapshot() services.SessionSnapshot
	Lots(symbol string) []lots.Lot
	LastMarks() pricing.Marks
	RecordFill(ctx context.Context, cycle *pricing.Cycle, f domain.Fill) (services.FillResult, error)
	ValidateNAV(ctx context.Context, cycle *pricing.Cycle) (nav.ValidationResult, error)
}

// TradeHistoryInterface defines the fill log reads exposed over HTTP
type TradeHistoryInterface interface {
	GetHistory(ctx context.Context, sessionID string, limit int) ([]trading.Trade, error)
}

// Handler handles ledger HTTP requests
type Handler struct {
	session SessionServiceInterface
	trades  TradeHistoryInterface
	log     zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(session SessionServiceInterface, trades TradeHistoryInterface, log zerolog.Logger) *Handler {
	return &Handler{
		session: session,
		trades:  trades,
		log:     log.With().Str("handler", "ledger").Logger(),
	}
}

// RecordFillRequest is the body of POST /ledger/fills
type RecordFillRequest struct {
	Symbol     string                     `json:"symbol"`
	Side       string                     `json:"side"`
	Quantity   decimal.Decimal            `json:"qty"`
	Price      decimal.Decimal            `json:"price"`
	Fees       decimal.Decimal            `json:"fees"`
	Timestamp  *time.Time                 `json:"timestamp,omitempty"`
	Strategy   string                     `json:"strategy,omitempty"`
	StopLoss   *decimal.Decimal           `json:"sl,omitempty"`
	TakeProfit *decimal.Decimal           `json:"tp,omitempty"`
	Metadata   map[string]string          `json:"metadata,omitempty"`
	Marks      map[string]decimal.Decimal `json:"marks,omitempty"` // pricing snapshot for this cycle
}

// PositionResponse is one position with its open lots
type PositionResponse struct {
	domain.Position
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LotCount      int             `json:"lot_count"`
}

// LotResponse is the API form of an open lot
type LotResponse struct {
	ID               string          `json:"lot_id"`
	Quantity         decimal.Decimal `json:"qty"`
	OriginalQuantity decimal.Decimal `json:"original_quantity"`
	CostPrice        decimal.Decimal `json:"cost_price"`
	Fee              decimal.Decimal `json:"fee"`
	FeeRemaining     decimal.Decimal `json:"fee_remaining"`
	Timestamp        time.Time       `json:"timestamp"`
}

// HandleGetLedger returns cash, equity, realized P&L and open positions
func (h *Handler) HandleGetLedger(w http.ResponseWriter, r *http.Request) {
	snap := h.session.Snapshot()

	positions := make([]PositionResponse, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		mark := p.MarkPrice
		if mark.IsZero() {
			mark = p.AvgCost
		}
		positions = append(positions, PositionResponse{
			Position:      p,
			UnrealizedPnL: mark.Sub(p.AvgCost).Mul(p.Quantity),
			LotCount:      len(h.session.Lots(p.Symbol)),
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":   snap.SessionID,
		"cash":         snap.Cash,
		"equity":       snap.Equity,
		"realized_pnl": snap.RealizedPnL,
		"fill_count":   snap.FillCount,
		"positions":    positions,
	})
}

// HandleGetLots returns the open lots of one symbol in FIFO order
func (h *Handler) HandleGetLots(w http.ResponseWriter, r *http.Request) {
	symbol := domain.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if symbol == "" {
		h.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	open := h.session.Lots(symbol)
	result := make([]LotResponse, 0, len(open))
	total := decimal.Zero
	for _, lot := range open {
		total = total.Add(lot.Quantity)
		result = append(result, LotResponse{
			ID:               lot.ID,
			Quantity:         lot.Quantity,
			OriginalQuantity: lot.OriginalQuantity,
			CostPrice:        lot.CostPrice,
			Fee:              lot.Fee,
			FeeRemaining:     lot.FeeRemaining(),
			Timestamp:        lot.Timestamp,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":   symbol,
		"quantity": total,
		"lots":     result,
	})
}

// HandleGetFills returns the most recent fills, newest first
func (h *Handler) HandleGetFills(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	trades, err := h.trades.GetHistory(r.Context(), h.session.SessionID(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load fill history")
		h.writeError(w, http.StatusInternalServerError, "failed to load fill history")
		return
	}
	if trades == nil {
		trades = []trading.Trade{}
	}
	h.writeJSON(w, http.StatusOK, trades)
}

// HandleRecordFill applies one fill to the session
func (h *Handler) HandleRecordFill(w http.ResponseWriter, r *http.Request) {
	var req RecordFillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "invalid request body",
			"reason": string(domain.ReasonValidation),
		})
		return
	}

	side, err := domain.SideFromString(req.Side)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	opts := []domain.FillOption{domain.WithStrategy(req.Strategy), domain.WithMetadata(req.Metadata)}
	if req.StopLoss != nil {
		opts = append(opts, domain.WithStopLoss(*req.StopLoss))
	}
	if req.TakeProfit != nil {
		opts = append(opts, domain.WithTakeProfit(*req.TakeProfit))
	}

	f, err := domain.NewFill(req.Symbol, side, req.Quantity, req.Price, req.Fees, ts, opts...)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	result, err := h.session.RecordFill(r.Context(), pricing.NewCycle(ts, req.Marks), f)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// HandleValidateNAV replays the fill history at the last committed marks
func (h *Handler) HandleValidateNAV(w http.ResponseWriter, r *http.Request) {
	result, err := h.session.ValidateNAV(r.Context(), nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to validate NAV")
		h.writeError(w, http.StatusInternalServerError, "failed to validate NAV")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"result": result,
		"marks":  h.session.LastMarks(),
	})
}

// statusForError maps a ledger error onto an HTTP status
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidFill):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientCash),
		errors.Is(err, domain.ErrInsufficientPosition),
		errors.Is(err, domain.ErrInsufficientLots):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure reports a rejected fill with its reason code
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusForError(err), map[string]string{
		"error":  err.Error(),
		"reason": string(domain.Reason(err)),
	})
}
