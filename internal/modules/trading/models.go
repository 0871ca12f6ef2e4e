package trading

import (
	"time"

	"github.com/aristath/sentinel-ledger/internal/domain"
)

// Trade is a fill as recorded in the trade log
type Trade struct {
	ID            int64       `json:"id"`
	FillID        string      `json:"fill_id"`
	SessionID     string      `json:"session_id"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Fill          domain.Fill `json:"fill"`
	CreatedAt     time.Time   `json:"created_at"`
}
