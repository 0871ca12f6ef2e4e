package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", h.HandleGetLedger)            // Cash, equity and positions
		r.Get("/lots/{symbol}", h.HandleGetLots) // FIFO lots of one symbol
		r.Get("/fills", h.HandleGetFills)        // Fill history, newest first
		r.Post("/fills", h.HandleRecordFill)     // Apply a fill
		r.Get("/nav", h.HandleValidateNAV)       // NAV reconciliation
	})
}
