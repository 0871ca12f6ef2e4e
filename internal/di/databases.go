// Package di provides dependency injection for database connections.
package di

import (
	"fmt"

	"github.com/aristath/sentinel-ledger/internal/config"
	"github.com/aristath/sentinel-ledger/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the ledger database and applies its schema
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// ledger.db - the money trail (positions, cash/equity history, lot books, fills)
	ledgerDB, err := database.New(database.Config{
		Path:    cfg.LedgerDBPath(),
		Profile: database.ProfileLedger, // Maximum safety for the money trail
		Name:    "ledger",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	container.LedgerDB = ledgerDB

	if err := ledgerDB.Migrate(); err != nil {
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}

	log.Info().Str("path", ledgerDB.Path()).Msg("Ledger database initialized")
	return container, nil
}
