package di

import (
	"github.com/aristath/sentinel-ledger/internal/modules/portfolio"
	"github.com/aristath/sentinel-ledger/internal/modules/trading"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates the repositories over the ledger database
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	container.TradeRepo = trading.NewTradeRepository(container.LedgerDB.Conn(), log)
	container.StateStore = portfolio.NewStateStore(container.LedgerDB.Conn(), container.TradeRepo, log)

	log.Info().Msg("Repositories initialized")
	return nil
}
