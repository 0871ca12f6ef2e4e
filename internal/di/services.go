package di

import (
	"context"
	"fmt"

	"github.com/aristath/sentinel-ledger/internal/config"
	"github.com/aristath/sentinel-ledger/internal/scheduler"
	"github.com/aristath/sentinel-ledger/internal/services"
	"github.com/rs/zerolog"
)

// InitializeServices creates the session service and loads its persisted state
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.SessionService = services.NewSessionService(services.SessionConfig{
		SessionID:    cfg.SessionID,
		InitialCash:  cfg.InitialCash,
		NAVTolerance: cfg.NAVTolerance,
		TxEpsilon:    cfg.TxEpsilon,
	}, container.StateStore, container.TradeRepo, log)

	if err := container.SessionService.Hydrate(ctx); err != nil {
		return fmt.Errorf("failed to hydrate session %s: %w", cfg.SessionID, err)
	}

	container.Scheduler = scheduler.New(log)

	log.Info().Str("session_id", cfg.SessionID).Msg("Services initialized")
	return nil
}
