// Package main is the entry point for the Sentinel ledger service.
// The service keeps one trading session's portfolio ledger: it applies fills
// atomically, tracks FIFO tax lots, persists state to SQLite and reconciles the
// live NAV against a replay of the fill log.
//
// The application follows the same layering as the rest of Sentinel:
// - Domain layer is pure (no infrastructure dependencies)
// - Dependency injection via DI container
// - Repository pattern for data access
// - Service layer for business logic
// - HTTP handlers for API endpoints
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/sentinel-ledger/internal/config"
	"github.com/aristath/sentinel-ledger/internal/di"
	"github.com/aristath/sentinel-ledger/internal/server"
	"github.com/aristath/sentinel-ledger/pkg/logger"
)

// main is the application entry point. Startup sequence:
// 1. Loads configuration from environment variables (.env file supported)
// 2. Initializes logging system
// 3. Wires all dependencies via DI container (database, repositories, session, jobs)
// 4. Starts the scheduler and the HTTP server
// 5. Waits for shutdown signal and performs graceful shutdown
func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("session_id", cfg.SessionID).
		Str("data_dir", cfg.DataDir).
		Msg("Starting Sentinel ledger")

	// Wire all dependencies using DI container
	// The session is hydrated from ledger.db before the server accepts fills.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, jobs, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	// The ledger database must be closed so the WAL is checkpointed
	defer container.Close()

	srv := server.New(server.Config{
		Log:       log,
		LedgerDB:  container.LedgerDB,
		Session:   container.SessionService,
		Trades:    container.TradeRepo,
		Scheduler: container.Scheduler,
		Jobs:      jobs.All(),
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	container.Scheduler.Start()

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	// Stop scheduler first so no reconciliation runs against a closing database
	container.Scheduler.Stop()

	// Graceful shutdown
	// In-flight fills get up to 10 seconds to finish.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
