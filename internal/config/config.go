// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	DataDir              string // Base directory for the ledger database (always absolute)
	LogLevel             string
	LogPretty            bool
	Port                 int
	DevMode              bool
	SessionID            string
	InitialCash          decimal.Decimal
	NAVTolerance         decimal.Decimal
	TxEpsilon            *decimal.Decimal // nil keeps the transaction default
	NAVReconcileSchedule string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("LEDGER_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	initialCash, err := getEnvAsDecimal("INITIAL_CASH", "100000")
	if err != nil {
		return nil, err
	}
	tolerance, err := getEnvAsDecimal("NAV_TOLERANCE", "0.01")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:              absDataDir,
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogPretty:            getEnvAsBool("LOG_PRETTY", false),
		Port:                 getEnvAsInt("GO_PORT", 8001),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		SessionID:            getEnv("SESSION_ID", "default"),
		InitialCash:          initialCash,
		NAVTolerance:         tolerance,
		NAVReconcileSchedule: getEnv("NAV_RECONCILE_SCHEDULE", "@every 5m"),
	}

	if raw := os.Getenv("TX_EPSILON"); raw != "" {
		epsilon, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TX_EPSILON %q: %w", raw, err)
		}
		cfg.TxEpsilon = &epsilon
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LedgerDBPath returns the path of the ledger database
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// Validate checks the configuration values
func (c *Config) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("SESSION_ID cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid GO_PORT %d", c.Port)
	}
	if c.InitialCash.IsNegative() {
		return fmt.Errorf("INITIAL_CASH cannot be negative, got %s", c.InitialCash)
	}
	if !c.NAVTolerance.IsPositive() {
		return fmt.Errorf("NAV_TOLERANCE must be positive, got %s", c.NAVTolerance)
	}
	if c.TxEpsilon != nil && !c.TxEpsilon.IsPositive() {
		return fmt.Errorf("TX_EPSILON must be positive, got %s", c.TxEpsilon)
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.NAVReconcileSchedule); err != nil {
		return fmt.Errorf("invalid NAV_RECONCILE_SCHEDULE %q: %w", c.NAVReconcileSchedule, err)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
