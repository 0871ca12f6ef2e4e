package config

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LEDGER_DATA_DIR", dir)
	for _, key := range []string{"LOG_LEVEL", "GO_PORT", "SESSION_ID", "INITIAL_CASH", "NAV_TOLERANCE", "TX_EPSILON", "NAV_RECONCILE_SCHEDULE"} {
		t.Setenv(key, "")
	}

	// Execute
	cfg, err := Load()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "ledger.db"), cfg.LedgerDBPath())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, "default", cfg.SessionID)
	assert.True(t, cfg.InitialCash.Equal(decimal.NewFromInt(100000)))
	assert.True(t, cfg.NAVTolerance.Equal(decimal.RequireFromString("0.01")))
	assert.Nil(t, cfg.TxEpsilon)
	assert.Equal(t, "@every 5m", cfg.NAVReconcileSchedule)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("LEDGER_DATA_DIR", t.TempDir())
	t.Setenv("GO_PORT", "9100")
	t.Setenv("SESSION_ID", "paper-1")
	t.Setenv("INITIAL_CASH", "25000.50")
	t.Setenv("TX_EPSILON", "2.5")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("NAV_RECONCILE_SCHEDULE", "0 */10 * * * *")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "paper-1", cfg.SessionID)
	assert.True(t, cfg.DevMode)
	assert.True(t, cfg.InitialCash.Equal(decimal.RequireFromString("25000.5")))
	require.NotNil(t, cfg.TxEpsilon)
	assert.True(t, cfg.TxEpsilon.Equal(decimal.RequireFromString("2.5")))
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-decimal cash", "INITIAL_CASH", "lots"},
		{"negative cash", "INITIAL_CASH", "-1"},
		{"zero tolerance", "NAV_TOLERANCE", "0"},
		{"bad epsilon", "TX_EPSILON", "abc"},
		{"negative epsilon", "TX_EPSILON", "-1"},
		{"bad schedule", "NAV_RECONCILE_SCHEDULE", "whenever"},
		{"port out of range", "GO_PORT", "70000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LEDGER_DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.value)

			cfg, err := Load()

			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}
