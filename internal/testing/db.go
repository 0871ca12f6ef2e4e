// Package testing provides testing utilities and helpers for the ledger module.
package testing

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/aristath/sentinel-ledger/internal/database"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver for in-memory databases
)

// NewTestDB creates a temporary-file SQLite database for testing with automatic schema migration.
// Returns the database instance and a cleanup function that closes the connection
// and removes the file. Unknown schema names create an empty database.
//
// Supported schema names:
//   - "ledger" - applies ledger_schema.sql
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileLedger,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(tmpPath + suffix); err != nil && !os.IsNotExist(err) {
				t.Logf("Warning: Failed to remove temporary database file %s: %v", tmpPath+suffix, err)
			}
		}
	}
}

// NewMemoryDB creates a migrated in-memory database on the mattn/go-sqlite3
// driver. Each call gets its own database.
func NewMemoryDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, strings.ReplaceAll(uuid.NewString(), "-", ""))
	db, err := database.New(database.Config{
		Path:    dsn,
		Profile: database.ProfileStandard,
		Name:    name,
		Driver:  database.DriverSQLite3,
	})
	if err != nil {
		t.Fatalf("Failed to create in-memory database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate in-memory database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close in-memory database %s: %v", name, err)
		}
	}
}
