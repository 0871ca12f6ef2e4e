/**
 * Package di provides dependency injection type definitions.
 *
 * This package defines the Container type which holds all application dependencies.
 * The Container is the single source of truth for all service instances and is
 * passed to the server and the scheduler.
 */
package di

import (
	"github.com/aristath/sentinel-ledger/internal/database"
	"github.com/aristath/sentinel-ledger/internal/modules/portfolio"
	"github.com/aristath/sentinel-ledger/internal/modules/trading"
	"github.com/aristath/sentinel-ledger/internal/scheduler"
	"github.com/aristath/sentinel-ledger/internal/services"
)

// Container holds all application dependencies
type Container struct {
	// Databases
	LedgerDB *database.DB // ledger.db - positions, cash/equity history, lot books, fills

	// Repositories
	TradeRepo  *trading.TradeRepository
	StateStore *portfolio.StateStore

	// Services
	SessionService *services.SessionService

	// Scheduler
	Scheduler *scheduler.Scheduler
}

// JobInstances holds the registered background jobs
type JobInstances struct {
	NAVReconciliation   *scheduler.NAVReconciliationJob
	CheckWALCheckpoints *scheduler.CheckWALCheckpointsJob
	CheckCoreDatabases  *scheduler.CheckCoreDatabasesJob
}

// All returns every job, in registration order
func (j *JobInstances) All() []scheduler.Job {
	return []scheduler.Job{j.NAVReconciliation, j.CheckWALCheckpoints, j.CheckCoreDatabases}
}

// Close releases the container's resources
func (c *Container) Close() error {
	if c.LedgerDB != nil {
		return c.LedgerDB.Close()
	}
	return nil
}
