package di

import (
	"fmt"

	"github.com/aristath/sentinel-ledger/internal/config"
	"github.com/aristath/sentinel-ledger/internal/scheduler"
	"github.com/rs/zerolog"
)

const (
	walCheckpointSchedule = "0 */15 * * * *" // every 15 minutes
	integritySchedule     = "0 0 3 * * *"    // daily at 03:00
)

// RegisterJobs creates the background jobs and schedules them
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	jobs := &JobInstances{}

	jobs.NAVReconciliation = scheduler.NewNAVReconciliationJob(container.SessionService)
	jobs.NAVReconciliation.SetLogger(log)
	if err := container.Scheduler.AddJob(cfg.NAVReconcileSchedule, jobs.NAVReconciliation); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", jobs.NAVReconciliation.Name(), err)
	}

	jobs.CheckWALCheckpoints = scheduler.NewCheckWALCheckpointsJob(container.LedgerDB)
	jobs.CheckWALCheckpoints.SetLogger(log)
	if err := container.Scheduler.AddJob(walCheckpointSchedule, jobs.CheckWALCheckpoints); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", jobs.CheckWALCheckpoints.Name(), err)
	}

	jobs.CheckCoreDatabases = scheduler.NewCheckCoreDatabasesJob(container.LedgerDB)
	jobs.CheckCoreDatabases.SetLogger(log)
	if err := container.Scheduler.AddJob(integritySchedule, jobs.CheckCoreDatabases); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", jobs.CheckCoreDatabases.Name(), err)
	}

	log.Info().Int("jobs", container.Scheduler.Entries()).Msg("Jobs registered")
	return jobs, nil
}
