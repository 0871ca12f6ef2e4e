package scheduler

import (
	"testing"

	testingpkg "github.com/aristath/sentinel-ledger/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCheckCoreDatabasesJob_Name(t *testing.T) {
	job := NewCheckCoreDatabasesJob()
	assert.Equal(t, "check_core_databases", job.Name())
}

func TestCheckCoreDatabasesJob_Run(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()

	job := NewCheckCoreDatabasesJob(db, nil)
	job.SetLogger(zerolog.New(nil).Level(zerolog.Disabled))

	assert.NoError(t, job.Run())
}

func TestCheckCoreDatabasesJob_Run_ClosedDatabase(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()
	_ = db.Close()

	job := NewCheckCoreDatabasesJob(db)

	err := job.Run()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "database ledger is corrupted")
}
