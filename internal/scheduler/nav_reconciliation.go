package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/sentinel-ledger/internal/modules/nav"
	"github.com/aristath/sentinel-ledger/internal/modules/pricing"
	"github.com/rs/zerolog"
)

// NAVValidatorInterface defines the session operation the reconciliation job drives
// Used by scheduler to enable testing with mocks
type NAVValidatorInterface interface {
	SessionID() string
	ValidateNAV(ctx context.Context, cycle *pricing.Cycle) (nav.ValidationResult, error)
}

// NAVReconciliationJob replays the fill history of a session and compares it
// with the live equity at the last committed marks
type NAVReconciliationJob struct {
	log     zerolog.Logger
	session NAVValidatorInterface
	timeout time.Duration

	mu   sync.Mutex
	last *nav.ValidationResult
}

// NewNAVReconciliationJob creates a new NAVReconciliationJob
func NewNAVReconciliationJob(session NAVValidatorInterface) *NAVReconciliationJob {
	return &NAVReconciliationJob{
		log:     zerolog.Nop(),
		session: session,
		timeout: 30 * time.Second,
	}
}

// SetLogger sets the logger for the job
func (j *NAVReconciliationJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *NAVReconciliationJob) Name() string {
	return "nav_reconciliation"
}

// Run executes the reconciliation. Drift is reported as an error so the
// scheduler logs it as a failed run.
func (j *NAVReconciliationJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.session.ValidateNAV(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to validate NAV for %s: %w", j.session.SessionID(), err)
	}

	j.mu.Lock()
	j.last = &result
	j.mu.Unlock()

	if !result.IsValid {
		j.log.Error().
			Str("session_id", j.session.SessionID()).
			Str("difference", result.Difference.String()).
			Str("error", result.ErrorMessage).
			Msg("NAV reconciliation failed")
		if result.ErrorMessage != "" {
			return fmt.Errorf("NAV reconciliation failed for %s: %s", j.session.SessionID(), result.ErrorMessage)
		}
		return fmt.Errorf("NAV drift of %s for %s", result.Difference, j.session.SessionID())
	}

	j.log.Info().
		Str("session_id", j.session.SessionID()).
		Str("equity", result.ComputedEquity.String()).
		Str("difference", result.Difference.String()).
		Msg("NAV reconciliation passed")
	return nil
}

// LastResult returns the outcome of the last completed run, or nil
func (j *NAVReconciliationJob) LastResult() *nav.ValidationResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return nil
	}
	r := *j.last
	return &r
}
