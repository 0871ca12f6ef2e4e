// Package scheduler runs the ledger's background jobs on cron schedules:
// NAV reconciliation of the live session and maintenance of the ledger
// database.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/sentinel-ledger/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of background work. Name must be unique per scheduler.
type Job interface {
	Run() error
	Name() string
}

// Status reports a registered job and its most recent run
type Status struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

type registration struct {
	id       cron.EntryID
	schedule string
	lastRun  time.Time
	lastErr  error
	runs     int
}

// Scheduler runs registered jobs on six-field cron schedules (seconds
// first). A job still running when its next tick fires is skipped, and a
// panicking job is logged instead of taking the process down.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*registration
}

// New creates a stopped scheduler
func New(log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:  log,
		jobs: make(map[string]*registration),
	}
}

// Start begins firing registered jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", s.Entries()).Msg("Scheduler started")
}

// Stop stops firing jobs and waits for running ones to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers job on schedule, e.g. "0 */15 * * * *" for every quarter
// hour or "@every 5m". Registering a second job under the same name fails.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	name := job.Name()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s is already registered", name)
	}

	id, err := s.cron.AddFunc(schedule, func() {
		_ = s.run(job, "cron")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	s.jobs[name] = &registration{id: id, schedule: schedule}

	s.log.Info().
		Str("job", name).
		Str("schedule", schedule).
		Msg("Job registered")
	return nil
}

// Entries returns the number of scheduled jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// RunNow runs job synchronously outside its schedule and returns its error
func (s *Scheduler) RunNow(job Job) error {
	return s.run(job, "manual")
}

// Statuses returns the registered jobs sorted by name
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.jobs))
	for name, r := range s.jobs {
		st := Status{
			Name:     name,
			Schedule: r.schedule,
			NextRun:  s.cron.Entry(r.id).Next,
			LastRun:  r.lastRun,
			Runs:     r.runs,
		}
		if r.lastErr != nil {
			st.LastError = r.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) run(job Job, trigger string) error {
	name := job.Name()
	log := s.log.With().Str("job", name).Str("trigger", trigger).Logger()
	log.Debug().Msg("Running job")

	start := time.Now()
	err := job.Run()
	elapsed := time.Since(start)

	s.mu.Lock()
	if r, ok := s.jobs[name]; ok {
		r.lastRun = start
		r.lastErr = err
		r.runs++
	}
	s.mu.Unlock()

	result := "completed"
	if err != nil {
		result = "failed"
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("Job failed")
	} else {
		log.Debug().Dur("elapsed", elapsed).Msg("Job completed")
	}
	metrics.JobRuns.WithLabelValues(name, trigger, result).Inc()
	metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	return err
}

// cronLogger routes the cron library's own messages, such as skipped
// overlapping runs and recovered panics, through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
