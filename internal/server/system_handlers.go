package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel-ledger/internal/scheduler"
)

// SystemHandlers exposes the background jobs over HTTP
type SystemHandlers struct {
	log         zerolog.Logger
	startupTime time.Time
	scheduler   *scheduler.Scheduler
	jobs        map[string]scheduler.Job
}

// JobsStatusResponse is returned by GET /api/system/jobs
type JobsStatusResponse struct {
	Jobs          []string           `json:"jobs"`
	ScheduledJobs int                `json:"scheduled_jobs"`
	Schedules     []scheduler.Status `json:"schedules"`
	Uptime        string             `json:"uptime"`
}

// NewSystemHandlers creates system handlers for the given jobs
func NewSystemHandlers(log zerolog.Logger, sched *scheduler.Scheduler, jobs []scheduler.Job) *SystemHandlers {
	byName := make(map[string]scheduler.Job, len(jobs))
	for _, job := range jobs {
		byName[job.Name()] = job
	}
	return &SystemHandlers{
		log:         log.With().Str("handler", "system").Logger(),
		startupTime: time.Now(),
		scheduler:   sched,
		jobs:        byName,
	}
}

// HandleListJobs lists the jobs that can be triggered manually
func (h *SystemHandlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.jobs))
	for name := range h.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	scheduled := 0
	schedules := []scheduler.Status{}
	if h.scheduler != nil {
		scheduled = h.scheduler.Entries()
		schedules = h.scheduler.Statuses()
	}

	h.writeJSON(w, http.StatusOK, JobsStatusResponse{
		Jobs:          names,
		ScheduledJobs: scheduled,
		Schedules:     schedules,
		Uptime:        time.Since(h.startupTime).Round(time.Second).String(),
	})
}

// HandleRunJob runs one job synchronously
func (h *SystemHandlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, ok := h.jobs[name]
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job: " + name})
		return
	}

	var err error
	if h.scheduler != nil {
		err = h.scheduler.RunNow(job)
	} else {
		err = job.Run()
	}
	if err != nil {
		h.log.Error().Err(err).Str("job", name).Msg("Manual job run failed")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"job":    name,
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "completed"})
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(h.log, w, status, data)
}
