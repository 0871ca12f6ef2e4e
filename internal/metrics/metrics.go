// Package metrics provides Prometheus instrumentation for the ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FillsApplied counts fills committed to a session, partitioned by side.
	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ledger_fills_applied_total",
		Help: "Total number of fills applied to the ledger",
	}, []string{"side"})

	// FillsRejected counts fills rejected, partitioned by reason code.
	FillsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ledger_fills_rejected_total",
		Help: "Total number of fills rejected by the ledger",
	}, []string{"reason"})

	// TransactionCommits counts portfolio transaction commits by outcome.
	TransactionCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ledger_transaction_commits_total",
		Help: "Portfolio transaction commits by result",
	}, []string{"result"})

	// TransactionDifference tracks |staged - expected| equity at commit.
	TransactionDifference = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_ledger_transaction_difference",
		Help:    "Absolute equity difference observed at commit",
		Buckets: []float64{0.000001, 0.0001, 0.01, 0.1, 1, 10, 100, 1000},
	})

	// NAVDrift is the last |rebuilt - computed| equity per session.
	NAVDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_ledger_nav_drift",
		Help: "Absolute drift between replayed and live equity",
	}, []string{"session"})

	// NAVChecks counts NAV validations by outcome.
	NAVChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ledger_nav_checks_total",
		Help: "NAV validations by result",
	}, []string{"result"})

	// Equity is the current live equity per session.
	Equity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_ledger_equity",
		Help: "Current session equity",
	}, []string{"session"})

	// OpenPositions tracks the number of open positions per session.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_ledger_open_positions",
		Help: "Number of open positions",
	}, []string{"session"})

	// JobRuns counts background job runs by job, trigger and result.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ledger_job_runs_total",
		Help: "Background job runs",
	}, []string{"job", "trigger", "result"})

	// JobDuration tracks how long background jobs take.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_ledger_job_duration_seconds",
		Help:    "Background job duration in seconds",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"job"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern uses the chi route pattern to keep label cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
