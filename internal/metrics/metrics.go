// Package metrics exposes Prometheus collectors for the analyzer service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

// Job outcomes recorded by ObserveJob.
const (
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
	JobDelayed   = "delayed"
)

var (
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	auditDurationSeconds       *prometheus.HistogramVec
	schedulerRunsTotal         *prometheus.CounterVec
	schedulerJobsEnqueued      prometheus.Counter
	queueJobs                  *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_jobs_total",
				Help: "Total number of analysis jobs processed, labeled by outcome.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "analyzer_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		auditDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analyzer_audit_duration_seconds",
				Help:    "Histogram of single audit durations, labeled by device and mode.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"device", "mode"},
		)

		schedulerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_scheduler_runs_total",
				Help: "Total number of scheduling passes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		schedulerJobsEnqueued = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analyzer_scheduler_jobs_enqueued_total",
				Help: "Total number of jobs created by the scheduler.",
			},
		)

		queueJobs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "analyzer_queue_jobs",
				Help: "Number of jobs in the queue, labeled by state.",
			},
			[]string{"state"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analyzer_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit waits before an audit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveAudit records the duration of one audit. mode is "natural" or "injection".
func ObserveAudit(device analysis.Device, mode string, duration time.Duration) {
	auditDurationSeconds.WithLabelValues(string(device), mode).Observe(duration.Seconds())
}

// ObserveSchedulerRun counts a scheduling pass by outcome.
func ObserveSchedulerRun(outcome string) {
	schedulerRunsTotal.WithLabelValues(outcome).Inc()
}

// AddJobsEnqueued adds n to the scheduler enqueue counter.
func AddJobsEnqueued(n int) {
	if n > 0 {
		schedulerJobsEnqueued.Add(float64(n))
	}
}

// SetQueueCounts publishes the per-state queue sizes.
func SetQueueCounts(c analysis.JobCounts) {
	queueJobs.WithLabelValues(string(analysis.JobStateWaiting)).Set(float64(c.Waiting))
	queueJobs.WithLabelValues(string(analysis.JobStateActive)).Set(float64(c.Active))
	queueJobs.WithLabelValues(string(analysis.JobStateDelayed)).Set(float64(c.Delayed))
	queueJobs.WithLabelValues(string(analysis.JobStateCompleted)).Set(float64(c.Completed))
	queueJobs.WithLabelValues(string(analysis.JobStateFailed)).Set(float64(c.Failed))
}

// ObserveRateLimitDelay records how long an audit waited for its host's token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}
