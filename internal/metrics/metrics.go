// Package metrics exposes Foundry's Prometheus collectors: queue depth,
// scheduling/retry counters, and per-stage latency histograms.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_tasks_dispatched_total",
			Help: "Total number of tasks dispatched, by queue",
		},
		[]string{"queue"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_tasks_failed_total",
			Help: "Total number of tasks that ended in FAILURE, by queue",
		},
		[]string{"queue"},
	)

	TasksRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_tasks_retried_total",
			Help: "Total number of auto-retries, by origin queue",
		},
		[]string{"origin_queue"},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_task_execution_duration_seconds",
			Help:    "Wall-clock duration of a task's fault-isolated execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foundry_scheduling_latency_seconds",
			Help:    "Time from enqueue to a worker picking up a task",
			Buckets: prometheus.DefBuckets,
		},
	)

	ArchivePackagingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foundry_archive_packaging_duration_seconds",
			Help:    "Time to build an output archive",
			Buckets: prometheus.DefBuckets,
		},
	)

	CleanupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_cleanups_total",
			Help: "Total number of cleanup tasks run, by outcome",
		},
		[]string{"outcome"},
	)

	WaitOrchestrationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_wait_orchestrations_active",
			Help: "Number of wait/chord watcher tasks currently polling descendants",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_api_requests_total",
			Help: "Total number of HTTP API requests by method/path and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		TasksDispatched,
		TasksFailed,
		TasksRetried,
		TaskExecutionDuration,
		SchedulingLatency,
		ArchivePackagingDuration,
		CleanupsTotal,
		WaitOrchestrationsActive,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Timer measures elapsed wall-clock time and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration reports the elapsed time since NewTimer to the given
// histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec reports the elapsed time to a histogram vector for the
// given label values.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
