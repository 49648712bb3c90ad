package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for carecast
type Metrics struct {
	// Scheduling
	JobsScheduledTotal *prometheus.CounterVec
	JobsArchivedTotal  *prometheus.CounterVec

	// Dispatch
	TasksExecutedTotal  *prometheus.CounterVec
	TasksDeferredTotal  *prometheus.CounterVec
	TasksRecoveredTotal prometheus.Counter
	TickDurationSeconds prometheus.Histogram

	// Engine gauges
	LiveJobs prometheus.Gauge
	DueTasks prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry

	// counters by metric name, for persistence
	counterVecs map[string]*prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carecast_jobs_scheduled_total",
				Help: "Total number of scheduled jobs",
			},
			[]string{"action_type"},
		),
		JobsArchivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carecast_jobs_archived_total",
				Help: "Total number of archived jobs by final status",
			},
			[]string{"status"},
		),

		TasksExecutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carecast_tasks_executed_total",
				Help: "Total number of executed tasks",
			},
			[]string{"action_type", "result"},
		),
		TasksDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carecast_tasks_deferred_total",
				Help: "Total number of due tasks left pending because the account budget was spent",
			},
			[]string{"account"},
		),
		TasksRecoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "carecast_tasks_recovered_total",
				Help: "Total number of interrupted tasks marked as failed",
			},
		),
		TickDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "carecast_tick_duration_seconds",
				Help:    "Dispatcher tick duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		LiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "carecast_live_jobs",
				Help: "Number of live jobs",
			},
		),
		DueTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "carecast_pending_tasks",
				Help: "Number of pending tasks in the due index",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carecast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carecast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carecast_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "carecast_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "carecast_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "carecast_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	m.counterVecs = map[string]*prometheus.CounterVec{
		"carecast_jobs_scheduled_total": m.JobsScheduledTotal,
		"carecast_jobs_archived_total":  m.JobsArchivedTotal,
		"carecast_tasks_executed_total": m.TasksExecutedTotal,
		"carecast_tasks_deferred_total": m.TasksDeferredTotal,
		"carecast_api_requests_total":   m.APIRequestsTotal,
		"carecast_api_errors_total":     m.APIErrorsTotal,
	}

	reg.MustRegister(
		m.JobsScheduledTotal,
		m.JobsArchivedTotal,
		m.TasksExecutedTotal,
		m.TasksDeferredTotal,
		m.TasksRecoveredTotal,
		m.TickDurationSeconds,
		m.LiveJobs,
		m.DueTasks,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncJobsScheduled increments the scheduled job counter
func IncJobsScheduled(actionType string) {
	if m := Global(); m != nil {
		m.JobsScheduledTotal.WithLabelValues(actionType).Inc()
	}
}

// IncJobsArchived increments the archived job counter
func IncJobsArchived(status string) {
	if m := Global(); m != nil {
		m.JobsArchivedTotal.WithLabelValues(status).Inc()
	}
}

// IncTasksExecuted increments the executed task counter.
// result is "completed" or "failed".
func IncTasksExecuted(actionType, result string) {
	if m := Global(); m != nil {
		m.TasksExecutedTotal.WithLabelValues(actionType, result).Inc()
	}
}

// IncTasksDeferred increments the deferred task counter
func IncTasksDeferred(account string) {
	if m := Global(); m != nil {
		m.TasksDeferredTotal.WithLabelValues(account).Inc()
	}
}

// AddTasksRecovered adds interrupted tasks marked as failed
func AddTasksRecovered(n int) {
	if m := Global(); m != nil && n > 0 {
		m.TasksRecoveredTotal.Add(float64(n))
	}
}

// ObserveTick records the duration of a dispatcher tick
func ObserveTick(d time.Duration) {
	if m := Global(); m != nil {
		m.TickDurationSeconds.Observe(d.Seconds())
	}
}
