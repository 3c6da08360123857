package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the status server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Orchestration metrics
var (
	// RanksByStatus tracks published readiness states by role and status
	RanksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdbench_ranks",
			Help: "Number of ranks by role and readiness status",
		},
		[]string{"role", "status"},
	)

	// StartupWaitDuration tracks how long a node blocked on its dependencies
	StartupWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdbench_startup_wait_duration_seconds",
			Help:    "Time spent waiting for dependency ranks to become ready, by role",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min (model loading is slow)
		},
		[]string{"role"},
	)

	// StartupTimeouts counts startup waits that never completed
	StartupTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdbench_startup_timeouts_total",
			Help: "Total number of dependency waits that timed out, by role",
		},
		[]string{"role"},
	)

	// WorkersSpawned counts worker processes spawned by role
	WorkersSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdbench_workers_spawned_total",
			Help: "Total number of worker processes spawned by role",
		},
		[]string{"role"},
	)

	// WorkersKilled counts worker processes terminated by signal
	WorkersKilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdbench_workers_killed_total",
			Help: "Total number of worker processes terminated, by signal used",
		},
		[]string{"signal"},
	)

	// BenchmarkRunDuration tracks the duration of individual generator runs
	BenchmarkRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdbench_benchmark_run_duration_seconds",
			Help:    "Duration of individual load generator runs by outcome",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~85min
		},
		[]string{"outcome"},
	)

	// BenchmarkRunsTotal counts generator runs by outcome
	BenchmarkRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdbench_benchmark_runs_total",
			Help: "Total number of load generator runs by outcome",
		},
		[]string{"outcome"},
	)

	// JobsFinished counts finished jobs by terminal status
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdbench_jobs_finished_total",
			Help: "Total number of jobs finished by terminal status",
		},
		[]string{"status"},
	)
)

// Helper functions for common metric operations

// RecordRankStatus moves a rank between readiness states on the gauge
func RecordRankStatus(role, oldStatus, newStatus string) {
	if oldStatus != "" {
		RanksByStatus.WithLabelValues(role, oldStatus).Dec()
	}
	if newStatus != "" {
		RanksByStatus.WithLabelValues(role, newStatus).Inc()
	}
}

// RecordStartupWait records how long a node waited on its dependencies
func RecordStartupWait(role string, duration time.Duration) {
	StartupWaitDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordStartupTimeout increments the startup timeout counter
func RecordStartupTimeout(role string) {
	StartupTimeouts.WithLabelValues(role).Inc()
}

// RecordWorkerSpawned increments the worker spawn counter
func RecordWorkerSpawned(role string) {
	WorkersSpawned.WithLabelValues(role).Inc()
}

// RecordWorkerKilled increments the worker kill counter
func RecordWorkerKilled(signal string) {
	WorkersKilled.WithLabelValues(signal).Inc()
}

// RecordBenchmarkRun records one load generator run
func RecordBenchmarkRun(outcome string, duration time.Duration) {
	BenchmarkRunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	BenchmarkRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordJobFinished increments the finished jobs counter
func RecordJobFinished(status string) {
	JobsFinished.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
