package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs appended to the queue store",
	})
	JobsReserved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_reserved_total",
		Help: "Total number of queue entries reserved by a worker",
	})
	JobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_succeeded_total",
		Help: "Total number of jobs that reached a success terminal status",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached a failed terminal status",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of jobs that reached a cancelled terminal status",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	})
	PipelineStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_step_duration_seconds",
		Help:    "Histogram of build pipeline step durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})
	QueueLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_lag",
		Help: "Current queue lag (pending + never-delivered entries) for the worker group",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	ReclaimedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reclaimed_entries_total",
		Help: "Total number of queue entries reclaimed from a presumed-lost consumer",
	})
	LogStreamAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "log_stream_append_total",
		Help: "Total number of log lines appended to job log streams",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker reservation loops",
	})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsReserved, JobsSucceeded, JobsFailed, JobsCancelled,
		JobProcessingDuration, PipelineStepDuration, QueueLag,
		CircuitBreakerState, CircuitBreakerTrips, ReclaimedEntries,
		LogStreamAppends, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics on its own listener, used by callers
// that don't also need /healthz and /readyz from StartHTTPServer.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
