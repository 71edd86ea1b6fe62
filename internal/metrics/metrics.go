package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jobq"

// Metrics groups every collector the daemon exports
type Metrics struct {
	// JobsEnqueued counts jobs accepted into a queue
	JobsEnqueued *prometheus.CounterVec
	// JobsRejected counts jobs recorded as Failed at submit time
	JobsRejected *prometheus.CounterVec
	// JobsLeased counts leases handed to workers
	JobsLeased *prometheus.CounterVec
	// JobsSucceeded counts jobs that completed successfully
	JobsSucceeded *prometheus.CounterVec
	// JobsFailed counts jobs that reached Failed after leasing
	JobsFailed *prometheus.CounterVec
	// JobsRequeued counts failed attempts sent back to the queue
	JobsRequeued *prometheus.CounterVec
	// JobsCancelled counts cancelled jobs
	JobsCancelled *prometheus.CounterVec
	// LeasesReaped counts expired leases recovered by the sweep
	LeasesReaped *prometheus.CounterVec
	// JobDuration observes handler execution time
	JobDuration *prometheus.HistogramVec
	// JobsInFlight is the number of handlers currently running
	JobsInFlight prometheus.Gauge
	// ControlConnections is the number of open control socket connections
	ControlConnections prometheus.Gauge
	// ControlCommands counts control commands by verb and result
	ControlCommands *prometheus.CounterVec
	// StoreRetries counts retried store operations
	StoreRetries *prometheus.CounterVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	byQueue := []string{"queue"}

	return &Metrics{
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "The total number of jobs accepted into a queue.",
		}, byQueue),
		JobsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "The total number of jobs failed at submit time.",
		}, []string{"queue", "reason"}),
		JobsLeased: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_leased_total",
			Help:      "The total number of leases granted.",
		}, byQueue),
		JobsSucceeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "The total number of jobs completed successfully.",
		}, byQueue),
		JobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "The total number of jobs that failed terminally.",
		}, byQueue),
		JobsRequeued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "The total number of failed attempts requeued for retry.",
		}, byQueue),
		JobsCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "The total number of cancelled jobs.",
		}, byQueue),
		LeasesReaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_reaped_total",
			Help:      "The total number of expired leases recovered.",
		}, byQueue),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "A histogram of handler execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"callable"}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "The number of jobs currently executing.",
		}),
		ControlConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_connections",
			Help:      "The number of open control socket connections.",
		}),
		ControlCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_total",
			Help:      "The total number of control commands handled.",
		}, []string{"verb", "result"}),
		StoreRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "The total number of store operations retried after a transient failure.",
		}, []string{"op"}),
	}
}

// NewUnregistered builds collectors on a private registry, for tests and
// components constructed without metrics
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
