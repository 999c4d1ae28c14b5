package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker lifecycle metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durawasm_workers_total",
			Help: "Total number of loaded workers by state",
		},
		[]string{"state"},
	)

	WorkerLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durawasm_worker_load_duration_seconds",
			Help:    "Time taken to load and replay a worker in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durawasm_worker_evictions_total",
			Help: "Total number of workers evicted after sitting idle past the idle timeout",
		},
	)

	// Oplog metrics
	OplogAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durawasm_oplog_appends_total",
			Help: "Total number of oplog entries appended",
		},
	)

	OplogAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durawasm_oplog_append_duration_seconds",
			Help:    "Time taken to append one oplog entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	OplogFsyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durawasm_oplog_fsync_duration_seconds",
			Help:    "Time taken per fsync group commit in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	OplogCorruptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durawasm_oplog_corruptions_total",
			Help: "Total number of detected oplog corruptions",
		},
	)

	// Replay and divergence metrics
	ReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durawasm_replay_duration_seconds",
			Help:    "Time taken to replay a worker's oplog to live in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DivergencesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durawasm_divergences_total",
			Help: "Total number of divergences detected during replay",
		},
	)

	// Invocation metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durawasm_invocations_total",
			Help: "Total number of export invocations by outcome",
		},
		[]string{"function", "outcome"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durawasm_invocation_duration_seconds",
			Help:    "Export invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durawasm_queue_depth",
			Help: "Current number of queued invocations across all workers",
		},
	)

	IdempotencyHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durawasm_idempotency_hits_total",
			Help: "Total number of invocations resolved from the idempotency cache",
		},
	)

	// Update engine metrics
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durawasm_updates_total",
			Help: "Total number of update attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// Raft replication metrics (ReplicatedStore)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durawasm_raft_is_leader",
			Help: "Whether this node is the Raft leader for the oplog replication group (1 = leader, 0 = follower)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durawasm_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft-replicated oplog entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerLoadDuration)
	prometheus.MustRegister(WorkerEvictionsTotal)
	prometheus.MustRegister(OplogAppendsTotal)
	prometheus.MustRegister(OplogAppendDuration)
	prometheus.MustRegister(OplogFsyncDuration)
	prometheus.MustRegister(OplogCorruptionsTotal)
	prometheus.MustRegister(ReplayDuration)
	prometheus.MustRegister(DivergencesTotal)
	prometheus.MustRegister(InvocationsTotal)
	prometheus.MustRegister(InvocationDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(IdempotencyHitsTotal)
	prometheus.MustRegister(UpdatesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftApplyDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
