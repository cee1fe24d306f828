package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request operation label values.
const (
	OpStart  = "start"
	OpStop   = "stop"
	OpStatus = "status"
)

// Request outcome label values. They mirror the coordinator's replies.
const (
	OutcomeStarted      = "started"
	OutcomeInProgress   = "in_progress"
	OutcomeStopped      = "stopped"
	OutcomeNotFound     = "not_found"
	OutcomeUnauthorized = "unauthorized"
	OutcomeFailed       = "failed"
	OutcomeInvalid      = "invalid"
	OutcomeIdle         = "idle"
)

// Job fault kinds.
const (
	FaultRun     = "run"
	FaultDispose = "dispose"
)

// DefaultRunDurationBuckets cover runs from a second to several hours.
var DefaultRunDurationBuckets = []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400}

// ScavengeMetrics holds metrics for scavenge coordination and chunk work.
type ScavengeMetrics struct {
	// RunsStarted counts runs that reached the active slot.
	RunsStarted prometheus.Counter

	// RunsRejected counts start requests that did not start a run.
	// Labels: reason (in_progress, unauthorized, failed)
	RunsRejected *prometheus.CounterVec

	// RunsActive is 1 while a run occupies the slot, 0 otherwise.
	RunsActive prometheus.Gauge

	// RunDuration tracks wall time from start to job completion.
	// Labels: result (success, failure)
	RunDuration *prometheus.HistogramVec

	// JobFaults counts errors and panics raised by jobs.
	// Labels: kind (run, dispose)
	JobFaults *prometheus.CounterVec

	// ChunksScavenged counts chunks whose superseded versions were removed.
	ChunksScavenged prometheus.Counter

	// BytesReclaimed counts bytes of superseded chunk versions deleted.
	BytesReclaimed prometheus.Counter

	// Requests counts admin requests by operation and outcome.
	Requests *prometheus.CounterVec
}

func newScavengeMetrics(factory promauto.Factory) *ScavengeMetrics {
	return &ScavengeMetrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "runs_started_total",
			Help:      "Total number of scavenge runs started.",
		}),
		RunsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "runs_rejected_total",
			Help:      "Total number of start requests that did not start a run, by reason.",
		}, []string{"reason"}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "runs_active",
			Help:      "Number of scavenge runs currently active (0 or 1).",
		}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "run_duration_seconds",
			Help:      "Scavenge run duration in seconds, by result.",
			Buckets:   DefaultRunDurationBuckets,
		}, []string{"result"}),
		JobFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "job_faults_total",
			Help:      "Total number of scavenge job faults, by kind.",
		}, []string{"kind"}),
		ChunksScavenged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "chunks_scavenged_total",
			Help:      "Total number of chunks scavenged.",
		}),
		BytesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "bytes_reclaimed_total",
			Help:      "Total bytes reclaimed by deleting superseded chunk versions.",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scavenge",
			Name:      "requests_total",
			Help:      "Total number of scavenge requests, by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
}

// NewScavengeMetrics creates scavenge metrics registered with the default registry.
func NewScavengeMetrics() *ScavengeMetrics {
	return newScavengeMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewScavengeMetricsWithRegistry creates scavenge metrics registered with reg.
func NewScavengeMetricsWithRegistry(reg prometheus.Registerer) *ScavengeMetrics {
	return newScavengeMetrics(promauto.With(reg))
}

// RecordRequest counts one admin request. Start requests that did not start
// a run are also counted as rejections.
func (m *ScavengeMetrics) RecordRequest(op, outcome string) {
	m.Requests.WithLabelValues(op, outcome).Inc()
	if op == OpStart && outcome != OutcomeStarted {
		m.RunsRejected.WithLabelValues(outcome).Inc()
	}
}

// RecordRunStarted marks a run as occupying the slot.
func (m *ScavengeMetrics) RecordRunStarted() {
	m.RunsStarted.Inc()
	m.RunsActive.Set(1)
}

// RecordRunEnded marks the slot as free and observes the run duration.
func (m *ScavengeMetrics) RecordRunEnded(durationSeconds float64, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.RunDuration.WithLabelValues(status).Observe(durationSeconds)
	m.RunsActive.Set(0)
}

// RecordJobFault counts a job fault of the given kind (FaultRun or FaultDispose).
func (m *ScavengeMetrics) RecordJobFault(kind string) {
	m.JobFaults.WithLabelValues(kind).Inc()
}

// RecordChunkScavenged counts one scavenged chunk and the bytes it freed.
func (m *ScavengeMetrics) RecordChunkScavenged(bytesReclaimed int64) {
	m.ChunksScavenged.Inc()
	if bytesReclaimed > 0 {
		m.BytesReclaimed.Add(float64(bytesReclaimed))
	}
}
