package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store label values.
const (
	StoreRunLog = "runlog"
	StoreChunks = "chunks"
)

// DefaultStoreLatencyBuckets span fast metadata reads (sub-ms) up to slow
// object store listings (tens of seconds).
var DefaultStoreLatencyBuckets = []float64{
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	2.5,    // 2.5s
	5.0,    // 5s
	10.0,   // 10s
	30.0,   // 30s
}

// StoreMetrics tracks calls into the run-log store and the chunk object store.
type StoreMetrics struct {
	// LatencyHistogram labels: store, operation, status
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal labels: store, operation, status
	RequestsTotal *prometheus.CounterVec
}

func newStoreMetrics(factory promauto.Factory) *StoreMetrics {
	return &StoreMetrics{
		LatencyHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_latency_seconds",
			Help:      "Store operation latency in seconds, by store, operation and status.",
			Buckets:   DefaultStoreLatencyBuckets,
		}, []string{"store", "operation", "status"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of store operations, by store, operation and status.",
		}, []string{"store", "operation", "status"}),
	}
}

// NewStoreMetrics creates store metrics registered with the default registry.
func NewStoreMetrics() *StoreMetrics {
	return newStoreMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewStoreMetricsWithRegistry creates store metrics registered with reg.
func NewStoreMetricsWithRegistry(reg prometheus.Registerer) *StoreMetrics {
	return newStoreMetrics(promauto.With(reg))
}

// For returns a recorder bound to one store label. It satisfies both
// metadata.MetricsRecorder and objectstore.MetricsRecorder.
func (m *StoreMetrics) For(store string) *StoreRecorder {
	return &StoreRecorder{metrics: m, store: store}
}

// StoreRecorder records operations for a single store.
type StoreRecorder struct {
	metrics *StoreMetrics
	store   string
}

// RecordOperation observes one call.
func (r *StoreRecorder) RecordOperation(op string, durationSeconds float64, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	r.metrics.LatencyHistogram.WithLabelValues(r.store, op, status).Observe(durationSeconds)
	r.metrics.RequestsTotal.WithLabelValues(r.store, op, status).Inc()
}
