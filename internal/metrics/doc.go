// Package metrics provides Prometheus metrics for scavd.
//
// It exposes:
//   - scavenge run lifecycle (starts, rejections, active runs, run duration by result)
//   - job faults, split by run and dispose
//   - chunks scavenged and bytes reclaimed
//   - admin request outcomes
//   - latency of run-log store and object store calls
//
// Metrics are served by a dedicated HTTP server on /metrics.
//
// Usage:
//
//	scavengeMetrics := metrics.NewScavengeMetrics()
//	storeMetrics := metrics.NewStoreMetrics()
//
//	meta := metadata.NewInstrumentedStore(store, storeMetrics.For(metrics.StoreRunLog))
//	coord := scavenge.NewCoordinator(scavenge.Config{Metrics: scavengeMetrics, ...})
//
//	metricsServer := metrics.NewServer(":9090", logger)
//	metricsServer.Start()
package metrics

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const namespace = "scavd"
