// Package metrics registers the durawasm_* Prometheus gauges, counters,
// and histograms covering worker lifecycle, oplog append/fsync,
// replay/divergence, invocation, update-engine, and Raft-replication
// activity, and exposes them via Handler() for an HTTP /metrics
// endpoint.
//
// Collector polls a narrow Stats interface (satisfied by
// *executor.Executor) on a 15s ticker to refresh the worker-count
// gauges that aren't updated inline at their call site; every other
// metric here is bumped directly from the component that produced the
// observation (pkg/executor, pkg/worker, pkg/queue, pkg/oplog,
// pkg/replay).
package metrics
