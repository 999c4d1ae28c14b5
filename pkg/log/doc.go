// Package log provides structured logging via zerolog: a package-level
// logger initialized once with log.Init(Config{Level, JSONOutput,
// Output}), plus With<Dimension>(base, ...) helpers that each take the
// logger to extend and return a child carrying one more field --
// worker_id, component_id, oplog_index, or invocation_id. Because every
// helper takes its base as a parameter rather than always reading the
// package global, callers chain them to build up a logger carrying
// several dimensions at once.
//
// This operational logger is distinct from the oplog's Log entry: the
// operational logger reports executor-internal events (replay started,
// divergence detected, worker evicted); Log records guest-emitted log
// lines for replay-skippable re-emission.
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
//	workerLog := log.WithWorkerID(log.WithComponentID(log.Logger, componentId), id.Name)
//	workerLog.Info().Msg("worker loaded")
package log
