// Package types defines the identifiers and lifecycle enums shared across
// the oplog, durability, replay, and executor packages: ComponentId,
// WorkerId, OplogIndex, PromiseId, WorkerStatus, and the wrapped-function
// classification that drives replay and retry policy.
package types
