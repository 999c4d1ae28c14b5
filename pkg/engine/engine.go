// Package engine defines the abstract execution engine contract the core
// consumes. The core never depends on a concrete WASM runtime;
// engine.ExecutionEngine is the only surface replay, the executor, and
// the update engine talk to.
package engine

import "context"

// Instance is an opaque handle to one instantiated component. Concrete
// engines define their own underlying type; the core only ever passes it
// back to the same ExecutionEngine that produced it.
type Instance interface{}

// ExecutionEngine instantiates components, invokes exports, and exposes
// the snapshot/fuel hooks the update engine and executor need. A
// concrete implementation wraps whatever WASM host actually runs guest
// code; this module consumes only this interface.
type ExecutionEngine interface {
	// Instantiate creates a fresh instance from component bytes (looked up
	// by the caller via componentId/version -- component storage is a
	// non-goal of this module) plus its initial args/env/files.
	Instantiate(ctx context.Context, req InstantiateRequest) (Instance, error)

	// InvokeExport calls a named export and returns its result. Suspension
	// is signalled by returning ErrSuspended; the caller resumes later by
	// calling InvokeExport again once the awaited condition is satisfied.
	InvokeExport(ctx context.Context, instance Instance, name string, payload []byte) ([]byte, error)

	// Snapshot captures guest-exported state for a snapshot-based update.
	Snapshot(ctx context.Context, instance Instance) ([]byte, error)

	// Restore applies a previously captured snapshot to a freshly
	// instantiated component of the new version.
	Restore(ctx context.Context, instance Instance, snapshot []byte) error

	// ConsumedFuel reports the instance's monotonically increasing fuel
	// counter. The worker records it in each ExportedFunctionCompleted
	// entry; replay does not compare it.
	ConsumedFuel(instance Instance) uint64

	// Close releases any resources the instance holds.
	Close(ctx context.Context, instance Instance) error
}

// InstantiateRequest carries everything recorded by the Create entry that
// the engine needs to bring up a fresh instance.
type InstantiateRequest struct {
	ComponentBytes []byte
	Args           []string
	Env            map[string]string
	InitialFiles   map[string][]byte
}

// ErrSuspended is returned by InvokeExport when the guest awaits a
// promise, timer, or RPC response rather than completing.
var ErrSuspended = suspendedError{}

type suspendedError struct{}

func (suspendedError) Error() string { return "engine: instance suspended" }
