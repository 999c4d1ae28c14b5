package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the WorkerError taxonomy. Compare with
// errors.Is; wrap with fmt.Errorf("...: %w", Err...) to attach context.
var (
	// ErrGuestError is returned when the component itself reports a failure
	// result from an export; propagated to the caller as-is.
	ErrGuestError = errors.New("guest error")

	// ErrGuestTrap means the component trapped (panicked). Retried per
	// policy; becomes ErrFailed after the retry budget is exhausted.
	ErrGuestTrap = errors.New("guest trap")

	// ErrHostTransient is a retriable remote read/write failure.
	ErrHostTransient = errors.New("host transient failure")

	// ErrHostPermanent is a non-retriable host failure.
	ErrHostPermanent = errors.New("host permanent failure")

	// ErrDivergence means replay observed a host call that does not match
	// the recorded oplog entry. Fatal: the worker is quarantined.
	ErrDivergence = errors.New("replay divergence")

	// ErrOplogCorruption means an oplog entry failed to decode or its CRC
	// did not match. Fatal: the worker is quarantined.
	ErrOplogCorruption = errors.New("oplog corruption")

	// ErrOutOfMemory means the worker exceeded its configured memory ceiling.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrOutOfFuel means the worker exceeded its configured fuel ceiling.
	ErrOutOfFuel = errors.New("out of fuel")

	// ErrQueueFull is back-pressure returned to a caller; it never changes
	// worker state.
	ErrQueueFull = errors.New("invocation queue full")

	// ErrNotFound is returned when reading an oplog index outside [1, last].
	ErrNotFound = errors.New("not found")

	// ErrNoSuchWorker is returned loading a worker with an empty oplog.
	ErrNoSuchWorker = errors.New("no such worker")

	// ErrOplogFull is returned by append when the backing store is exhausted.
	ErrOplogFull = errors.New("oplog storage exhausted")

	// ErrUnsafeUpdate is returned when an automatic update's jumped region
	// contains an irreversible WriteRemote* host call.
	ErrUnsafeUpdate = errors.New("unsafe update: write-remote in jumped region")

	// ErrUnsafeRevert is returned when a revert's dropped region contains a
	// WriteRemote* host call.
	ErrUnsafeRevert = errors.New("unsafe revert: write-remote in dropped region")
)

// DivergenceError carries the expected and observed host call so operators
// can diagnose a quarantined worker.
type DivergenceError struct {
	WorkerId WorkerId
	Index    OplogIndex
	Expected string
	Found    string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("worker %s: divergence at index %d: expected %q, found %q",
		e.WorkerId, e.Index, e.Expected, e.Found)
}

func (e *DivergenceError) Unwrap() error { return ErrDivergence }

// CorruptionError identifies which index in which worker's oplog failed to
// decode or checksum.
type CorruptionError struct {
	WorkerId WorkerId
	Index    OplogIndex
	Reason   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("worker %s: oplog corruption at index %d: %s",
		e.WorkerId, e.Index, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrOplogCorruption }
