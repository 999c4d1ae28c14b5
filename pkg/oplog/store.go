package oplog

import (
	"github.com/cuemby/durawasm/pkg/types"
)

// Store is a per-worker append-only log with two access modes: append
// (from head, writer-owned) and read-at-index (random access).
// Implementations: ChunkStore (file-backed), MemStore (in-memory test
// double), ReplicatedStore (Raft-backed, fsm.go).
type Store interface {
	// Append assigns the next OplogIndex and durably records entry,
	// returning ErrOplogFull if storage is exhausted.
	Append(entry Entry) (types.OplogIndex, error)

	// Read returns the entry at index, or ErrNotFound outside [1, last].
	Read(index types.OplogIndex) (Entry, error)

	// Scan returns entries in [from, to] inclusive, restartable and finite.
	Scan(from, to types.OplogIndex) ([]Entry, error)

	// TruncateTo discards every entry with index > index. Used only by
	// revert/update-rollback, never by normal execution.
	TruncateTo(index types.OplogIndex) error

	// LastIndex returns the highest durably-committed index, or 0 if empty.
	LastIndex() types.OplogIndex

	// Close releases any held resources (file handles, memory).
	Close() error
}

// WorkerMeta is the small per-worker metadata record kept alongside the
// chunked oplog body: last durable index, lifecycle status, current
// component version, and retry counter. Backed by bbolt (see metastore.go).
type WorkerMeta struct {
	WorkerId         types.WorkerId
	LastDurableIndex types.OplogIndex
	Status           types.WorkerStatus
	ComponentVersion types.ComponentVersion
	RetryCount       int
}

// MetaStore persists WorkerMeta records keyed by WorkerId, shared across
// every worker on a node as one embedded key/value file.
type MetaStore interface {
	Get(id types.WorkerId) (WorkerMeta, error)
	Put(meta WorkerMeta) error
	Delete(id types.WorkerId) error
	List() ([]WorkerMeta, error)
	Close() error
}
