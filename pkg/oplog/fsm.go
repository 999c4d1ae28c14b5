package oplog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/durawasm/pkg/metrics"
	"github.com/cuemby/durawasm/pkg/types"
	"github.com/hashicorp/raft"
)

// oplogFSM implements raft.FSM by appending decoded entries into a local
// ChunkStore-backed Store. Apply does nothing but append, exactly the way
// WarrenFSM.Apply dispatches decoded commands into storage.Store -- the
// difference here is there is only one "command" (append) because this FSM
// replicates a single worker's oplog, not a whole cluster's state.
type oplogFSM struct {
	mu    sync.RWMutex
	local Store
}

func newOplogFSM(local Store) *oplogFSM {
	return &oplogFSM{local: local}
}

// NewFSM builds the raft.FSM backing a replicated oplog over local. A
// caller constructs raft.NewRaft(cfg, NewFSM(local), logStore,
// stableStore, snapshots, transport) and then wraps the result with
// NewReplicatedStore.
func NewFSM(local Store) raft.FSM {
	return newOplogFSM(local)
}

// Apply applies one committed Raft log entry: the log's Data is the
// self-describing encoded oplog entry produced by Encode.
func (f *oplogFSM) Apply(log *raft.Log) interface{} {
	entry, _, err := Decode(log.Data)
	if err != nil {
		return fmt.Errorf("oplog fsm: decode log entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	idx, err := f.local.Append(entry)
	if err != nil {
		return fmt.Errorf("oplog fsm: append: %w", err)
	}
	return idx
}

// Snapshot records only the local store's last index so Raft can compact
// its log; the chunk bodies themselves are reconstructed by replaying Apply
// from the retained log, not carried in the snapshot.
func (f *oplogFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &oplogSnapshot{lastIndex: f.local.LastIndex()}, nil
}

// Restore replays nothing beyond the recorded last index -- the local
// ChunkStore is authoritative on disk; Raft's snapshot only needs to tell a
// rejoining follower where the log starts from.
func (f *oplogFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap oplogSnapshotData
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("oplog fsm: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return nil
}

type oplogSnapshotData struct {
	LastIndex types.OplogIndex
}

type oplogSnapshot struct {
	lastIndex types.OplogIndex
}

func (s *oplogSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		return json.NewEncoder(sink).Encode(oplogSnapshotData{LastIndex: s.lastIndex})
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *oplogSnapshot) Release() {}

// ReplicatedStore replicates a single worker's oplog across a small
// executor cluster for host-migration survival. It is a replication
// transport, not a scheduling/placement mechanism: the FSM's
// Apply only appends, and Read/Scan/LastIndex are served from the local
// replica since every node's replicated log converges to the same content.
type ReplicatedStore struct {
	raft  *raft.Raft
	fsm   *oplogFSM
	local Store

	applyTimeout time.Duration
}

// NewReplicatedStore wraps local (already-open) as the state machine body
// for a Raft group that replicates appends to it.
func NewReplicatedStore(r *raft.Raft, local Store) *ReplicatedStore {
	return &ReplicatedStore{
		raft:         r,
		fsm:          newOplogFSM(local),
		local:        local,
		applyTimeout: 5 * time.Second,
	}
}

// FSM returns the store's own oplogFSM over local. It is a separate
// instance from the FSM that the raft.Raft passed to NewReplicatedStore
// was built with (see NewFSM).
func (r *ReplicatedStore) FSM() raft.FSM { return r.fsm }

func (r *ReplicatedStore) Append(entry Entry) (types.OplogIndex, error) {
	buf, err := Encode(entry)
	if err != nil {
		return 0, err
	}

	timer := metrics.NewTimer()
	future := r.raft.Apply(buf, r.applyTimeout)
	err = future.Error()
	timer.ObserveDuration(metrics.RaftApplyDuration)
	r.reportLeader()
	if err != nil {
		return 0, fmt.Errorf("oplog: raft apply: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return 0, err
	}
	idx, ok := resp.(types.OplogIndex)
	if !ok {
		return 0, fmt.Errorf("oplog: unexpected fsm response type %T", resp)
	}
	return idx, nil
}

// reportLeader sets the RaftLeader gauge to whether this node currently
// holds the Raft leadership for its replication group.
func (r *ReplicatedStore) reportLeader() {
	if r.raft.State() == raft.Leader {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
}

func (r *ReplicatedStore) Read(index types.OplogIndex) (Entry, error) {
	return r.local.Read(index)
}

func (r *ReplicatedStore) Scan(from, to types.OplogIndex) ([]Entry, error) {
	return r.local.Scan(from, to)
}

func (r *ReplicatedStore) TruncateTo(index types.OplogIndex) error {
	return r.local.TruncateTo(index)
}

func (r *ReplicatedStore) LastIndex() types.OplogIndex {
	return r.local.LastIndex()
}

func (r *ReplicatedStore) Close() error {
	if err := r.raft.Shutdown().Error(); err != nil {
		r.local.Close()
		return fmt.Errorf("oplog: raft shutdown: %w", err)
	}
	return r.local.Close()
}
