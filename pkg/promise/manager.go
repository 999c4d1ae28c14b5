// Package promise implements durable promises and the delayed
// self-invocation scheduler: create_promise/await_promise/
// complete_promise backed by CreatePromise/CompletePromise oplog
// entries, and a timer-driven scheduler for PendingWorkerInvocation.
package promise

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// Manager tracks in-flight and completed promises across every worker
// this executor process has loaded. Completion is idempotent: a second
// Complete for the same PromiseId is a no-op.
type Manager struct {
	mu        sync.Mutex
	completed map[types.PromiseId][]byte
	waiters   map[types.PromiseId][]chan []byte
}

func NewManager() *Manager {
	return &Manager{
		completed: make(map[types.PromiseId][]byte),
		waiters:   make(map[types.PromiseId][]chan []byte),
	}
}

// CreatePromise appends a CreatePromise entry to the owning worker's
// oplog and returns the PromiseId, which is always the pair of that
// worker and the entry's own index.
func (m *Manager) CreatePromise(workerId types.WorkerId, store oplog.Store) (types.PromiseId, error) {
	expected := store.LastIndex() + 1
	pid := types.PromiseId{WorkerId: workerId, OplogIndex: expected}

	idx, err := store.Append(oplog.Entry{Payload: &oplog.CreatePromise{PromiseId: pid}})
	if err != nil {
		return types.PromiseId{}, err
	}
	if idx != expected {
		return types.PromiseId{}, fmt.Errorf("promise: concurrent append raced CreatePromise for %s", workerId)
	}
	return pid, nil
}

// Complete appends a CompletePromise entry for pid and wakes any local
// waiters. Completing an already-completed promise is a no-op.
func (m *Manager) Complete(pid types.PromiseId, data []byte, store oplog.Store) error {
	m.mu.Lock()
	if _, done := m.completed[pid]; done {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if _, err := store.Append(oplog.Entry{Payload: &oplog.CompletePromise{PromiseId: pid, Data: data}}); err != nil {
		return err
	}

	m.mu.Lock()
	m.completed[pid] = data
	waiters := m.waiters[pid]
	delete(m.waiters, pid)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- data
	}
	return nil
}

// Await blocks until pid is completed, returning its data. Replay
// callers should check ReplayCompletion first (the oplog already holds
// the answer); Await is for the live suspend/resume path.
func (m *Manager) Await(ctx context.Context, pid types.PromiseId) ([]byte, error) {
	m.mu.Lock()
	if data, done := m.completed[pid]; done {
		m.mu.Unlock()
		return data, nil
	}
	ch := make(chan []byte, 1)
	m.waiters[pid] = append(m.waiters[pid], ch)
	m.mu.Unlock()

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReplayCompletion records a CompletePromise entry encountered while
// folding an oplog during replay, without writing anything (the entry
// already exists). The worker state machine calls this so a subsequent
// live Await for the same promise resolves instantly.
func (m *Manager) ReplayCompletion(pid types.PromiseId, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[pid] = data
}

// IsCompleted reports whether pid has a recorded completion.
func (m *Manager) IsCompleted(pid types.PromiseId) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.completed[pid]
	return data, ok
}
