package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/durawasm/pkg/engine"
	"github.com/cuemby/durawasm/pkg/events"
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/promise"
	"github.com/cuemby/durawasm/pkg/types"
	"github.com/cuemby/durawasm/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memMetaStore is a minimal in-memory oplog.MetaStore double, mirroring
// pkg/worker's test double so executor tests don't need a bbolt file.
type memMetaStore struct {
	mu   sync.Mutex
	data map[string]oplog.WorkerMeta
}

func newMemMetaStore() *memMetaStore {
	return &memMetaStore{data: make(map[string]oplog.WorkerMeta)}
}

func (m *memMetaStore) Get(id types.WorkerId) (oplog.WorkerMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.data[id.String()]
	if !ok {
		return oplog.WorkerMeta{}, fmt.Errorf("%w: worker %s", types.ErrNoSuchWorker, id)
	}
	return meta, nil
}

func (m *memMetaStore) Put(meta oplog.WorkerMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[meta.WorkerId.String()] = meta
	return nil
}

func (m *memMetaStore) Delete(id types.WorkerId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id.String())
	return nil
}

func (m *memMetaStore) List() ([]oplog.WorkerMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]oplog.WorkerMeta, 0, len(m.data))
	for _, meta := range m.data {
		out = append(out, meta)
	}
	return out, nil
}

func (m *memMetaStore) Close() error { return nil }

type fakeInstance struct{ id int }

type fakeEngine struct {
	mu      sync.Mutex
	nextId  int
	exports map[string]func([]byte) ([]byte, error)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{exports: make(map[string]func([]byte) ([]byte, error))}
}

func (f *fakeEngine) handle(name string, fn func([]byte) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports[name] = fn
}

func (f *fakeEngine) Instantiate(ctx context.Context, req engine.InstantiateRequest) (engine.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	return &fakeInstance{id: f.nextId}, nil
}

func (f *fakeEngine) InvokeExport(ctx context.Context, instance engine.Instance, name string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	fn, ok := f.exports[name]
	f.mu.Unlock()
	if !ok {
		return []byte("ok"), nil
	}
	return fn(payload)
}

func (f *fakeEngine) Snapshot(ctx context.Context, instance engine.Instance) ([]byte, error) {
	return []byte("snapshot"), nil
}

func (f *fakeEngine) Restore(ctx context.Context, instance engine.Instance, snapshot []byte) error {
	return nil
}

func (f *fakeEngine) ConsumedFuel(instance engine.Instance) uint64 { return 0 }

func (f *fakeEngine) Close(ctx context.Context, instance engine.Instance) error { return nil }

// testExecutor builds an Executor backed by in-memory stores, one
// oplog.Store per worker id, keyed by a shared map so repeated
// OpenStore calls for the same worker (e.g. after a restart-interrupt)
// see the same history.
func testExecutor(t *testing.T, fe *fakeEngine, cfg func(*Config)) (*Executor, map[types.WorkerId]oplog.Store) {
	t.Helper()
	stores := make(map[types.WorkerId]oplog.Store)
	var mu sync.Mutex

	c := Config{
		MaxConcurrentWorkers: 8,
		QueueCapacity:        8,
		Meta:                 newMemMetaStore(),
		Engine:               fe,
		Promises:             promise.NewManager(),
		OpenStore: func(id types.WorkerId) (oplog.Store, error) {
			mu.Lock()
			defer mu.Unlock()
			if s, ok := stores[id]; ok {
				return s, nil
			}
			s := oplog.NewMemStore()
			stores[id] = s
			return s, nil
		},
		ComponentBytes: func(id types.ComponentId, v types.ComponentVersion) ([]byte, error) {
			return []byte("wasm-bytes"), nil
		},
	}
	if cfg != nil {
		cfg(&c)
	}
	e := New(c)
	return e, stores
}

func testWorkerId() types.WorkerId {
	return types.WorkerId{ComponentId: "comp-1", Name: "worker-1"}
}

func TestCreateOrGetCreatesNewWorker(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	id := testWorkerId()

	w, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)
	assert.Equal(t, types.StatusLive, w.State())

	// A second call for the same id must return the already-loaded worker.
	again, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1})
	require.NoError(t, err)
	assert.Same(t, w, again)
}

func TestCreateOrGetLoadsExistingOplog(t *testing.T) {
	fe := newFakeEngine()
	e, stores := testExecutor(t, fe, nil)
	id := testWorkerId()

	store := oplog.NewMemStore()
	_, err := store.Append(oplog.Entry{Payload: &oplog.Create{ComponentId: id.ComponentId, ComponentVersion: 1}})
	require.NoError(t, err)
	stores[id] = store

	w, err := e.CreateOrGet(context.Background(), id, worker.Create{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusLive, w.State())
}

func TestInvokeRunsSynchronously(t *testing.T) {
	fe := newFakeEngine()
	fe.handle("add", func(payload []byte) ([]byte, error) { return []byte("4"), nil })
	e, _ := testExecutor(t, fe, nil)
	e.Start()
	defer e.Stop()

	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := e.Invoke(ctx, id, "add", []byte("2,2"), "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("4"), resp)
}

func TestInvokeUnknownWorkerFails(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	_, err := e.Invoke(context.Background(), testWorkerId(), "add", nil, "")
	require.ErrorIs(t, err, types.ErrNoSuchWorker)
}

func TestInvokeAsyncPollAndAwait(t *testing.T) {
	fe := newFakeEngine()
	released := make(chan struct{})
	fe.handle("slow", func(payload []byte) ([]byte, error) {
		<-released
		return []byte("done"), nil
	})
	e, _ := testExecutor(t, fe, nil)
	e.Start()
	defer e.Stop()

	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	invId, err := e.InvokeAsync(id, "slow", nil, "")
	require.NoError(t, err)

	_, ready := e.Poll(invId)
	assert.False(t, ready, "poll must not observe completion before the export returns")

	close(released)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := e.Await(ctx, invId)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), result.Response)

	polled, ready := e.Poll(invId)
	assert.True(t, ready)
	assert.Equal(t, []byte("done"), polled.Response)
}

func TestAwaitUnknownInvocationFails(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	_, err := e.Await(context.Background(), types.InvocationId("bogus"))
	require.Error(t, err)
}

func TestGetMetadataReflectsLiveWorker(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 3, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	meta, err := e.GetMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLive, meta.Status)
	assert.EqualValues(t, 3, meta.ComponentVersion)
}

func TestInterruptSetsStateWithoutDroppingWorker(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	require.NoError(t, e.Interrupt(id, types.InterruptModeInterrupt))

	meta, err := e.GetMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInterrupted, meta.Status)
}

func TestInterruptRestartDropsWorkerForReload(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	require.NoError(t, e.Interrupt(id, types.InterruptModeRestart))

	_, err = e.GetMetadata(id)
	require.ErrorIs(t, err, types.ErrNoSuchWorker, "restart must drop the worker from the executor's live map")

	w, err := e.CreateOrGet(context.Background(), id, worker.Create{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusLive, w.State(), "reload after restart must resume from the existing oplog")
}

func TestUpdateSnapshotSwitchesComponentVersion(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	require.NoError(t, e.Update(context.Background(), id, []byte("wasm-v2"), 2, types.UpdateModeSnapshot))

	meta, err := e.GetMetadata(id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, meta.ComponentVersion)
	assert.Equal(t, types.StatusLive, meta.Status)
}

func TestRevertRequiresLiveWorker(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)
	require.NoError(t, e.Interrupt(id, types.InterruptModeInterrupt))

	err = e.Revert(id, 1)
	require.Error(t, err)
}

func TestEventsPublishedOnCreateUpdateAndRevert(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	e, _ := testExecutor(t, newFakeEngine(), func(c *Config) { c.Events = broker })
	id := testWorkerId()

	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)
	requireEvent(t, sub, events.EventWorkerCreated)

	require.NoError(t, e.Update(context.Background(), id, []byte("wasm-v2"), 2, types.UpdateModeSnapshot))
	requireEvent(t, sub, events.EventWorkerUpdated)

	require.NoError(t, e.Revert(id, 1))
	requireEvent(t, sub, events.EventWorkerReverted)
}

func requireEvent(t *testing.T, sub events.Subscriber, want events.EventType) {
	t.Helper()
	select {
	case ev := <-sub:
		require.Equal(t, want, ev.Type)
	case <-time.After(time.Second):
		t.Fatalf("never received %s event", want)
	}
}

func TestStatsReflectsLoadedWorkerStatus(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	id := testWorkerId()

	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, 1, stats[types.StatusLive])
}

func TestPromisePassthroughCreateCompleteAwait(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), nil)
	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	pid, err := e.CreatePromise(id)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, e.CompletePromise(id, pid, []byte("answer")))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := e.AwaitPromise(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), data)
}

func TestSweepIdleEvictsPastTimeout(t *testing.T) {
	e, _ := testExecutor(t, newFakeEngine(), func(c *Config) {
		c.IdleTimeout = 10 * time.Millisecond
	})
	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	e.sweepIdle()

	_, err = e.GetMetadata(id)
	require.ErrorIs(t, err, types.ErrNoSuchWorker)
}

func TestSweepIdleSparesRecentlyTouchedWorker(t *testing.T) {
	fe := newFakeEngine()
	fe.handle("noop", func(payload []byte) ([]byte, error) { return []byte("ok"), nil })
	e, _ := testExecutor(t, fe, func(c *Config) {
		c.IdleTimeout = 50 * time.Millisecond
	})
	e.Start()
	defer e.Stop()

	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = e.Invoke(ctx, id, "noop", nil, "")
	require.NoError(t, err)

	e.sweepIdle()

	_, err = e.GetMetadata(id)
	require.NoError(t, err, "a worker touched just before the sweep must not be evicted")
}

func TestRunWorkerRecoversPanicWithoutKillingHostProcess(t *testing.T) {
	fe := newFakeEngine()
	fe.handle("boom", func(payload []byte) ([]byte, error) { panic("guest trap") })
	e, _ := testExecutor(t, fe, nil)
	e.Start()
	defer e.Stop()

	id := testWorkerId()
	_, err := e.CreateOrGet(context.Background(), id, worker.Create{ComponentVersion: 1, ComponentBytes: []byte("wasm-bytes")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = e.Invoke(ctx, id, "boom", nil, "")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		meta, err := e.GetMetadata(id)
		return err == nil && meta.Status == types.StatusRetrying
	}, time.Second, 5*time.Millisecond, "worker must survive the panic as Retrying, not disappear")
}
