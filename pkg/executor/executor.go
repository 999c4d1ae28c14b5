// Package executor is the top-level facade: it owns a bounded pool of
// OS threads (a goroutine-per-worker run loop gated by a counting
// semaphore), creates and loads workers on demand, evicts ones that
// have sat idle longer than IdleTimeout, and exposes the client-facing
// operations (invoke, get_metadata, interrupt, update, revert, promises)
// that drive one or more worker.Worker instances. It keeps no per-worker
// memory accounting, and memory use never triggers an eviction. The
// idle-eviction sweep
// follows a ticker/stopCh idiom generalized from cluster-wide
// reconciliation to per-worker eviction, paired with a periodic
// gauge-refresh collector.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/durawasm/pkg/engine"
	"github.com/cuemby/durawasm/pkg/events"
	"github.com/cuemby/durawasm/pkg/log"
	"github.com/cuemby/durawasm/pkg/metrics"
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/promise"
	"github.com/cuemby/durawasm/pkg/queue"
	"github.com/cuemby/durawasm/pkg/runtime"
	"github.com/cuemby/durawasm/pkg/types"
	"github.com/cuemby/durawasm/pkg/worker"
)

// Config wires the executor to its backing stores and execution engine.
type Config struct {
	// MaxConcurrentWorkers bounds the pool of simultaneously loaded
	// workers; CreateOrGet blocks until a slot is free.
	MaxConcurrentWorkers int
	// IdleTimeout is how long a Live/Suspended worker may sit with no
	// invocation activity before the sweep evicts it.
	IdleTimeout time.Duration
	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration
	// QueueCapacity is the soft cap passed to each worker's invocation queue.
	QueueCapacity int

	OpenStore      func(types.WorkerId) (oplog.Store, error)
	Meta           oplog.MetaStore
	Engine         engine.ExecutionEngine
	ComponentBytes func(types.ComponentId, types.ComponentVersion) ([]byte, error)
	Promises       *promise.Manager
	Scheduler      *promise.Scheduler

	// Events receives worker lifecycle notifications, if non-nil.
	Events *events.Broker

	// Sandbox, if non-nil, additionally runs each worker's host process
	// inside a containerd-managed cgroup for kernel-enforced
	// memory/CPU limits. SandboxImage is the locally-present
	// host-process image; SandboxLimits bounds it.
	Sandbox       *runtime.Sandbox
	SandboxImage  string
	SandboxLimits runtime.Limits
}

type managedWorker struct {
	worker       *worker.Worker
	store        oplog.Store
	cancel       context.CancelFunc
	mu           sync.Mutex
	lastActivity time.Time
}

// Executor loads, runs, and reclaims workers within its configured
// resource bounds.
type Executor struct {
	cfg    Config
	sem    chan struct{}
	logger zerolog.Logger

	mu      sync.RWMutex
	workers map[types.WorkerId]*managedWorker

	invocations sync.Map // invocationId -> *asyncInvocation

	stopCh    chan struct{}
	collector *metrics.Collector
}

type asyncInvocation struct {
	done         chan queue.Result
	mu           sync.Mutex
	doneReceived bool
	result       queue.Result
}

// New constructs an Executor. Call Start to begin the idle-eviction sweep.
func New(cfg Config) *Executor {
	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = 64
	}
	e := &Executor{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrentWorkers),
		logger:  log.WithComponent(log.Logger, "executor"),
		workers: make(map[types.WorkerId]*managedWorker),
		stopCh:  make(chan struct{}),
	}
	e.collector = metrics.NewCollector(e)
	return e
}

// Start launches the idle-eviction sweep loop and the periodic metrics
// collector, each on its own goroutine.
func (e *Executor) Start() {
	go e.sweepLoop()
	e.collector.Start()
}

// Stop halts the sweep loop and every loaded worker's run loop, flushing
// each one's oplog ("idle workers are evicted (oplog
// flushed, in-memory state dropped)").
func (e *Executor) Stop() {
	close(e.stopCh)
	e.collector.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, mw := range e.workers {
		e.shutdownLocked(mw)
		delete(e.workers, id)
	}
}

// Stats reports the number of currently-loaded workers grouped by
// status, for the periodic metrics collector.
func (e *Executor) Stats() map[types.WorkerStatus]int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts := make(map[types.WorkerStatus]int)
	for _, mw := range e.workers {
		counts[mw.worker.State()]++
	}
	return counts
}

func (e *Executor) sweepLoop() {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepIdle()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Executor) sweepIdle() {
	if e.cfg.IdleTimeout <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for id, mw := range e.workers {
		status := mw.worker.State()
		if status != types.StatusLive && status != types.StatusSuspended {
			continue
		}

		mw.mu.Lock()
		idle := now.Sub(mw.lastActivity)
		mw.mu.Unlock()

		if idle < e.cfg.IdleTimeout {
			continue
		}

		e.logger.Info().Str("worker_id", id.String()).Dur("idle", idle).Msg("evicting idle worker")
		e.shutdownLocked(mw)
		delete(e.workers, id)
		metrics.WorkerEvictionsTotal.Inc()
		e.publish(events.EventWorkerEvicted, id, "idle timeout exceeded")
	}
}

func (e *Executor) publish(evType events.EventType, id types.WorkerId, message string) {
	if e.cfg.Events == nil {
		return
	}
	e.cfg.Events.Publish(&events.Event{Type: evType, WorkerId: id, Message: message})
}

func (e *Executor) shutdownLocked(mw *managedWorker) {
	mw.cancel()
	mw.worker.Stop()
	if e.cfg.Sandbox != nil {
		id := mw.worker.Metadata().WorkerId
		if err := e.cfg.Sandbox.Delete(context.Background(), id); err != nil {
			e.logger.Warn().Err(err).Str("worker_id", id.String()).Msg("sandbox delete failed")
		}
	}
	<-e.sem
}

// CreateOrGet returns the already-loaded worker for id, or creates a
// brand new one from create if none exists yet and the oplog is empty,
// or replays an existing oplog otherwise (// "create_or_get(worker_id, args, env) -> WorkerHandle").
func (e *Executor) CreateOrGet(ctx context.Context, id types.WorkerId, create worker.Create) (*worker.Worker, error) {
	e.mu.RLock()
	if mw, ok := e.workers[id]; ok {
		e.mu.RUnlock()
		return mw.worker, nil
	}
	e.mu.RUnlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	store, err := e.cfg.OpenStore(id)
	if err != nil {
		<-e.sem
		return nil, fmt.Errorf("executor: open store for %s: %w", id, err)
	}

	w := worker.New(worker.Config{
		WorkerId:      id,
		Store:         store,
		Meta:          e.cfg.Meta,
		Engine:        e.cfg.Engine,
		Promises:      e.cfg.Promises,
		Scheduler:     e.cfg.Scheduler,
		QueueCapacity: e.cfg.QueueCapacity,
		IdleTimeout:   e.cfg.IdleTimeout,
	})

	if store.LastIndex() == 0 {
		create.ComponentId = id.ComponentId
		if err := w.CreateNew(ctx, create); err != nil {
			<-e.sem
			return nil, fmt.Errorf("executor: create worker %s: %w", id, err)
		}
		e.publish(events.EventWorkerCreated, id, "")
	} else if err := w.Load(ctx, e.cfg.ComponentBytes); err != nil {
		<-e.sem
		return nil, fmt.Errorf("executor: load worker %s: %w", id, err)
	} else {
		e.publish(events.EventWorkerLoaded, id, "")
	}

	if e.cfg.Sandbox != nil {
		if err := e.cfg.Sandbox.Spawn(ctx, id, e.cfg.SandboxImage, e.cfg.SandboxLimits, nil); err != nil {
			<-e.sem
			return nil, fmt.Errorf("executor: spawn sandbox for %s: %w", id, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	mw := &managedWorker{worker: w, store: store, cancel: cancel, lastActivity: time.Now()}

	e.mu.Lock()
	e.workers[id] = mw
	e.mu.Unlock()

	go e.runWorker(runCtx, mw)
	return w, nil
}

// runWorker drives one worker's invocation loop, recovering from any
// guest-code panic: the host process survives, the worker is marked
// Retrying or Failed, and if it's still usable the loop is restarted.
func (e *Executor) runWorker(ctx context.Context, mw *managedWorker) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					id := mw.worker.Metadata().WorkerId
					e.logger.Error().Interface("panic", r).Str("worker_id", id.String()).Msg("recovered panic in worker loop")
					mw.worker.RecordPanic(r)
					e.publish(events.EventWorkerRetrying, id, fmt.Sprint(r))
				}
			}()
			mw.worker.Run(ctx)
		}()

		if ctx.Err() != nil {
			return
		}
		if mw.worker.State() == types.StatusFailed || mw.worker.State() == types.StatusExited {
			return
		}
	}
}

func (e *Executor) touch(mw *managedWorker) {
	mw.mu.Lock()
	mw.lastActivity = time.Now()
	mw.mu.Unlock()
}

func (e *Executor) get(id types.WorkerId) (*managedWorker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mw, ok := e.workers[id]
	if !ok {
		return nil, fmt.Errorf("executor: %w: %s", types.ErrNoSuchWorker, id)
	}
	return mw, nil
}

// Invoke runs one export synchronously (// "invoke(handle, function_name, payload, idempotency_key?) ->
// Future<Result<bytes, WorkerError>>").
func (e *Executor) Invoke(ctx context.Context, id types.WorkerId, functionName string, payload []byte, idempotencyKey types.IdempotencyKey) ([]byte, error) {
	mw, err := e.get(id)
	if err != nil {
		return nil, err
	}
	e.touch(mw)

	inv := &queue.Invocation{
		FunctionName:   functionName,
		Request:        payload,
		IdempotencyKey: idempotencyKey,
		Done:           make(chan queue.Result, 1),
	}
	if err := mw.worker.Enqueue(inv); err != nil {
		return nil, err
	}

	select {
	case result := <-inv.Done:
		return result.Response, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvokeAsync enqueues an export invocation and returns immediately with
// an InvocationId for later Poll/Await ("invoke_async(handle,
// …) -> InvocationId with poll(InvocationId) / await(InvocationId)").
func (e *Executor) InvokeAsync(id types.WorkerId, functionName string, payload []byte, idempotencyKey types.IdempotencyKey) (types.InvocationId, error) {
	mw, err := e.get(id)
	if err != nil {
		return "", err
	}
	e.touch(mw)

	inv := &queue.Invocation{
		FunctionName:   functionName,
		Request:        payload,
		IdempotencyKey: idempotencyKey,
		Done:           make(chan queue.Result, 1),
	}
	if err := mw.worker.Enqueue(inv); err != nil {
		return "", err
	}

	invocationId := types.InvocationId(uuid.NewString())
	async := &asyncInvocation{done: inv.Done}
	e.invocations.Store(invocationId, async)
	log.WithInvocationID(e.logger, string(invocationId)).Debug().Str("worker_id", id.String()).Str("function", functionName).Msg("invocation queued")

	go func() {
		result := <-inv.Done
		async.mu.Lock()
		async.result = result
		async.doneReceived = true
		async.mu.Unlock()
	}()

	return invocationId, nil
}

// Poll returns an async invocation's result if it has completed.
func (e *Executor) Poll(id types.InvocationId) (queue.Result, bool) {
	v, ok := e.invocations.Load(id)
	if !ok {
		return queue.Result{}, false
	}
	async := v.(*asyncInvocation)
	async.mu.Lock()
	defer async.mu.Unlock()
	if !async.doneReceived {
		return queue.Result{}, false
	}
	return async.result, true
}

// Await blocks until an async invocation completes or ctx is cancelled.
func (e *Executor) Await(ctx context.Context, id types.InvocationId) (queue.Result, error) {
	v, ok := e.invocations.Load(id)
	if !ok {
		return queue.Result{}, fmt.Errorf("executor: no such invocation %s", id)
	}
	async := v.(*asyncInvocation)
	select {
	case result := <-async.done:
		async.mu.Lock()
		async.result = result
		async.doneReceived = true
		async.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return queue.Result{}, ctx.Err()
	}
}

// GetMetadata returns a worker's lifecycle summary.
func (e *Executor) GetMetadata(id types.WorkerId) (types.WorkerMetadata, error) {
	mw, err := e.get(id)
	if err != nil {
		return types.WorkerMetadata{}, err
	}
	return mw.worker.Metadata(), nil
}

// Interrupt signals a loaded worker per mode: interrupt and suspend both
// request the worker stop at its next safe point; restart additionally
// drops it from the executor so the next CreateOrGet reloads it fresh
// from its oplog.
func (e *Executor) Interrupt(id types.WorkerId, mode types.InterruptMode) error {
	mw, err := e.get(id)
	if err != nil {
		return err
	}

	if err := mw.worker.Interrupt(); err != nil {
		return err
	}
	e.publish(events.EventWorkerInterrupted, id, string(mode))

	if mode == types.InterruptModeRestart {
		e.mu.Lock()
		e.shutdownLocked(mw)
		delete(e.workers, id)
		e.mu.Unlock()
	}
	return nil
}

// Update drives an update against a loaded worker (// "update(handle, target_version, mode)").
func (e *Executor) Update(ctx context.Context, id types.WorkerId, newComponentBytes []byte, targetVersion types.ComponentVersion, mode types.UpdateMode) error {
	mw, err := e.get(id)
	if err != nil {
		return err
	}
	err = mw.worker.ApplyUpdate(ctx, newComponentBytes, targetVersion, mode)
	if err != nil {
		e.publish(events.EventWorkerFailed, id, err.Error())
		return err
	}
	e.publish(events.EventWorkerUpdated, id, string(mode))
	return nil
}

// Revert drives an admin revert against a loaded worker.
func (e *Executor) Revert(id types.WorkerId, targetIndex types.OplogIndex) error {
	mw, err := e.get(id)
	if err != nil {
		return err
	}
	if err := mw.worker.Revert(targetIndex); err != nil {
		return err
	}
	e.publish(events.EventWorkerReverted, id, fmt.Sprintf("target=%d", targetIndex))
	return nil
}

// CreatePromise, CompletePromise, and AwaitPromise expose the promise
// subsystem against a specific loaded worker's oplog.
func (e *Executor) CreatePromise(id types.WorkerId) (types.PromiseId, error) {
	mw, err := e.get(id)
	if err != nil {
		return types.PromiseId{}, err
	}
	return e.cfg.Promises.CreatePromise(id, mw.store)
}

func (e *Executor) CompletePromise(id types.WorkerId, promiseId types.PromiseId, data []byte) error {
	mw, err := e.get(id)
	if err != nil {
		return err
	}
	return e.cfg.Promises.Complete(promiseId, data, mw.store)
}

func (e *Executor) AwaitPromise(ctx context.Context, promiseId types.PromiseId) ([]byte, error) {
	return e.cfg.Promises.Await(ctx, promiseId)
}
