// Package worker implements the durable worker state machine:
// load-or-replay, the live invocation loop, suspend/resume around
// promises, interruption, retry-with-backoff on transient host
// failure, and update handling. The run loop follows a ticker/stopCh
// idiom generalized from periodic polling to export invocation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/engine"
	"github.com/cuemby/durawasm/pkg/log"
	"github.com/cuemby/durawasm/pkg/metrics"
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/promise"
	"github.com/cuemby/durawasm/pkg/queue"
	"github.com/cuemby/durawasm/pkg/replay"
	"github.com/cuemby/durawasm/pkg/types"
	"github.com/cuemby/durawasm/pkg/update"
)

// Config wires a Worker to its durable store, metadata index, and the
// execution engine it drives.
type Config struct {
	WorkerId       types.WorkerId
	Store          oplog.Store
	Meta           oplog.MetaStore
	Engine         engine.ExecutionEngine
	Promises       *promise.Manager
	Scheduler      *promise.Scheduler
	QueueCapacity  int
	IdleTimeout    time.Duration
	ComponentBytes []byte // used only when creating a brand new worker
}

// Worker is one loaded durable worker: its oplog, its durability
// wrapper, its invocation queue, and its current lifecycle state.
type Worker struct {
	id      types.WorkerId
	store   oplog.Store
	meta    oplog.MetaStore
	engine  engine.ExecutionEngine
	updater *update.Updater
	queue   *queue.Queue

	promises  *promise.Manager
	scheduler *promise.Scheduler

	idleTimeout time.Duration
	stopCh      chan struct{}
	logger      zerolog.Logger

	mu               sync.RWMutex
	state            types.WorkerStatus
	instance         engine.Instance
	wrapper          *durability.Wrapper
	retryPolicy      types.RetryPolicy
	retryCount       int
	args             []string
	env              map[string]string
	componentVersion types.ComponentVersion
}

// New constructs a Worker around its oplog and execution engine, but
// does not yet load or create it -- call Load or CreateNew first.
func New(cfg Config) *Worker {
	return &Worker{
		id:          cfg.WorkerId,
		store:       cfg.Store,
		meta:        cfg.Meta,
		engine:      cfg.Engine,
		updater:     update.New(cfg.Engine),
		queue:       queue.New(cfg.QueueCapacity),
		promises:    cfg.Promises,
		scheduler:   cfg.Scheduler,
		idleTimeout: cfg.IdleTimeout,
		stopCh:      make(chan struct{}),
		logger:      log.WithWorkerID(log.WithComponentID(log.Logger, string(cfg.WorkerId.ComponentId)), cfg.WorkerId.Name),
		state:       types.StatusLoading,
		retryPolicy: types.DefaultRetryPolicy(),
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() types.WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s types.WorkerStatus) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	metrics.WorkersTotal.WithLabelValues(string(s)).Inc()
	w.logger.Debug().Str("state", string(s)).Msg("worker state transition")
	w.persistMeta()
}

func (w *Worker) persistMeta() {
	w.mu.RLock()
	meta := oplog.WorkerMeta{
		WorkerId:         w.id,
		LastDurableIndex: w.store.LastIndex(),
		Status:           w.state,
		RetryCount:       w.retryCount,
		ComponentVersion: w.componentVersion,
	}
	w.mu.RUnlock()
	if err := w.meta.Put(meta); err != nil {
		w.logger.Warn().Err(err).Msg("failed to persist worker metadata")
	}
}

// CreateNew initializes a brand new worker: writes the Create entry and
// instantiates its component, then goes live.
func (w *Worker) CreateNew(ctx context.Context, req Create) error {
	if w.store.LastIndex() != 0 {
		return fmt.Errorf("worker: %s already has an oplog", w.id)
	}

	if _, err := w.store.Append(oplog.Entry{Payload: &oplog.Create{
		ComponentId:          req.ComponentId,
		ComponentVersion:     req.ComponentVersion,
		Args:                 req.Args,
		Env:                  req.Env,
		InitialActivePlugins: req.InitialActivePlugins,
		InitialFiles:         req.InitialFiles,
	}}); err != nil {
		return fmt.Errorf("worker: append Create: %w", err)
	}

	instance, err := w.engine.Instantiate(ctx, engine.InstantiateRequest{
		ComponentBytes: req.ComponentBytes,
		Args:           req.Args,
		Env:            req.Env,
		InitialFiles:   req.InitialFiles,
	})
	if err != nil {
		return fmt.Errorf("worker: instantiate: %w", err)
	}

	w.mu.Lock()
	w.instance = instance
	w.wrapper = durability.New(w.id, w.store)
	w.retryPolicy = types.DefaultRetryPolicy()
	w.wrapper.SetRetryPolicy(w.retryPolicy)
	w.args = req.Args
	w.env = req.Env
	w.componentVersion = req.ComponentVersion
	w.mu.Unlock()

	w.setState(types.StatusLive)
	return nil
}

// Create carries everything needed to bring up a brand new worker.
type Create struct {
	ComponentId          types.ComponentId
	ComponentVersion     types.ComponentVersion
	ComponentBytes       []byte
	Args                 []string
	Env                  map[string]string
	InitialActivePlugins []string
	InitialFiles         map[string][]byte
}

// Load reconstructs worker state from the oplog, reissues every pending
// export through a replay-mode durability wrapper, and promotes to live
// once the cursor catches up (Loading -> Replaying
// -> Live).
func (w *Worker) Load(ctx context.Context, componentBytes func(types.ComponentId, types.ComponentVersion) ([]byte, error)) error {
	timer := metrics.NewTimer()
	w.setState(types.StatusLoading)

	session, err := replay.Load(w.id, w.store)
	if err != nil {
		return fmt.Errorf("worker: load: %w", err)
	}

	w.setState(types.StatusReplaying)

	bytes, err := componentBytes(session.State.ComponentId, session.State.ComponentVersion)
	if err != nil {
		return fmt.Errorf("worker: resolve component bytes: %w", err)
	}
	instance, err := w.engine.Instantiate(ctx, engine.InstantiateRequest{
		ComponentBytes: bytes,
		Args:           session.State.Args,
		Env:            session.State.Env,
	})
	if err != nil {
		return fmt.Errorf("worker: instantiate for replay: %w", err)
	}

	for _, pending := range session.State.PendingExports {
		response, err := w.engine.InvokeExport(ctx, instance, pending.FunctionName, pending.Request)
		if err != nil {
			if errors.Is(err, engine.ErrSuspended) {
				w.setState(types.StatusSuspended)
				w.adoptReplaySession(instance, session)
				timer.ObserveDuration(metrics.ReplayDuration)
				return nil
			}

			var divergence *types.DivergenceError
			var corruption *types.CorruptionError
			if errors.As(err, &divergence) || errors.As(err, &corruption) {
				metrics.DivergencesTotal.Inc()
				log.WithOplogIndex(w.logger, w.store.LastIndex()).Error().Err(err).Msg("replay divergence detected")
				w.setState(types.StatusFailed)
				return err
			}
			w.setState(types.StatusFailed)
			return fmt.Errorf("worker: reissue pending export %s: %w", pending.FunctionName, err)
		}

		completed := oplog.ExportedFunctionCompleted{Response: response, ConsumedFuel: w.engine.ConsumedFuel(instance)}
		if _, err := w.store.Append(oplog.Entry{Payload: &completed}); err != nil {
			w.setState(types.StatusFailed)
			return fmt.Errorf("worker: append ExportedFunctionCompleted for reissued %s: %w", pending.FunctionName, err)
		}
	}

	if !session.Done() {
		w.setState(types.StatusFailed)
		return fmt.Errorf("worker: %s: replay cursor did not reach the oplog tail", w.id)
	}

	session.Promote()
	w.adoptReplaySession(instance, session)
	w.setState(types.StatusLive)
	timer.ObserveDuration(metrics.ReplayDuration)
	return nil
}

func (w *Worker) adoptReplaySession(instance engine.Instance, session *replay.Session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instance = instance
	w.wrapper = session.Wrapper
	w.retryPolicy = session.State.RetryPolicy
	w.wrapper.SetRetryPolicy(w.retryPolicy)
	w.args = session.State.Args
	w.env = session.State.Env
	w.componentVersion = session.State.ComponentVersion
}

// Metadata reports the summary exposed by get_metadata.
func (w *Worker) Metadata() types.WorkerMetadata {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return types.WorkerMetadata{
		WorkerId:         w.id,
		Status:           w.state,
		LastIndex:        w.store.LastIndex(),
		ComponentVersion: w.componentVersion,
		RetryCount:       w.retryCount,
	}
}

// Enqueue submits a new invocation. It returns types.ErrQueueFull if
// the worker's queue is at capacity.
func (w *Worker) Enqueue(inv *queue.Invocation) error {
	return w.queue.Enqueue(inv)
}

// ScheduleInvocation arms a delayed self-invocation through the
// node-global scheduler: the guest awaits the returned promise, which
// completes when functionName's request is replayed at targetTimeMs. A
// nil scheduler (replay-only contexts, e.g. the CLI) fails permanently
// since no live timer thread exists to arm.
func (w *Worker) ScheduleInvocation(functionName string, request []byte, targetTimeMs int64) (types.PromiseId, error) {
	if w.scheduler == nil {
		return types.PromiseId{}, fmt.Errorf("worker %s: %w: no scheduler configured", w.id, types.ErrHostPermanent)
	}
	return w.scheduler.Schedule(w.id, w.store, functionName, request, targetTimeMs)
}

// Cancel attempts to cancel a not-yet-started invocation; if it has
// already been dequeued, the caller should rely on the oplog's
// Interrupted entry instead.
func (w *Worker) Cancel(key types.IdempotencyKey) bool {
	return w.queue.Cancel(key)
}

// Run drives the worker's invocation loop until ctx is cancelled or
// Stop is called. It should run on its own goroutine, one per loaded
// worker, per the single-worker cooperative execution model.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		inv, ok := w.queue.Next(ctx, w.idleTimeout)
		if !ok {
			continue
		}
		w.handleInvocation(ctx, inv)
	}
}

func (w *Worker) handleInvocation(ctx context.Context, inv *queue.Invocation) {
	if w.State() != types.StatusLive {
		inv.Done <- queue.Result{Err: fmt.Errorf("worker: %s is not live (state=%s)", w.id, w.State())}
		return
	}

	if _, err := w.store.Append(oplog.Entry{Payload: &oplog.ExportedFunctionInvoked{
		FunctionName:   inv.FunctionName,
		Request:        inv.Request,
		IdempotencyKey: inv.IdempotencyKey,
	}}); err != nil {
		inv.Done <- queue.Result{Err: err}
		return
	}

	timer := metrics.NewTimer()
	w.mu.RLock()
	instance := w.instance
	w.mu.RUnlock()

	response, err := w.invokeWithRetry(ctx, instance, inv.FunctionName, inv.Request)
	timer.ObserveDurationVec(metrics.InvocationDuration, inv.FunctionName)

	completed := oplog.ExportedFunctionCompleted{Response: response, ConsumedFuel: w.engine.ConsumedFuel(instance)}
	if err != nil {
		completed.Error = err.Error()
	}
	if _, appendErr := w.store.Append(oplog.Entry{Payload: &completed}); appendErr != nil {
		inv.Done <- queue.Result{Err: appendErr}
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.InvocationsTotal.WithLabelValues(inv.FunctionName, outcome).Inc()

	result := queue.Result{Response: response, Err: err}
	w.queue.RecordCompletion(inv.IdempotencyKey, result)
	inv.Done <- result
}

// invokeWithRetry runs one export, retrying transient host failures per
// the worker's current retry policy (Live/Replaying ->
// Retrying on transient failure; Retrying -> Live after backoff; after
// max_attempts, -> Failed).
func (w *Worker) invokeWithRetry(ctx context.Context, instance engine.Instance, name string, request []byte) ([]byte, error) {
	policy := w.currentRetryPolicy()
	wait := time.Duration(policy.InitialWait) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		response, err := w.engine.InvokeExport(ctx, instance, name, request)
		if err == nil {
			w.resetRetryCount()
			return response, nil
		}

		if errors.Is(err, engine.ErrSuspended) {
			w.setState(types.StatusSuspended)
			return nil, err
		}
		if !errors.Is(err, types.ErrHostTransient) {
			return nil, err
		}

		lastErr = err
		w.incrementRetryCount()
		if attempt == policy.MaxAttempts {
			break
		}
		w.setState(types.StatusRetrying)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		wait = time.Duration(float64(wait) * policy.Multiplier)
		if max := time.Duration(policy.MaxWait) * time.Millisecond; wait > max {
			wait = max
		}
		w.setState(types.StatusLive)
	}

	w.setState(types.StatusFailed)
	return nil, lastErr
}

func (w *Worker) currentRetryPolicy() types.RetryPolicy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.retryPolicy
}

func (w *Worker) incrementRetryCount() {
	w.mu.Lock()
	w.retryCount++
	w.mu.Unlock()
}

func (w *Worker) resetRetryCount() {
	w.mu.Lock()
	w.retryCount = 0
	w.mu.Unlock()
}

// Revert discards every entry after targetIndex by writing a Revert
// entry, an admin operation ("revert(handle, target_index)
// (admin)"). It requires a safe point and is rejected if the dropped
// region contains an irreversible remote write.
func (w *Worker) Revert(targetIndex types.OplogIndex) error {
	if w.State() != types.StatusLive {
		return fmt.Errorf("worker: %s: revert requires a safe point, current state is %s", w.id, w.State())
	}
	if err := w.updater.ApplyRevert(w.store, targetIndex); err != nil {
		return fmt.Errorf("worker: revert to %d: %w", targetIndex, err)
	}
	return nil
}

// Interrupt requests the worker stop at its next safe point. The next
// Load resumes from Replaying.
func (w *Worker) Interrupt() error {
	if _, err := w.store.Append(oplog.Entry{Payload: &oplog.Interrupted{}}); err != nil {
		return fmt.Errorf("worker: append Interrupted: %w", err)
	}
	w.setState(types.StatusInterrupted)
	return nil
}

// Exit marks the worker as having returned from its run export.
func (w *Worker) Exit() error {
	if _, err := w.store.Append(oplog.Entry{Payload: &oplog.Exited{}}); err != nil {
		return fmt.Errorf("worker: append Exited: %w", err)
	}
	w.setState(types.StatusExited)
	return nil
}

// ApplyUpdate drives the worker through Live -> Updating -> Live/Failed.
// It requires the worker be at a safe point -- Live, with no export in
// flight, per the drain-to-safe-point gate -- and records the attempt
// as a PendingUpdate entry before either update strategy runs.
func (w *Worker) ApplyUpdate(ctx context.Context, newComponentBytes []byte, targetVersion types.ComponentVersion, mode types.UpdateMode) error {
	if w.State() != types.StatusLive {
		return fmt.Errorf("worker: %s: update requires a safe point, current state is %s", w.id, w.State())
	}

	if _, err := w.store.Append(oplog.Entry{Payload: &oplog.PendingUpdate{TargetVersion: targetVersion, Mode: mode}}); err != nil {
		return fmt.Errorf("worker: append PendingUpdate: %w", err)
	}
	w.setState(types.StatusUpdating)

	var outcome string
	switch mode {
	case types.UpdateModeSnapshot:
		outcome = w.applySnapshotUpdate(ctx, newComponentBytes, targetVersion)
	case types.UpdateModeAutomatic:
		outcome = w.applyAutomaticUpdate(ctx, newComponentBytes, targetVersion)
	default:
		w.setState(types.StatusFailed)
		return fmt.Errorf("worker: unknown update mode %q", mode)
	}

	metrics.UpdatesTotal.WithLabelValues(string(mode), outcome).Inc()
	if outcome != "success" {
		return fmt.Errorf("worker: %s: update to version %d failed", w.id, targetVersion)
	}
	return nil
}

func (w *Worker) applySnapshotUpdate(ctx context.Context, newComponentBytes []byte, targetVersion types.ComponentVersion) string {
	w.mu.RLock()
	current := w.instance
	w.mu.RUnlock()

	next, err := w.updater.ApplySnapshot(ctx, w.store, current, newComponentBytes, targetVersion)
	if err != nil {
		w.logger.Error().Err(err).Msg("snapshot update failed")
		w.setState(types.StatusFailed)
		return "failure"
	}

	w.mu.Lock()
	w.instance = next
	w.componentVersion = targetVersion
	w.mu.Unlock()
	w.setState(types.StatusLive)
	return "success"
}

// applyAutomaticUpdate re-instantiates the worker under the new component
// version from its original creation args/env (no state transfer), then
// excises the discarded post-Create history with a Jump -- rejected as
// unsafe if that history contains an irreversible remote write.
func (w *Worker) applyAutomaticUpdate(ctx context.Context, newComponentBytes []byte, targetVersion types.ComponentVersion) string {
	w.mu.RLock()
	args, env := w.args, w.env
	w.mu.RUnlock()

	next, err := w.engine.Instantiate(ctx, engine.InstantiateRequest{
		ComponentBytes: newComponentBytes,
		Args:           args,
		Env:            env,
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("automatic update: instantiate new version failed")
		w.setState(types.StatusFailed)
		return "failure"
	}

	const afterCreate = types.OplogIndex(2)
	if err := w.updater.ApplyAutomatic(w.store, afterCreate); err != nil {
		_ = w.engine.Close(ctx, next)
		w.logger.Error().Err(err).Msg("automatic update rejected")
		w.setState(types.StatusFailed)
		return "failure"
	}

	w.mu.Lock()
	old := w.instance
	w.instance = next
	w.componentVersion = targetVersion
	w.mu.Unlock()
	_ = w.engine.Close(ctx, old)
	w.setState(types.StatusLive)
	return "success"
}

// RecordPanic handles a recovered panic from guest code: it writes an
// Error entry and moves the worker to Retrying (if its retry budget
// allows another attempt) or Failed, but never tears down the host
// process -- that decision belongs to the executor, which keeps the
// worker loaded either way.
func (w *Worker) RecordPanic(recovered any) {
	if _, err := w.store.Append(oplog.Entry{Payload: &oplog.Error{Detail: fmt.Sprint(recovered)}}); err != nil {
		w.logger.Warn().Err(err).Msg("failed to append Error entry for recovered panic")
	}

	w.incrementRetryCount()
	w.mu.RLock()
	count, policy := w.retryCount, w.retryPolicy
	w.mu.RUnlock()

	if count > policy.MaxAttempts {
		w.setState(types.StatusFailed)
		return
	}
	w.setState(types.StatusRetrying)
}

// Stop halts the invocation loop without writing Interrupted; used when
// evicting an idle worker, whose state is simply dropped from memory.
func (w *Worker) Stop() {
	close(w.stopCh)
	if w.instance != nil {
		_ = w.engine.Close(context.Background(), w.instance)
	}
}

// Wrapper exposes the worker's durability wrapper for the host-call
// catalog (pkg/hostcall) to route calls through.
func (w *Worker) Wrapper() *durability.Wrapper {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.wrapper
}

