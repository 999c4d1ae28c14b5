// Package replay reconstructs a worker's state from its oplog and drives
// the durability wrapper's replay cursor, grounded on
// original_source/golem-worker-executor-base/src/worker.rs's load path
// (read Create, fold every subsequent entry, reissue pending exports,
// then promote to live) and on the ticker/stopCh worker loop
// idiom (pkg/worker/worker.go) for how the result is consumed.
package replay

import (
	"github.com/cuemby/durawasm/pkg/metrics"
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// State is everything about a worker that replay must fold out of the
// oplog before the worker can run live.
type State struct {
	WorkerId         types.WorkerId
	ComponentId      types.ComponentId
	ComponentVersion types.ComponentVersion
	Args             []string
	Env              map[string]string
	ActivePlugins    []string
	RetryPolicy      types.RetryPolicy
	PendingExports   []PendingExport
	LastIndex        types.OplogIndex
}

// PendingExport is an ExportedFunctionInvoked entry with no matching
// ExportedFunctionCompleted yet -- work the worker must reissue before
// it can go live.
type PendingExport struct {
	Index          types.OplogIndex
	FunctionName   string
	Request        []byte
	IdempotencyKey types.IdempotencyKey
}

// Reconstruct folds a worker's oplog into a State without touching the
// durability wrapper. Entry 1 must be Create (invariant: "entry 1 is
// always Create"); an empty oplog means the worker does not exist.
func Reconstruct(workerId types.WorkerId, store oplog.Store) (*State, error) {
	last := store.LastIndex()
	if last == 0 {
		return nil, types.ErrNoSuchWorker
	}

	first, err := store.Read(1)
	if err != nil {
		return nil, err
	}
	create, ok := first.Payload.(*oplog.Create)
	if !ok {
		metrics.OplogCorruptionsTotal.Inc()
		return nil, &types.CorruptionError{WorkerId: workerId, Index: 1, Reason: "entry 1 is not Create"}
	}

	state := &State{
		WorkerId:         workerId,
		ComponentId:      create.ComponentId,
		ComponentVersion: create.ComponentVersion,
		Args:             create.Args,
		Env:              create.Env,
		ActivePlugins:    append([]string(nil), create.InitialActivePlugins...),
		RetryPolicy:      types.DefaultRetryPolicy(),
		LastIndex:        last,
	}

	jumpTargets := jumpTargetsFor(store, last)

	var pending []PendingExport
	for idx := types.OplogIndex(2); idx <= last; idx++ {
		if to, redirected := jumpTargets[idx]; redirected {
			idx = to - 1
			continue
		}

		entry, err := store.Read(idx)
		if err != nil {
			return nil, err
		}

		switch p := entry.Payload.(type) {
		case *oplog.ExportedFunctionInvoked:
			pending = append(pending, PendingExport{
				Index:          idx,
				FunctionName:   p.FunctionName,
				Request:        p.Request,
				IdempotencyKey: p.IdempotencyKey,
			})
		case *oplog.ExportedFunctionCompleted:
			if len(pending) > 0 {
				pending = pending[1:]
			}
		case *oplog.ActivatePlugin:
			state.ActivePlugins = append(state.ActivePlugins, p.PluginRef)
		case *oplog.DeactivatePlugin:
			state.ActivePlugins = removePlugin(state.ActivePlugins, p.PluginRef)
		case *oplog.ChangeRetryPolicy:
			state.RetryPolicy = p.NewPolicy
		case *oplog.SetRetryPolicy:
			state.RetryPolicy = p.Policy
		}
	}
	state.PendingExports = pending
	return state, nil
}
