// Package update implements the two update-engine modes: snapshot-based
// (save_snapshot/load_snapshot bracketed by an atomic region) and
// automatic (replay-then-jump, rejected when the jumped region contains
// an irreversible remote write).
package update

import (
	"context"
	"fmt"

	"github.com/cuemby/durawasm/pkg/engine"
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// Updater drives both update modes against a concrete execution engine.
// Callers (the worker state machine) are responsible for draining the
// worker to a safe point -- no in-flight export -- before calling either
// method.
type Updater struct {
	engine engine.ExecutionEngine
}

func New(exec engine.ExecutionEngine) *Updater {
	return &Updater{engine: exec}
}

// ApplySnapshot performs a snapshot-based update: save state from the
// running instance, instantiate the new component version, and restore
// the snapshot into it. On any failure it writes FailedUpdate and
// EndAtomicRegion and returns a nil instance with an error; current is
// not modified.
func (u *Updater) ApplySnapshot(ctx context.Context, store oplog.Store, current engine.Instance, newComponentBytes []byte, targetVersion types.ComponentVersion) (engine.Instance, error) {
	if _, err := store.Append(oplog.Entry{Payload: &oplog.BeginAtomicRegion{}}); err != nil {
		return nil, fmt.Errorf("update: append BeginAtomicRegion: %w", err)
	}
	beginIdx := store.LastIndex()

	snapshot, err := u.engine.Snapshot(ctx, current)
	if err != nil {
		return nil, u.fail(store, targetVersion, beginIdx, fmt.Sprintf("save_snapshot: %v", err))
	}

	next, err := u.engine.Instantiate(ctx, engine.InstantiateRequest{ComponentBytes: newComponentBytes})
	if err != nil {
		return nil, u.fail(store, targetVersion, beginIdx, fmt.Sprintf("instantiate target version: %v", err))
	}

	if err := u.engine.Restore(ctx, next, snapshot); err != nil {
		_ = u.engine.Close(ctx, next)
		return nil, u.fail(store, targetVersion, beginIdx, fmt.Sprintf("load_snapshot: %v", err))
	}

	if _, err := store.Append(oplog.Entry{Payload: &oplog.SuccessfulUpdate{
		TargetVersion:    targetVersion,
		NewComponentSize: int64(len(newComponentBytes)),
	}}); err != nil {
		return nil, fmt.Errorf("update: append SuccessfulUpdate: %w", err)
	}
	if _, err := store.Append(oplog.Entry{Payload: &oplog.EndAtomicRegion{BeginIndex: beginIdx}}); err != nil {
		return nil, fmt.Errorf("update: append EndAtomicRegion: %w", err)
	}

	return next, nil
}

func (u *Updater) fail(store oplog.Store, targetVersion types.ComponentVersion, beginIdx types.OplogIndex, details string) error {
	if _, err := store.Append(oplog.Entry{Payload: &oplog.FailedUpdate{TargetVersion: targetVersion, Details: details}}); err != nil {
		return fmt.Errorf("update: append FailedUpdate: %w", err)
	}
	if _, err := store.Append(oplog.Entry{Payload: &oplog.EndAtomicRegion{BeginIndex: beginIdx}}); err != nil {
		return fmt.Errorf("update: append EndAtomicRegion: %w", err)
	}
	return fmt.Errorf("update: %s", details)
}

// ApplyAutomatic attempts the jump-based update path: replay diverged at
// divergeAt against the new component, so the region [divergeAt,
// last_index] is excised by a Jump. If that region contains any
// irreversible write (WriteRemote/WriteRemoteBatched, or an
// unterminated remote-write bracket), the update is rejected as unsafe
// and no Jump is written.
func (u *Updater) ApplyAutomatic(store oplog.Store, divergeAt types.OplogIndex) error {
	last := store.LastIndex()
	if divergeAt > last {
		return fmt.Errorf("update: divergeAt %d beyond last index %d", divergeAt, last)
	}

	entries, err := store.Scan(divergeAt, last)
	if err != nil {
		return fmt.Errorf("update: scan jumped region: %w", err)
	}
	for _, e := range entries {
		switch p := e.Payload.(type) {
		case *oplog.ImportedFunctionInvoked:
			if p.WrappedFunctionType == types.WriteRemote || p.WrappedFunctionType == types.WriteRemoteBatched {
				return types.ErrUnsafeUpdate
			}
		case *oplog.BeginRemoteWrite, *oplog.EndRemoteWrite:
			return types.ErrUnsafeUpdate
		}
	}

	// Jump.To is one past the pre-update tail: a cursor redirected here has
	// nothing left to replay and goes live immediately, since every entry
	// in [divergeAt, last] is superseded by the new component's own run.
	if _, err := store.Append(oplog.Entry{Payload: &oplog.Jump{From: divergeAt, To: last + 1}}); err != nil {
		return fmt.Errorf("update: append Jump: %w", err)
	}
	return nil
}

// ApplyRevert excises (targetIndex, last] from replay by writing a Revert
// entry, without mutating any sealed chunk ("Revert is
// implemented by writing a Revert entry to the active chunk, not by
// mutating prior chunks"). Rejected as unsafe if the dropped region
// contains an irreversible remote write.
func (u *Updater) ApplyRevert(store oplog.Store, targetIndex types.OplogIndex) error {
	last := store.LastIndex()
	if targetIndex >= last {
		return fmt.Errorf("update: revert target %d is not before last index %d", targetIndex, last)
	}

	entries, err := store.Scan(targetIndex+1, last)
	if err != nil {
		return fmt.Errorf("update: scan dropped region: %w", err)
	}
	for _, e := range entries {
		switch p := e.Payload.(type) {
		case *oplog.ImportedFunctionInvoked:
			if p.WrappedFunctionType == types.WriteRemote || p.WrappedFunctionType == types.WriteRemoteBatched {
				return types.ErrUnsafeRevert
			}
		case *oplog.BeginRemoteWrite, *oplog.EndRemoteWrite:
			return types.ErrUnsafeRevert
		}
	}

	if _, err := store.Append(oplog.Entry{Payload: &oplog.Revert{DroppedFrom: targetIndex + 1, DroppedTo: last}}); err != nil {
		return fmt.Errorf("update: append Revert: %w", err)
	}
	return nil
}
