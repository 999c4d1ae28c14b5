package update

import (
	"context"
	"fmt"
	"testing"

	"github.com/cuemby/durawasm/pkg/engine"
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	id    int
	state []byte
}

type fakeEngine struct {
	nextId       int
	snapshotErr  error
	instantiate  error
	restoreErr   error
}

func (f *fakeEngine) Instantiate(ctx context.Context, req engine.InstantiateRequest) (engine.Instance, error) {
	if f.instantiate != nil {
		return nil, f.instantiate
	}
	f.nextId++
	return &fakeInstance{id: f.nextId}, nil
}

func (f *fakeEngine) InvokeExport(ctx context.Context, instance engine.Instance, name string, payload []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeEngine) Snapshot(ctx context.Context, instance engine.Instance) ([]byte, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return []byte("snapshot-of-" + fmt.Sprint(instance.(*fakeInstance).id)), nil
}

func (f *fakeEngine) Restore(ctx context.Context, instance engine.Instance, snapshot []byte) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	instance.(*fakeInstance).state = snapshot
	return nil
}

func (f *fakeEngine) ConsumedFuel(instance engine.Instance) uint64 { return 0 }

func (f *fakeEngine) Close(ctx context.Context, instance engine.Instance) error { return nil }

func TestApplySnapshotSucceeds(t *testing.T) {
	store := oplog.NewMemStore()
	fe := &fakeEngine{}
	u := New(fe)

	current := &fakeInstance{id: 1}
	next, err := u.ApplySnapshot(context.Background(), store, current, []byte("component-v2"), 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-of-1"), next.(*fakeInstance).state)

	entries, err := store.Scan(1, store.LastIndex())
	require.NoError(t, err)
	tags := make([]oplog.Tag, len(entries))
	for i, e := range entries {
		tags[i] = e.Tag()
	}
	assert.Equal(t, []oplog.Tag{oplog.TagBeginAtomicRegion, oplog.TagSuccessfulUpdate, oplog.TagEndAtomicRegion}, tags)
}

func TestApplySnapshotRollsBackOnSaveFailure(t *testing.T) {
	store := oplog.NewMemStore()
	fe := &fakeEngine{snapshotErr: fmt.Errorf("save_snapshot trapped")}
	u := New(fe)

	_, err := u.ApplySnapshot(context.Background(), store, &fakeInstance{id: 1}, []byte("v2"), 2)
	require.Error(t, err)

	entries, err := store.Scan(1, store.LastIndex())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, oplog.TagFailedUpdate, entries[1].Tag())
}

func TestApplySnapshotRollsBackOnRestoreFailure(t *testing.T) {
	store := oplog.NewMemStore()
	fe := &fakeEngine{restoreErr: fmt.Errorf("load_snapshot rejected bytes")}
	u := New(fe)

	_, err := u.ApplySnapshot(context.Background(), store, &fakeInstance{id: 1}, []byte("v2"), 2)
	require.Error(t, err)

	entries, err := store.Scan(1, store.LastIndex())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, oplog.TagFailedUpdate, entries[1].Tag())
}

func TestApplyAutomaticWritesJumpWhenSafe(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := store.Append(oplog.Entry{Payload: &oplog.Create{ComponentId: "c1", ComponentVersion: 1}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ImportedFunctionInvoked{FunctionName: "wall_clock::now", WrappedFunctionType: types.ReadLocal}})
	require.NoError(t, err)

	u := New(&fakeEngine{})
	divergeAt := types.OplogIndex(2)
	err = u.ApplyAutomatic(store, divergeAt)
	require.NoError(t, err)

	last, err := store.Read(store.LastIndex())
	require.NoError(t, err)
	jump, ok := last.Payload.(*oplog.Jump)
	require.True(t, ok)
	assert.EqualValues(t, 2, jump.From)
}

func TestApplyRevertWritesRevertEntry(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := store.Append(oplog.Entry{Payload: &oplog.Create{ComponentId: "c1", ComponentVersion: 1}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ExportedFunctionInvoked{FunctionName: "run"}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ExportedFunctionCompleted{}})
	require.NoError(t, err)

	u := New(&fakeEngine{})
	require.NoError(t, u.ApplyRevert(store, 1))

	last, err := store.Read(store.LastIndex())
	require.NoError(t, err)
	revert, ok := last.Payload.(*oplog.Revert)
	require.True(t, ok)
	assert.EqualValues(t, 2, revert.DroppedFrom)
	assert.EqualValues(t, 3, revert.DroppedTo)
}

func TestApplyRevertRejectsUnsafeWriteRemoteInDroppedRegion(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := store.Append(oplog.Entry{Payload: &oplog.Create{ComponentId: "c1", ComponentVersion: 1}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ImportedFunctionInvoked{FunctionName: "http::send_request", WrappedFunctionType: types.WriteRemote}})
	require.NoError(t, err)

	u := New(&fakeEngine{})
	err = u.ApplyRevert(store, 1)
	require.ErrorIs(t, err, types.ErrUnsafeRevert)
}

func TestApplyAutomaticRejectsUnsafeWriteRemoteInJumpedRegion(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := store.Append(oplog.Entry{Payload: &oplog.Create{ComponentId: "c1", ComponentVersion: 1}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ImportedFunctionInvoked{FunctionName: "http::send_request", WrappedFunctionType: types.WriteRemote}})
	require.NoError(t, err)

	u := New(&fakeEngine{})
	err = u.ApplyAutomatic(store, 2)
	require.ErrorIs(t, err, types.ErrUnsafeUpdate)
}
