package replay

import (
	"testing"

	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkerId() types.WorkerId {
	return types.WorkerId{ComponentId: "comp-1", Name: "worker-1"}
}

func TestReconstructNoSuchWorker(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := Reconstruct(testWorkerId(), store)
	require.ErrorIs(t, err, types.ErrNoSuchWorker)
}

func TestReconstructRequiresCreateFirst(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := store.Append(oplog.Entry{Payload: &oplog.NoOp{}})
	require.NoError(t, err)

	_, err = Reconstruct(testWorkerId(), store)
	require.ErrorIs(t, err, types.ErrOplogCorruption)
}

func TestReconstructFoldsPluginsAndPendingExports(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := store.Append(oplog.Entry{Payload: &oplog.Create{ComponentId: "comp-1", ComponentVersion: 1}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ExportedFunctionInvoked{FunctionName: "run"}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ExportedFunctionCompleted{}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ActivatePlugin{PluginRef: "p1"}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ExportedFunctionInvoked{FunctionName: "tick"}})
	require.NoError(t, err)

	state, err := Reconstruct(testWorkerId(), store)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, state.ActivePlugins)
	require.Len(t, state.PendingExports, 1)
	assert.Equal(t, "tick", state.PendingExports[0].FunctionName)
}

func TestReconstructHandlesJump(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := store.Append(oplog.Entry{Payload: &oplog.Create{ComponentId: "comp-1", ComponentVersion: 1}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ExportedFunctionInvoked{FunctionName: "a"}}) // index 2
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.Jump{From: 3, To: 5}}) // index 3
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ImportedFunctionInvoked{FunctionName: "should-be-skipped"}}) // index 4, skipped
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ExportedFunctionCompleted{}}) // index 5
	require.NoError(t, err)

	state, err := Reconstruct(testWorkerId(), store)
	require.NoError(t, err)
	assert.Empty(t, state.PendingExports)
}

func TestReconstructHandlesRevert(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := store.Append(oplog.Entry{Payload: &oplog.Create{ComponentId: "comp-1", ComponentVersion: 1}})
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.ExportedFunctionInvoked{FunctionName: "a"}}) // index 2, dropped
	require.NoError(t, err)
	_, err = store.Append(oplog.Entry{Payload: &oplog.Revert{DroppedFrom: 2, DroppedTo: 2}}) // index 3
	require.NoError(t, err)

	state, err := Reconstruct(testWorkerId(), store)
	require.NoError(t, err)
	assert.Empty(t, state.PendingExports)
}
