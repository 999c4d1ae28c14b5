package promise

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePromiseDerivesIdFromEntryIndex(t *testing.T) {
	store := oplog.NewMemStore()
	workerId := types.WorkerId{ComponentId: "c1", Name: "w1"}
	m := NewManager()

	pid, err := m.CreatePromise(workerId, store)
	require.NoError(t, err)
	assert.Equal(t, workerId, pid.WorkerId)
	assert.EqualValues(t, 1, pid.OplogIndex)

	entry, err := store.Read(1)
	require.NoError(t, err)
	assert.Equal(t, oplog.TagCreatePromise, entry.Tag())
}

func TestAwaitBlocksUntilCompleteThenResolves(t *testing.T) {
	store := oplog.NewMemStore()
	workerId := types.WorkerId{ComponentId: "c1", Name: "w1"}
	m := NewManager()

	pid, err := m.CreatePromise(workerId, store)
	require.NoError(t, err)

	done := make(chan struct{})
	var data []byte
	go func() {
		data, _ = m.Await(context.Background(), pid)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine register as a waiter
	require.NoError(t, m.Complete(pid, []byte("result"), store))

	select {
	case <-done:
		assert.Equal(t, []byte("result"), data)
	case <-time.After(time.Second):
		t.Fatal("await never resolved")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	store := oplog.NewMemStore()
	workerId := types.WorkerId{ComponentId: "c1", Name: "w1"}
	m := NewManager()

	pid, err := m.CreatePromise(workerId, store)
	require.NoError(t, err)

	require.NoError(t, m.Complete(pid, []byte("first"), store))
	require.NoError(t, m.Complete(pid, []byte("second"), store))

	entries, err := store.Scan(1, store.LastIndex())
	require.NoError(t, err)

	completions := 0
	for _, e := range entries {
		if e.Tag() == oplog.TagCompletePromise {
			completions++
		}
	}
	assert.Equal(t, 1, completions, "a second Complete must not append another entry")

	data, ok := m.IsCompleted(pid)
	assert.True(t, ok)
	assert.Equal(t, []byte("first"), data)
}

func TestAwaitRespectsContextCancellation(t *testing.T) {
	store := oplog.NewMemStore()
	workerId := types.WorkerId{ComponentId: "c1", Name: "w1"}
	m := NewManager()

	pid, err := m.CreatePromise(workerId, store)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = m.Await(ctx, pid)
	require.Error(t, err)
}
