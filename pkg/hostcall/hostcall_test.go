package hostcall

import (
	"context"
	"fmt"
	"testing"

	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWrapper() (*durability.Wrapper, oplog.Store) {
	store := oplog.NewMemStore()
	return durability.New(types.WorkerId{ComponentId: "c1", Name: "w1"}, store), store
}

func TestClocksNowRecordsImportedFunctionInvoked(t *testing.T) {
	w, store := testWrapper()
	c := NewClocks(w)

	ts, err := c.Now()
	require.NoError(t, err)
	assert.Greater(t, int64(ts), int64(0))

	last, err := store.Read(store.LastIndex())
	require.NoError(t, err)
	invoked, ok := last.Payload.(*oplog.ImportedFunctionInvoked)
	require.True(t, ok)
	assert.Equal(t, "wall_clock::now", invoked.FunctionName)
	assert.Equal(t, types.ReadLocal, invoked.WrappedFunctionType)
}

func TestRandomGetRandomBytesReturnsRequestedLength(t *testing.T) {
	w, _ := testWrapper()
	r := NewRandom(w)

	b, err := r.GetRandomBytes(16)
	require.NoError(t, err)
	assert.Len(t, b, 16)
}

func TestCLIExitWritesExitedViaCallback(t *testing.T) {
	w, _ := testWrapper()
	var exited bool
	c := NewCLI(w, []string{"arg0"}, map[string]string{"K": "V"}, func() error {
		exited = true
		return nil
	})

	args, err := c.GetArguments()
	require.NoError(t, err)
	assert.Equal(t, []string{"arg0"}, args)

	require.NoError(t, c.Exit(0))
	assert.True(t, exited)
}

type memKV struct{ data map[string][]byte }

func (m *memKV) Get(key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}
func (m *memKV) Set(key string, value []byte) error {
	m.data[key] = value
	return nil
}
func (m *memKV) Delete(key string) error {
	delete(m.data, key)
	return nil
}

func TestKVSetThenGetRoundTrips(t *testing.T) {
	w, store := testWrapper()
	kv := NewKV(w, &memKV{data: make(map[string][]byte)})

	require.NoError(t, kv.Set("k1", []byte("v1")))
	value, found, err := kv.Get("k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), value)

	entries, err := store.Scan(1, store.LastIndex())
	require.NoError(t, err)
	var sawBeginWrite, sawEndWrite bool
	for _, e := range entries {
		switch e.Tag() {
		case oplog.TagBeginRemoteWrite:
			sawBeginWrite = true
		case oplog.TagEndRemoteWrite:
			sawEndWrite = true
		}
	}
	assert.True(t, sawBeginWrite, "kv::set is WriteRemote and must be bracketed")
	assert.True(t, sawEndWrite)
}

type fakeDispatcher struct {
	invokeResp []byte
	invokeErr  error
	asyncCalls int
}

func (f *fakeDispatcher) Invoke(ctx context.Context, target types.WorkerId, functionName string, payload []byte, idempotencyKey types.IdempotencyKey) ([]byte, error) {
	return f.invokeResp, f.invokeErr
}

func (f *fakeDispatcher) InvokeAsync(target types.WorkerId, functionName string, payload []byte, idempotencyKey types.IdempotencyKey) (types.InvocationId, error) {
	f.asyncCalls++
	return types.InvocationId(fmt.Sprintf("inv-%d", f.asyncCalls)), nil
}

func TestRPCInvokeAwaitedReturnsDispatcherResponse(t *testing.T) {
	w, _ := testWrapper()
	dispatcher := &fakeDispatcher{invokeResp: []byte("answer")}
	rpc := NewRPC(w, dispatcher)

	resp, err := rpc.InvokeAwaited(context.Background(), types.WorkerId{ComponentId: "c1", Name: "callee"}, "handle", []byte("req"), "")
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), resp)
}

func TestRPCInvokeFireAndForgetDispatchesAsync(t *testing.T) {
	w, _ := testWrapper()
	dispatcher := &fakeDispatcher{}
	rpc := NewRPC(w, dispatcher)

	require.NoError(t, rpc.InvokeFireAndForget(types.WorkerId{ComponentId: "c1", Name: "callee"}, "handle", []byte("req"), ""))
	assert.Equal(t, 1, dispatcher.asyncCalls)
}

type fakeScheduler struct {
	calls int
	resp  types.PromiseId
	err   error
}

func (f *fakeScheduler) ScheduleInvocation(functionName string, request []byte, targetTimeMs int64) (types.PromiseId, error) {
	f.calls++
	return f.resp, f.err
}

func TestSchedulingScheduleRecordsWriteLocal(t *testing.T) {
	w, store := testWrapper()
	fs := &fakeScheduler{resp: types.PromiseId("p1")}
	s := NewScheduling(w, fs)

	pid, err := s.Schedule("on_timer", []byte("payload"), 1234)
	require.NoError(t, err)
	assert.Equal(t, types.PromiseId("p1"), pid)
	assert.Equal(t, 1, fs.calls)

	last, err := store.Read(store.LastIndex())
	require.NoError(t, err)
	invoked, ok := last.Payload.(*oplog.ImportedFunctionInvoked)
	require.True(t, ok)
	assert.Equal(t, types.WriteLocal, invoked.WrappedFunctionType)
}
