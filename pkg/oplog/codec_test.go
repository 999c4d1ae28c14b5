package oplog

import (
	"testing"

	"github.com/cuemby/durawasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, p Payload) {
	t.Helper()
	entry := Entry{SchemaVersion: CurrentSchemaVersion, Timestamp: 1700000000000, Payload: p}
	buf, err := Encode(entry)
	require.NoError(t, err)

	decoded, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, entry.SchemaVersion, decoded.SchemaVersion)
	assert.Equal(t, entry.Timestamp, decoded.Timestamp)
	assert.Equal(t, p.Tag(), decoded.Tag())

	// second encode of the decoded payload must be byte-identical
	buf2, err := Encode(Entry{SchemaVersion: decoded.SchemaVersion, Timestamp: decoded.Timestamp, Payload: decoded.Payload})
	require.NoError(t, err)
	assert.Equal(t, buf, buf2)
}

func TestRoundTripAllVariants(t *testing.T) {
	cases := []struct {
		name    string
		payload Payload
	}{
		{"Create", &Create{ComponentId: "c1", ComponentVersion: 1, Args: []string{"a"}, Env: map[string]string{"X": "1"}}},
		{"ImportedFunctionInvoked", &ImportedFunctionInvoked{FunctionName: "wall_clock::now", Response: []byte("123"), WrappedFunctionType: types.ReadLocal}},
		{"ExportedFunctionInvoked", &ExportedFunctionInvoked{FunctionName: "increment", IdempotencyKey: "k1"}},
		{"ExportedFunctionCompleted", &ExportedFunctionCompleted{Response: []byte("1"), ConsumedFuel: 10}},
		{"Suspend", &Suspend{}},
		{"Error", &Error{Detail: "boom"}},
		{"NoOp", &NoOp{}},
		{"Jump", &Jump{From: 5, To: 10}},
		{"Interrupted", &Interrupted{}},
		{"Exited", &Exited{}},
		{"ChangeRetryPolicy", &ChangeRetryPolicy{NewPolicy: types.DefaultRetryPolicy()}},
		{"BeginAtomicRegion", &BeginAtomicRegion{}},
		{"EndAtomicRegion", &EndAtomicRegion{BeginIndex: 3}},
		{"BeginRemoteWrite", &BeginRemoteWrite{FunctionName: "http::send_request"}},
		{"EndRemoteWrite", &EndRemoteWrite{Status: "committed"}},
		{"PendingWorkerInvocation", &PendingWorkerInvocation{FunctionName: "ping", TargetTimeMs: 42}},
		{"PendingUpdate", &PendingUpdate{TargetVersion: 2, Mode: types.UpdateModeSnapshot}},
		{"SuccessfulUpdate", &SuccessfulUpdate{TargetVersion: 2, NewComponentSize: 1024}},
		{"FailedUpdate", &FailedUpdate{TargetVersion: 2, Details: "trap"}},
		{"CreatePromise", &CreatePromise{PromiseId: types.PromiseId{WorkerId: types.WorkerId{ComponentId: "c1", Name: "w1"}, OplogIndex: 4}}},
		{"CompletePromise", &CompletePromise{PromiseId: types.PromiseId{WorkerId: types.WorkerId{ComponentId: "c1", Name: "w1"}, OplogIndex: 4}, Data: []byte{0xFF}}},
		{"ActivatePlugin", &ActivatePlugin{PluginRef: "plugin-a"}},
		{"DeactivatePlugin", &DeactivatePlugin{PluginRef: "plugin-a"}},
		{"Revert", &Revert{DroppedFrom: 3, DroppedTo: 6}},
		{"GrowMemory", &GrowMemory{Delta: 65536}},
		{"Log", &Log{Level: "info", Message: "hello"}},
		{"SetRetryPolicy", &SetRetryPolicy{Policy: types.DefaultRetryPolicy()}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			roundTrip(t, tc.payload)
		})
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrOplogCorruption)
}

func TestDecodeCorruptedCRC(t *testing.T) {
	entry := Entry{SchemaVersion: CurrentSchemaVersion, Timestamp: 1, Payload: &NoOp{}}
	buf, err := Encode(entry)
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF // flip a bit in the CRC trailer
	_, _, err = Decode(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrOplogCorruption)
}

func TestDecodeUnknownTag(t *testing.T) {
	entry := Entry{SchemaVersion: CurrentSchemaVersion, Timestamp: 1, Payload: &NoOp{}}
	buf, err := Encode(entry)
	require.NoError(t, err)

	buf[1] = 250 // not a registered tag
	_, _, err = Decode(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrOplogCorruption)
}
