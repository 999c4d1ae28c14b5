// Package durability implements the central host-call interception
// primitive: on live execution it performs the call and records an
// ImportedFunctionInvoked entry; on replay it returns the persisted
// outcome without re-executing the side effect, and raises Divergence
// if the guest's call doesn't match the next recorded one.
package durability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// Cursor is satisfied by anything that can hand the wrapper the next
// recorded host call during replay (the replay engine's oplog cursor).
type Cursor interface {
	// NextImportedFunctionInvoked returns the next ImportedFunctionInvoked
	// entry at or after the current cursor position, advancing past it.
	// ok is false once the cursor has caught up to the live tail.
	NextImportedFunctionInvoked() (entry oplog.ImportedFunctionInvoked, ok bool)
}

// Mode is whether the owning worker is live or replaying.
type Mode int

const (
	ModeLive Mode = iota
	ModeReplay
)

// Wrapper intercepts one worker's host calls. One Wrapper instance is
// created per loaded worker and shared by every host-call site in the
// catalog (pkg/hostcall).
type Wrapper struct {
	workerId    types.WorkerId
	store       oplog.Store
	mode        Mode
	cursor      Cursor
	retryPolicy types.RetryPolicy
}

func New(workerId types.WorkerId, store oplog.Store) *Wrapper {
	return &Wrapper{workerId: workerId, store: store, mode: ModeLive, retryPolicy: types.DefaultRetryPolicy()}
}

// SetRetryPolicy installs the policy governing ReadRemote's internal
// retry loop. The worker state machine keeps this in sync with its own
// retry policy (which may change across an automatic update).
func (w *Wrapper) SetRetryPolicy(policy types.RetryPolicy) {
	w.retryPolicy = policy
}

// SetMode switches between live execution and replay. The replay engine
// calls this once the oplog cursor reaches the last index.
func (w *Wrapper) SetMode(mode Mode, cursor Cursor) {
	w.mode = mode
	w.cursor = cursor
}

// Call is the interception point: fn performs the actual host-provided
// behaviour and must be deterministic given req (its result is the value
// that gets persisted and replayed). On replay, fn is never invoked.
func Call[Req any, Resp any](w *Wrapper, functionName string, wft types.WrappedFunctionType, req Req, fn func(Req) (Resp, error)) (Resp, error) {
	var zero Resp

	if w.mode == ModeReplay {
		recorded, ok := w.cursor.NextImportedFunctionInvoked()
		if !ok {
			return zero, fmt.Errorf("durability: replay cursor exhausted expecting %s", functionName)
		}
		if recorded.FunctionName != functionName {
			return zero, &types.DivergenceError{WorkerId: w.workerId, Expected: functionName, Found: recorded.FunctionName}
		}

		reqBytes, err := json.Marshal(req)
		if err != nil {
			return zero, fmt.Errorf("durability: marshal replay request: %w", err)
		}
		if !bytes.Equal(reqBytes, recorded.Request) {
			return zero, &types.DivergenceError{WorkerId: w.workerId, Expected: string(recorded.Request), Found: string(reqBytes)}
		}

		var resp Resp
		if err := json.Unmarshal(recorded.Response, &resp); err != nil {
			return zero, fmt.Errorf("durability: unmarshal replayed response: %w", err)
		}
		return resp, nil
	}

	return liveCall(w, functionName, wft, req, fn)
}

// retryingCall drives fn through the wrapper's retry policy: each
// attempt is invoked directly, with no oplog entry recorded until the
// loop resolves, so a flaky remote read never leaves partial attempts
// in the log. Only types.ErrHostTransient is retried; any other error,
// including types.ErrHostPermanent, surfaces immediately.
func retryingCall[Req any, Resp any](w *Wrapper, req Req, fn func(Req) (Resp, error)) (Resp, error) {
	policy := w.retryPolicy
	if policy.MaxAttempts <= 0 {
		policy = types.DefaultRetryPolicy()
	}
	wait := time.Duration(policy.InitialWait) * time.Millisecond

	var resp Resp
	var err error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		resp, err = fn(req)
		if err == nil || !errors.Is(err, types.ErrHostTransient) {
			return resp, err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		time.Sleep(wait)
		wait = time.Duration(float64(wait) * policy.Multiplier)
		if max := time.Duration(policy.MaxWait) * time.Millisecond; wait > max {
			wait = max
		}
	}
	return resp, err
}

func liveCall[Req any, Resp any](w *Wrapper, functionName string, wft types.WrappedFunctionType, req Req, fn func(Req) (Resp, error)) (Resp, error) {
	var zero Resp

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("durability: marshal request: %w", err)
	}

	if wft == types.WriteRemote || wft == types.WriteRemoteBatched {
		if _, err := w.store.Append(oplog.Entry{Payload: &oplog.BeginRemoteWrite{FunctionName: functionName}}); err != nil {
			return zero, fmt.Errorf("durability: append BeginRemoteWrite: %w", err)
		}
	}

	var resp Resp
	var callErr error
	if wft == types.ReadRemote {
		resp, callErr = retryingCall(w, req, fn)
	} else {
		resp, callErr = fn(req)
	}

	if callErr != nil {
		respBytes, _ := json.Marshal(callErr.Error())
		if _, err := w.store.Append(oplog.Entry{Payload: &oplog.ImportedFunctionInvoked{
			FunctionName:        functionName,
			Request:             reqBytes,
			Response:            respBytes,
			WrappedFunctionType: wft,
		}}); err != nil {
			return zero, fmt.Errorf("durability: append failed call: %w", err)
		}

		if wft == types.WriteRemote || wft == types.WriteRemoteBatched {
			if _, err := w.store.Append(oplog.Entry{Payload: &oplog.EndRemoteWrite{Status: "rolled-back"}}); err != nil {
				return zero, fmt.Errorf("durability: append EndRemoteWrite: %w", err)
			}
		}
		return zero, callErr
	}

	respBytes, err := json.Marshal(resp)
	if err != nil {
		return zero, fmt.Errorf("durability: marshal response: %w", err)
	}

	if _, err := w.store.Append(oplog.Entry{Payload: &oplog.ImportedFunctionInvoked{
		FunctionName:        functionName,
		Request:             reqBytes,
		Response:            respBytes,
		WrappedFunctionType: wft,
	}}); err != nil {
		return zero, fmt.Errorf("durability: append call result: %w", err)
	}

	if wft == types.WriteRemote || wft == types.WriteRemoteBatched {
		if _, err := w.store.Append(oplog.Entry{Payload: &oplog.EndRemoteWrite{Status: "committed"}}); err != nil {
			return zero, fmt.Errorf("durability: append EndRemoteWrite: %w", err)
		}
	}

	return resp, nil
}
