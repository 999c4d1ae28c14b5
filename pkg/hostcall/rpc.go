package hostcall

import (
	"context"

	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/types"
)

// Dispatcher delivers an inter-worker call to a target worker's
// invocation queue, whose oplog receives a matching
// ExportedFunctionInvoked entry, returning its response for the
// awaited case. Satisfied by executor.Executor's Invoke/InvokeAsync
// pair; kept as a narrow interface here so pkg/hostcall never imports
// pkg/executor.
type Dispatcher interface {
	Invoke(ctx context.Context, target types.WorkerId, functionName string, payload []byte, idempotencyKey types.IdempotencyKey) ([]byte, error)
	InvokeAsync(target types.WorkerId, functionName string, payload []byte, idempotencyKey types.IdempotencyKey) (types.InvocationId, error)
}

// RPC wraps inter-worker calls ("WriteRemote
// (fire-and-forget) or ReadRemote (awaited)").
type RPC struct {
	wrapper    *durability.Wrapper
	dispatcher Dispatcher
}

func NewRPC(w *durability.Wrapper, dispatcher Dispatcher) *RPC {
	return &RPC{wrapper: w, dispatcher: dispatcher}
}

type rpcRequest struct {
	Target         types.WorkerId
	FunctionName   string
	Payload        []byte
	IdempotencyKey types.IdempotencyKey
}

// InvokeAwaited calls another worker's export and blocks for its
// result, recorded as ReadRemote since the caller observes the callee's
// output. A dispatch failure is classified transient or permanent the
// same way network.go and kv.go do, so a target worker that's
// momentarily unreachable is retried with backoff before surfacing to
// the caller.
func (r *RPC) InvokeAwaited(ctx context.Context, target types.WorkerId, functionName string, payload []byte, idempotencyKey types.IdempotencyKey) ([]byte, error) {
	req := rpcRequest{Target: target, FunctionName: functionName, Payload: payload, IdempotencyKey: idempotencyKey}
	return durability.Call(r.wrapper, "rpc::invoke_awaited", types.ReadRemote, req, func(req rpcRequest) ([]byte, error) {
		resp, err := r.dispatcher.Invoke(ctx, req.Target, req.FunctionName, req.Payload, req.IdempotencyKey)
		if err != nil {
			return nil, classifyRemoteErr(err)
		}
		return resp, nil
	})
}

// InvokeFireAndForget enqueues another worker's export without waiting,
// recorded as WriteRemote since the caller's only observable effect is
// that the call was made.
func (r *RPC) InvokeFireAndForget(target types.WorkerId, functionName string, payload []byte, idempotencyKey types.IdempotencyKey) error {
	req := rpcRequest{Target: target, FunctionName: functionName, Payload: payload, IdempotencyKey: idempotencyKey}
	_, err := durability.Call(r.wrapper, "rpc::invoke_fire_and_forget", types.WriteRemote, req, func(req rpcRequest) (struct{}, error) {
		_, err := r.dispatcher.InvokeAsync(req.Target, req.FunctionName, req.Payload, req.IdempotencyKey)
		return struct{}{}, err
	})
	return err
}
