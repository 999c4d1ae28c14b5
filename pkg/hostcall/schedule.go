package hostcall

import (
	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/types"
)

// Scheduling wraps a guest's delayed self-invocation host call: "sleep
// until" and "schedule self-invocation" both resolve to arming a promise
// against the worker's scheduler.
type Scheduling struct {
	wrapper *durability.Wrapper
	worker  scheduler
}

// scheduler is the slice of worker.Worker this wrapper needs, kept
// narrow so pkg/hostcall never imports pkg/worker.
type scheduler interface {
	ScheduleInvocation(functionName string, request []byte, targetTimeMs int64) (types.PromiseId, error)
}

func NewScheduling(w *durability.Wrapper, worker scheduler) *Scheduling {
	return &Scheduling{wrapper: w, worker: worker}
}

type scheduleRequest struct {
	FunctionName string
	Request      []byte
	TargetTimeMs int64
}

// Schedule records the delayed invocation and returns the promise the
// guest should await. This is WriteLocal: the pending invocation and
// its eventual completion are both recorded as oplog entries, so replay
// never re-arms a timer.
func (s *Scheduling) Schedule(functionName string, request []byte, targetTimeMs int64) (types.PromiseId, error) {
	req := scheduleRequest{FunctionName: functionName, Request: request, TargetTimeMs: targetTimeMs}
	return durability.Call(s.wrapper, "scheduler::schedule_invocation", types.WriteLocal, req, func(req scheduleRequest) (types.PromiseId, error) {
		return s.worker.ScheduleInvocation(req.FunctionName, req.Request, req.TargetTimeMs)
	})
}
