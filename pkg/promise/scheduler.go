package promise

import (
	"sync"
	"time"

	"github.com/cuemby/durawasm/pkg/oplog"
	"github.com/cuemby/durawasm/pkg/types"
)

// Scheduler is the node-global timer thread backing delayed
// self-invocations: Schedule records a PendingWorkerInvocation and
// arms a real timer that appends
// CompletePromise at the target wall-clock time. Only live execution
// arms timers -- replay finds the CompletePromise already recorded and
// never calls Schedule again, so scheduled work reproduces exactly.
type Scheduler struct {
	manager *Manager

	mu     sync.Mutex
	timers map[types.PromiseId]*time.Timer
}

func NewScheduler(manager *Manager) *Scheduler {
	return &Scheduler{manager: manager, timers: make(map[types.PromiseId]*time.Timer)}
}

// Schedule creates a promise the guest awaits, records the pending
// invocation, and arms a timer that completes the promise at
// targetTimeMs (milliseconds since epoch).
func (s *Scheduler) Schedule(workerId types.WorkerId, store oplog.Store, functionName string, request []byte, targetTimeMs int64) (types.PromiseId, error) {
	pid, err := s.manager.CreatePromise(workerId, store)
	if err != nil {
		return types.PromiseId{}, err
	}

	if _, err := store.Append(oplog.Entry{Payload: &oplog.PendingWorkerInvocation{
		FunctionName: functionName,
		Request:      request,
		TargetTimeMs: targetTimeMs,
	}}); err != nil {
		return types.PromiseId{}, err
	}

	delay := time.Until(time.UnixMilli(targetTimeMs))
	if delay < 0 {
		delay = 0
	}

	timer := time.AfterFunc(delay, func() {
		_ = s.manager.Complete(pid, request, store)
		s.mu.Lock()
		delete(s.timers, pid)
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.timers[pid] = timer
	s.mu.Unlock()

	return pid, nil
}

// Cancel stops a still-pending scheduled invocation's timer. It has no
// effect once the timer has already fired.
func (s *Scheduler) Cancel(pid types.PromiseId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.timers[pid]
	if !ok {
		return false
	}
	stopped := timer.Stop()
	delete(s.timers, pid)
	return stopped
}
