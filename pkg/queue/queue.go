// Package queue implements the per-worker invocation FIFO: enqueue with
// idempotency-key dedup against a bounded LRU of recent completions,
// FIFO dequeue with idle timeout, and cancellation of not-yet-started
// work. Next follows the channel/stopCh worker-loop idiom callers block
// on, and the idempotency index reuses the same lru.Cache hashicorp/raft
// depends on.
package queue

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/durawasm/pkg/metrics"
	"github.com/cuemby/durawasm/pkg/types"
)

// Result is what an invocation eventually produces, whether from a
// fresh dequeue-execute cycle or an idempotency-key cache hit.
type Result struct {
	Response []byte
	Err      error
}

// Invocation is one request sitting in a worker's FIFO.
type Invocation struct {
	FunctionName   string
	Request        []byte
	IdempotencyKey types.IdempotencyKey
	Done           chan Result
}

const defaultIdempotencyCacheSize = 4096

// Queue is a single worker's invocation FIFO plus its idempotency-key
// dedup index. Safe for concurrent use by one producer goroutine
// (callers enqueuing) and one consumer goroutine (the worker loop).
type Queue struct {
	mu       sync.Mutex
	items    []*Invocation
	capacity int
	notify   chan struct{}

	idempotency *lru.Cache
}

// New creates a queue with the given soft capacity; once full, Enqueue
// returns ErrQueueFull.
func New(capacity int) *Queue {
	cache, err := lru.New(defaultIdempotencyCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultIdempotencyCacheSize never is.
		panic(err)
	}
	return &Queue{
		capacity:    capacity,
		notify:      make(chan struct{}, 1),
		idempotency: cache,
	}
}

// Enqueue appends an invocation to the FIFO, unless its idempotency key
// matches a recently completed invocation, in which case the cached
// result is delivered on inv.Done immediately and the invocation is
// never queued.
func (q *Queue) Enqueue(inv *Invocation) error {
	if inv.IdempotencyKey != "" {
		if cached, ok := q.idempotency.Get(inv.IdempotencyKey); ok {
			metrics.IdempotencyHitsTotal.Inc()
			inv.Done <- cached.(Result)
			return nil
		}
	}

	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return types.ErrQueueFull
	}
	q.items = append(q.items, inv)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Cancel removes a not-yet-started invocation matching key. It returns
// true if found and removed; if the invocation has already been
// dequeued, the caller must record interruption itself (writing
// Interrupted is the worker state machine's job, not the queue's).
func (q *Queue) Cancel(key types.IdempotencyKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, inv := range q.items {
		if inv.IdempotencyKey == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Next blocks until an invocation is available, the context is
// cancelled, or idleTimeout elapses with the queue empty. A zero
// idleTimeout waits indefinitely (until ctx is done).
func (q *Queue) Next(ctx context.Context, idleTimeout time.Duration) (*Invocation, bool) {
	for {
		if inv, ok := q.pop(); ok {
			return inv, true
		}

		var timeout <-chan time.Time
		if idleTimeout > 0 {
			timer := time.NewTimer(idleTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-q.notify:
			continue
		case <-timeout:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) pop() (*Invocation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	inv := q.items[0]
	q.items = q.items[1:]
	return inv, true
}

// RecordCompletion registers an invocation's outcome in the idempotency
// index so a future duplicate Enqueue resolves from cache instead of
// re-running the export.
func (q *Queue) RecordCompletion(key types.IdempotencyKey, result Result) {
	if key == "" {
		return
	}
	q.idempotency.Add(key, result)
}

// Len reports the number of invocations currently waiting (not yet
// dequeued).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
