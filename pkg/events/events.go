package events

import (
	"sync"
	"time"

	"github.com/cuemby/durawasm/pkg/types"
)

// EventType is a worker lifecycle transition an observer might want to
// react to (dashboards, alerting, audit logs) -- distinct from the Log
// oplog entry, which carries guest-emitted log lines through replay.
type EventType string

const (
	EventWorkerCreated     EventType = "worker.created"
	EventWorkerLoaded      EventType = "worker.loaded"
	EventWorkerSuspended   EventType = "worker.suspended"
	EventWorkerInterrupted EventType = "worker.interrupted"
	EventWorkerRetrying    EventType = "worker.retrying"
	EventWorkerFailed      EventType = "worker.failed"
	EventWorkerUpdated     EventType = "worker.updated"
	EventWorkerReverted    EventType = "worker.reverted"
	EventWorkerExited      EventType = "worker.exited"
	EventWorkerEvicted     EventType = "worker.evicted"
)

// Event is one worker lifecycle notification.
type Event struct {
	Type      EventType
	WorkerId  types.WorkerId
	Timestamp time.Time
	Message   string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes worker lifecycle events to subscribers without
// blocking the publisher -- the executor publishes from its own
// goroutines and must never stall on a slow subscriber.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

func (b *Broker) Start() {
	go b.run()
}

func (b *Broker) Stop() {
	close(b.stopCh)
}

func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues event for distribution, or drops it if the broker is
// stopped or its internal buffer is full.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
