// Package cachebus implements the process-wide cache-invalidation
// publish/subscribe channel described in spec §4.4.3, grounded on
// notifications/sinks.go's eventQueue: an unbounded, mutex-guarded queue
// feeding a single dispatch goroutine, so a slow or unavailable subscriber
// never blocks the mutating request that published the event. Unlike the
// teacher's sink abstraction (which targets github.com/docker/go-events,
// not used elsewhere in this module) subscribers here are plain Go funcs —
// the event shape is fixed and gateway-internal, so a generic Sink
// interface would add a layer nothing else implements.
package cachebus

import (
	"container/list"
	"sync"
)

// Reason names why an invalidation was emitted, for subscriber-side
// filtering/logging.
type Reason string

const (
	ReasonUpload Reason = "upload"
	ReasonMkdir  Reason = "mkdir"
	ReasonRemove Reason = "remove"
	ReasonRename Reason = "rename"
	ReasonCopy   Reason = "copy"
)

// Event is the invalidation message emitted by the facade after every
// mutation (spec §4.4.3).
type Event struct {
	MountID         string
	StorageConfigID string
	Paths           []string
	Reason          Reason
}

// Subscriber receives every Event published on the Bus. It must not block;
// slow handlers should internally queue (spec §5 "subscribers must be
// non-blocking or internally queued").
type Subscriber func(Event)

// Bus is a fire-and-forget, best-effort event bus (spec §4.4.3
// "Invalidation is best-effort; stale entries eventually expire via TTL").
type Bus struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       *list.List
	subscribers []Subscriber
	closed      bool
}

// New constructs a Bus and starts its dispatch goroutine.
func New() *Bus {
	b := &Bus{queue: list.New()}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Subscribe registers fn to receive every future Event. It takes the bus
// lock, so it may be called while other goroutines Publish.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Publish enqueues ev for asynchronous delivery to all subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue.PushBack(ev)
	b.cond.Signal()
}

func (b *Bus) run() {
	for {
		b.mu.Lock()
		for b.queue.Len() == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed && b.queue.Len() == 0 {
			b.mu.Unlock()
			return
		}
		front := b.queue.Front()
		b.queue.Remove(front)
		subs := b.subscribers
		b.mu.Unlock()

		ev := front.Value.(Event)
		for _, sub := range subs {
			sub(ev)
		}
	}
}

// Close stops the dispatch goroutine once the queue drains.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()
}
