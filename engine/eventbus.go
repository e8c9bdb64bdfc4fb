package engine

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"sipkit/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

// Handler receives published events.
type Handler func(context.Context, core.Event)

type subscription struct {
	id int64
	fn Handler
}

// queued carries the publisher's context values without its cancellation,
// so a finished request does not abort delivery.
type queued struct {
	ctx context.Context
	ev  core.Event
}

// EventBus fans domain events out to subscribers, in subscription order.
// Async publishing never blocks; events are dropped when the queue is full
// and counted in Dropped.
type EventBus struct {
	mode DispatchMode

	mu     sync.RWMutex
	subs   map[core.EventType][]subscription
	nextID int64

	queue     chan queued
	workers   sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
	dropped   atomic.Int64
}

const (
	defaultQueueSize = 2048
	defaultWorkers   = 4
)

func NewEventBus(mode DispatchMode) *EventBus {
	return NewEventBusWithQueue(mode, defaultQueueSize, defaultWorkers)
}

// NewEventBusWithQueue sizes the async queue and worker pool explicitly.
func NewEventBusWithQueue(mode DispatchMode, size, workers int) *EventBus {
	if size <= 0 {
		size = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	b := &EventBus{
		mode:   mode,
		subs:   make(map[core.EventType][]subscription),
		queue:  make(chan queued, size),
		closed: make(chan struct{}),
	}
	if mode == DispatchAsync {
		b.workers.Add(workers)
		for range workers {
			go b.work()
		}
	}
	return b
}

func (b *EventBus) work() {
	defer b.workers.Done()
	for {
		select {
		case q := <-b.queue:
			b.deliver(q.ctx, q.ev)
		case <-b.closed:
			for {
				select {
				case q := <-b.queue:
					b.deliver(q.ctx, q.ev)
				default:
					return
				}
			}
		}
	}
}

// Close stops async workers after they drain the queue. Later publishes are
// dropped.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.workers.Wait()
	})
}

// Dropped reports how many async events were discarded.
func (b *EventBus) Dropped() int64 { return b.dropped.Load() }

// Subscribe registers a handler for an event type and returns its
// unsubscribe func.
func (b *EventBus) Subscribe(typ core.EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[typ] = append(b.subs[typ], subscription{id: id, fn: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[typ] = slices.DeleteFunc(b.subs[typ], func(s subscription) bool { return s.id == id })
	}
}

// Publish delivers ev inline in sync mode, or enqueues it in async mode.
func (b *EventBus) Publish(ctx context.Context, ev core.Event) {
	if b.mode == DispatchSync {
		b.deliver(ctx, ev)
		return
	}
	select {
	case <-b.closed:
		b.dropped.Add(1)
		return
	default:
	}
	select {
	case b.queue <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		b.dropped.Add(1)
	}
}

func (b *EventBus) deliver(ctx context.Context, ev core.Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[ev.Type]))
	for i, s := range b.subs[ev.Type] {
		handlers[i] = s.fn
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}
