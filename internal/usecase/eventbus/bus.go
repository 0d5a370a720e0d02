package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"bleproxy/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer used when New is given a
// non-positive size.
const DefaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

// Bus is an in-process, goroutine-safe event bus. Every subscriber owns one
// worker goroutine and sees events in publish order. A subscriber whose queue
// is full misses the event; Publish never blocks on a slow handler.
type Bus struct {
	mu        sync.RWMutex
	typed     map[domain.EventType][]*subscription
	allSubs   []*subscription
	nextID    atomic.Uint64
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
}

// New creates an event bus.
func New(logger *slog.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		typed:     make(map[domain.EventType][]*subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event subscribers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	for _, sub := range b.typed[event.Type] {
		b.enqueue(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.enqueue(ctx, event, sub)
	}
}

func (b *Bus) enqueue(ctx context.Context, event domain.Event, sub *subscription) {
	select {
	case sub.queue <- delivery{ctx: ctx, event: event}:
	default:
		if b.dropped.Add(1) == 1 {
			b.logger.Warn("event subscriber too slow, dropping events",
				"event", string(event.Type),
			)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	defer close(sub.done)
	for d := range sub.queue {
		b.invoke(d, sub)
	}
}

func (b *Bus) invoke(d delivery, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

func (b *Bus) add(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run(sub)
	return sub
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.add(handler)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		sub.stop()
		return func() {}
	}
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.add(handler)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		sub.stop()
		return func() {}
	}
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop()
	}
}

// Close prevents new publishes and waits for every queued event to be handled.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	for _, subs := range b.typed {
		for _, s := range subs {
			s.stop()
		}
	}
	for _, s := range b.allSubs {
		s.stop()
	}
	b.typed = make(map[domain.EventType][]*subscription)
	b.allSubs = nil
	b.mu.Unlock()

	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
