package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"bleproxy/internal/domain"
)

// DefaultAsyncQueue is the queue length used when NewAsync is given zero.
const DefaultAsyncQueue = 1024

// Async decouples a possibly blocking sink from the receive loop. A single
// worker drains a bounded FIFO queue, so records reach the inner sink in
// dispatch order. When the queue is full the record is dropped with
// ErrSinkFull; nothing ever backs up into the socket.
type Async struct {
	inner   domain.AdvertisementSink
	queue   chan domain.Advertisement
	onError func(domain.Advertisement, error)
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// AsyncOption customizes an Async sink.
type AsyncOption func(*Async)

// WithErrorHandler is called from the worker when the inner sink fails.
func WithErrorHandler(fn func(domain.Advertisement, error)) AsyncOption {
	return func(a *Async) { a.onError = fn }
}

// NewAsync starts the worker. Call Close to drain and stop it.
func NewAsync(inner domain.AdvertisementSink, queueLen int, logger *slog.Logger, opts ...AsyncOption) *Async {
	if queueLen <= 0 {
		queueLen = DefaultAsyncQueue
	}
	a := &Async{
		inner:  inner,
		queue:  make(chan domain.Advertisement, queueLen),
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Dispatch enqueues adv without blocking.
func (a *Async) Dispatch(_ context.Context, adv domain.Advertisement) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return domain.NewDomainError("Async.Dispatch", domain.ErrClosed, "")
	}
	select {
	case a.queue <- adv:
		return nil
	default:
		return domain.NewDomainError("Async.Dispatch", domain.ErrSinkFull, adv.Address)
	}
}

// Len returns the number of queued records.
func (a *Async) Len() int { return len(a.queue) }

func (a *Async) run() {
	defer close(a.done)
	// The worker outlives the receive loop's context so Close can drain.
	ctx := context.Background()
	for adv := range a.queue {
		a.deliver(ctx, adv)
	}
}

func (a *Async) deliver(ctx context.Context, adv domain.Advertisement) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("sink panicked", "address", adv.Address, "panic", r)
			if a.onError != nil {
				a.onError(adv, domain.NewDomainError("Async.deliver", domain.ErrSinkPanic, fmt.Sprint(r)))
			}
		}
	}()
	if err := a.inner.Dispatch(ctx, adv); err != nil {
		a.logger.Debug("sink dispatch failed", "address", adv.Address, "error", err)
		if a.onError != nil {
			a.onError(adv, err)
		}
	}
}

// Close stops accepting records, delivers what is queued and waits for the
// worker. Close is idempotent.
func (a *Async) Close() error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
	return nil
}

var _ domain.AdvertisementSink = (*Async)(nil)
