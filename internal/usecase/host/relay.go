// Package host runs the receiving side of the relay: one UDP socket whose
// datagrams are decoded, timestamped and handed to a sink in receipt order.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"bleproxy/internal/adapter/transport"
	"bleproxy/internal/domain"
	"bleproxy/internal/infra/tracer"
	"bleproxy/internal/usecase/codec"
)

// State is the receiver state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the receiver socket settings and session identity.
type Config struct {
	BindAddr   string
	Port       int
	ReadBuffer int
	SessionID  string // generated when empty
	Source     string // scanner identity stamped on events
}

// Advertiser announces the relay on the local network. The returned function
// withdraws the announcement.
type Advertiser interface {
	Advertise(ctx context.Context, instance string, port int, txt map[string]string) (stop func(), err error)
}

// Option customizes a Relay.
type Option func(*Relay)

// WithEventBus publishes receive, drop and lifecycle events to bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(r *Relay) { r.bus = bus }
}

// WithCounters shares a counter set with the caller.
func WithCounters(c *domain.Counters) Option {
	return func(r *Relay) { r.counters = c }
}

// WithAdvertiser announces the bound port while the relay is listening.
func WithAdvertiser(a Advertiser) Option {
	return func(r *Relay) { r.advertiser = a }
}

// WithShutdownHook registers fn to run during Shutdown after the receive loop
// has exited. Hooks run in registration order.
func WithShutdownHook(name string, fn func() error) Option {
	return func(r *Relay) { r.hooks = append(r.hooks, hook{name: name, fn: fn}) }
}

type hook struct {
	name string
	fn   func() error
}

// Relay receives relay datagrams and dispatches decoded advertisements.
type Relay struct {
	cfg        Config
	sink       domain.AdvertisementSink
	logger     *slog.Logger
	bus        domain.EventBus
	counters   *domain.Counters
	advertiser Advertiser
	hooks      []hook
	started    atomic.Bool
}

// New creates a Relay delivering to sink.
func New(cfg Config, sink domain.AdvertisementSink, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		counters: &domain.Counters{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start binds the socket and begins receiving. The returned Handle owns every
// resource of the session; cancelling ctx is equivalent to Handle.Shutdown.
// A Relay can be started once.
func (r *Relay) Start(ctx context.Context) (*Handle, error) {
	if r.sink == nil {
		return nil, domain.NewDomainError("Relay.Start", domain.ErrInvalidInput, "sink is required")
	}
	if !r.started.CompareAndSwap(false, true) {
		return nil, domain.NewDomainError("Relay.Start", domain.ErrInvalidInput, "relay already started")
	}

	rx, err := transport.ListenUDP(r.cfg.BindAddr, r.cfg.Port, r.cfg.ReadBuffer, r.logger)
	if err != nil {
		return nil, err
	}

	sessionID := r.cfg.SessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	h := &Handle{
		relay:     r,
		rx:        rx,
		decoder:   codec.NewDecoder(nil),
		sessionID: sessionID,
		logger:    r.logger.With("session", sessionID),
		done:      make(chan struct{}),
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.state.Store(int32(StateListening))

	port := rx.Addr().(*net.UDPAddr).Port
	if r.advertiser != nil {
		stop, err := r.advertiser.Advertise(ctx, r.cfg.Source, port, map[string]string{
			"session": sessionID,
			"source":  r.cfg.Source,
		})
		if err != nil {
			h.logger.Warn("relay advertisement failed", "error", err)
		} else {
			h.unadvertise = stop
		}
	}

	go func() {
		defer close(h.done)
		if err := rx.Serve(loopCtx, func(payload []byte, from net.Addr) {
			h.handle(loopCtx, payload, from)
		}); err != nil {
			h.logger.Error("receive loop stopped", "error", err)
		}
	}()
	h.mu.Lock()
	h.stopOnCancel = context.AfterFunc(ctx, func() { _ = h.Shutdown() })
	h.mu.Unlock()

	h.logger.Info("relay listening", "addr", rx.Addr().String())
	h.publish(loopCtx, domain.Event{Type: domain.EventRelayListening, Detail: rx.Addr().String()})
	return h, nil
}

// Handle is a running receiver session.
type Handle struct {
	relay       *Relay
	rx          *transport.UDPReceiver
	decoder     *codec.Decoder
	sessionID   string
	logger      *slog.Logger
	state       atomic.Int32
	cancel      context.CancelFunc
	unadvertise func()
	done        chan struct{}

	mu           sync.Mutex
	stopOnCancel func() bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// Addr returns the bound socket address.
func (h *Handle) Addr() net.Addr { return h.rx.Addr() }

// SessionID identifies this receiver session.
func (h *Handle) SessionID() string { return h.sessionID }

// StartedAt is the instant ObservedAt offsets are measured from.
func (h *Handle) StartedAt() time.Time { return h.decoder.Clock().Start() }

// State returns the receiver state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Stats returns a snapshot of the receive counters.
func (h *Handle) Stats() domain.RelayStats { return h.relay.counters.Snapshot() }

// Done is closed when the receive loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// handle runs one datagram to completion: decode, then dispatch or drop.
func (h *Handle) handle(ctx context.Context, payload []byte, from net.Addr) {
	r := h.relay
	r.counters.IncReceived()

	peer := ""
	if from != nil {
		peer = from.String()
	}
	ctx, span := tracer.StartDatagram(ctx, peer, len(payload))
	defer span.End()

	adv, err := h.decoder.Decode(payload)
	if err != nil {
		r.counters.IncDropped(err)
		span.Failed(tracer.OutcomeDropped, err)
		h.logger.Debug("datagram dropped", "peer", peer, "code", string(domain.ErrorCodeOf(err)), "error", err)
		h.publish(ctx, domain.Event{
			Type:   domain.EventAdvertisementDropped,
			Peer:   peer,
			Reason: domain.ErrorCodeOf(err),
			Detail: err.Error(),
		})
		return
	}
	r.counters.IncDecoded()
	span.Decoded(adv.Address)

	if err := h.dispatch(ctx, adv); err != nil {
		r.counters.IncDispatchFailed()
		span.Failed(tracer.OutcomeDispatchFailed, err)
		if errors.Is(err, domain.ErrSinkPanic) {
			h.logger.Error("sink panicked", "address", adv.Address, "error", err)
		} else {
			h.logger.Debug("sink dispatch failed", "address", adv.Address, "code", string(domain.ErrorCodeOf(err)), "error", err)
		}
	} else {
		span.Succeeded(tracer.OutcomeDelivered)
	}

	ev := adv
	h.publish(ctx, domain.Event{Type: domain.EventAdvertisementReceived, Advertisement: &ev, Address: adv.Address, Peer: peer})
}

// dispatch hands adv to the sink. A panicking sink costs one record, not the
// receive loop.
func (h *Handle) dispatch(ctx context.Context, adv domain.Advertisement) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.NewDomainError("Handle.dispatch", domain.ErrSinkPanic, fmt.Sprint(p))
		}
	}()
	return h.relay.sink.Dispatch(ctx, adv)
}

func (h *Handle) publish(ctx context.Context, ev domain.Event) {
	bus := h.relay.bus
	if bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.SessionID = h.sessionID
	ev.Source = h.relay.cfg.Source
	bus.Publish(ctx, ev)
}

// Shutdown withdraws the mDNS announcement, closes the socket, waits for the
// receive loop and then runs the shutdown hooks in order. It is idempotent;
// later calls return the first result.
func (h *Handle) Shutdown() error {
	h.shutdownOnce.Do(func() {
		h.state.Store(int32(StateClosed))
		h.mu.Lock()
		stop := h.stopOnCancel
		h.mu.Unlock()
		if stop != nil {
			stop()
		}

		if h.unadvertise != nil {
			h.unadvertise()
		}

		var errs []error
		if err := h.rx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
		h.cancel()
		<-h.done

		for _, hk := range h.relay.hooks {
			if err := hk.fn(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", hk.name, err))
			}
		}

		stats := h.Stats()
		h.publish(context.Background(), domain.Event{Type: domain.EventRelayClosed, Stats: &stats})
		h.logger.Info("relay closed",
			"received", stats.Received,
			"decoded", stats.Decoded,
			"dropped_malformed", stats.DroppedMalformed,
			"dropped_missing", stats.DroppedMissing,
		)
		h.shutdownErr = errors.Join(errs...)
	})
	return h.shutdownErr
}
