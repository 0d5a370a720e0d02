// Package hostsdk embeds a bleproxy relay receiver in another Go program.
//
// Example:
//
//	l, err := hostsdk.Listen(ctx, hostsdk.HandlerFunc(
//	    func(ctx context.Context, adv hostsdk.Advertisement) error {
//	        fmt.Println(adv.Address, *adv.RSSI)
//	        return nil
//	    }),
//	    hostsdk.WithPort(5038),
//	    hostsdk.WithQueue(256),
//	)
//	if err != nil { ... }
//	defer l.Close()
package hostsdk

import (
	"context"
	"log/slog"
	"net"

	"bleproxy/internal/adapter/sink"
	"bleproxy/internal/domain"
	"bleproxy/internal/usecase/host"
)

// DefaultPort is the relay's well-known UDP port.
const DefaultPort = 5038

type (
	// Advertisement is one decoded advertisement.
	Advertisement = domain.Advertisement
	// Handler receives decoded advertisements.
	Handler = domain.AdvertisementSink
	// HandlerFunc adapts a function to Handler.
	HandlerFunc = domain.SinkFunc
	// PositionalCallback receives advertisement fields as separate arguments.
	PositionalCallback = domain.PositionalCallback
	// Stats are the receive counters.
	Stats = domain.RelayStats
)

// Positional adapts cb to Handler.
func Positional(cb PositionalCallback) Handler {
	return domain.PositionalSink(cb)
}

// Listener is a running receiver.
type Listener struct {
	handle *host.Handle
}

// Listen binds the relay port and delivers every valid advertisement to h
// until Close is called or ctx is cancelled.
func Listen(ctx context.Context, h Handler, opts ...Option) (*Listener, error) {
	s := settings{
		bindAddr: "0.0.0.0",
		port:     DefaultPort,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}

	var hostOpts []host.Option
	target := h
	if s.queue > 0 && h != nil {
		async := sink.NewAsync(h, s.queue, s.logger)
		target = async
		hostOpts = append(hostOpts, host.WithShutdownHook("queue", async.Close))
	}

	relay := host.New(host.Config{
		BindAddr:   s.bindAddr,
		Port:       s.port,
		ReadBuffer: s.readBuffer,
		Source:     s.source,
	}, target, s.logger, hostOpts...)

	handle, err := relay.Start(ctx)
	if err != nil {
		if a, ok := target.(*sink.Async); ok {
			_ = a.Close()
		}
		return nil, err
	}
	return &Listener{handle: handle}, nil
}

// Addr returns the bound UDP address.
func (l *Listener) Addr() net.Addr { return l.handle.Addr() }

// SessionID identifies this receiver session.
func (l *Listener) SessionID() string { return l.handle.SessionID() }

// Stats returns a snapshot of the receive counters.
func (l *Listener) Stats() Stats { return l.handle.Stats() }

// Done is closed once the listener has stopped receiving.
func (l *Listener) Done() <-chan struct{} { return l.handle.Done() }

// Close stops receiving, delivers queued advertisements and releases the port.
// Close is idempotent.
func (l *Listener) Close() error { return l.handle.Shutdown() }
