// Package transport carries relay datagrams over UDP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"bleproxy/internal/domain"
)

// Default breaker settings, used when the configured values are zero.
const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 10 * time.Second
)

// SenderConfig configures a UDPSender.
type SenderConfig struct {
	Host string
	Port int

	// Breaker settings. A disabled breaker sends every record.
	BreakerEnabled bool
	MaxFailures    uint32
	OpenTimeout    time.Duration

	// OnStateChange is called when the breaker changes state.
	OnStateChange func(from, to gobreaker.State)
}

// Resolver resolves a "host:port" destination.
type Resolver func(ctx context.Context, hostport string) (*net.UDPAddr, error)

func defaultResolver(ctx context.Context, hostport string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			return &net.UDPAddr{IP: ip.IP, Port: p, Zone: ip.Zone}, nil
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	return &net.UDPAddr{IP: ips[0].IP, Port: p, Zone: ips[0].Zone}, nil
}

// UDPSender sends one datagram per record, fire-and-forget. It never retries
// and never queues: a record that cannot be sent right now is dropped. A
// circuit breaker stops hitting the network during an outage.
//
// Send is safe for concurrent use.
type UDPSender struct {
	hostport string
	conn     net.PacketConn
	resolve  Resolver
	dst      atomic.Pointer[net.UDPAddr]
	breaker  *gobreaker.CircuitBreaker[struct{}]
	logger   *slog.Logger
	closed   atomic.Bool
	once     sync.Once
}

// SenderOption customizes a UDPSender.
type SenderOption func(*UDPSender)

// WithPacketConn sends through conn instead of a fresh UDP socket.
func WithPacketConn(conn net.PacketConn) SenderOption {
	return func(s *UDPSender) { s.conn = conn }
}

// WithResolver overrides destination resolution.
func WithResolver(r Resolver) SenderOption {
	return func(s *UDPSender) { s.resolve = r }
}

// NewUDPSender opens an unconnected UDP socket for sending to cfg.Host:cfg.Port.
// The destination is resolved on first use, not here, so a host that is not
// yet resolvable does not prevent the agent from starting.
func NewUDPSender(cfg SenderConfig, logger *slog.Logger, opts ...SenderOption) (*UDPSender, error) {
	if cfg.Host == "" {
		return nil, domain.NewDomainError("NewUDPSender", domain.ErrInvalidInput, "destination host is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, domain.NewDomainError("NewUDPSender", domain.ErrInvalidInput, fmt.Sprintf("port %d out of range", cfg.Port))
	}

	s := &UDPSender{
		hostport: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		resolve:  defaultResolver,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.conn == nil {
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, domain.NewDomainError("NewUDPSender", domain.ErrTransport, err.Error())
		}
		s.conn = conn
	}

	if cfg.BreakerEnabled {
		s.breaker = newBreaker(s.hostport, cfg, logger)
	}
	return s, nil
}

func newBreaker(name string, cfg SenderConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "udp:" + name,
		MaxRequests: 1, // one probe datagram in half-open state
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("send circuit state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from, to)
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// Destination returns the configured "host:port".
func (s *UDPSender) Destination() string { return s.hostport }

// State reports the breaker state. A sender without a breaker is always closed.
func (s *UDPSender) State() gobreaker.State {
	if s.breaker == nil {
		return gobreaker.StateClosed
	}
	return s.breaker.State()
}

// Send transmits payload as a single datagram. Errors are ErrTransport (or
// ErrCircuitOpen while the breaker is open) and affect this record only.
func (s *UDPSender) Send(ctx context.Context, payload []byte) error {
	if s.closed.Load() {
		return domain.NewDomainError("UDPSender.Send", domain.ErrClosed, "")
	}
	if err := ctx.Err(); err != nil {
		return domain.NewDomainError("UDPSender.Send", domain.ErrTransport, err.Error())
	}
	if s.breaker == nil {
		return s.send(ctx, payload)
	}

	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.send(ctx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewDomainError("UDPSender.Send", fmt.Errorf("%w: %w", domain.ErrTransport, domain.ErrCircuitOpen), s.hostport)
	}
	return err
}

func (s *UDPSender) send(ctx context.Context, payload []byte) error {
	dst, err := s.destination(ctx)
	if err != nil {
		return domain.NewDomainError("UDPSender.Send", domain.ErrTransport, fmt.Sprintf("resolve %s: %v", s.hostport, err))
	}
	if _, err := s.conn.WriteTo(payload, dst); err != nil {
		// Re-resolve on the next record in case the destination moved.
		s.dst.CompareAndSwap(dst, nil)
		return domain.NewDomainError("UDPSender.Send", domain.ErrTransport, err.Error())
	}
	return nil
}

// destination returns the cached address, resolving it when absent.
// Concurrent first sends may resolve in parallel; the first result wins.
func (s *UDPSender) destination(ctx context.Context) (*net.UDPAddr, error) {
	if dst := s.dst.Load(); dst != nil {
		return dst, nil
	}
	dst, err := s.resolve(ctx, s.hostport)
	if err != nil {
		return nil, err
	}
	if !s.dst.CompareAndSwap(nil, dst) {
		if cur := s.dst.Load(); cur != nil {
			return cur, nil
		}
	}
	return dst, nil
}

// Close releases the socket. Close is idempotent.
func (s *UDPSender) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}
