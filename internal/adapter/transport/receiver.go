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

	"bleproxy/internal/domain"
)

// DefaultReadBuffer fits the largest IPv4 UDP payload.
const DefaultReadBuffer = 65535

// readErrorPause keeps a persistently failing socket from spinning the loop.
const readErrorPause = 10 * time.Millisecond

// DatagramFunc handles one received datagram. payload is owned by the callee.
type DatagramFunc func(payload []byte, from net.Addr)

// UDPReceiver reads relay datagrams from a bound UDP socket.
type UDPReceiver struct {
	conn    net.PacketConn
	bufSize int
	logger  *slog.Logger
	closed  atomic.Bool
	once    sync.Once
}

// ListenUDP binds bindAddr:port. Port 0 picks a free port (see Addr).
func ListenUDP(bindAddr string, port, bufSize int, logger *slog.Logger) (*UDPReceiver, error) {
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, domain.NewDomainError("ListenUDP", domain.ErrTransport, fmt.Sprintf("bind %s: %v", addr, err))
	}
	return NewUDPReceiver(conn, bufSize, logger), nil
}

// NewUDPReceiver wraps an already bound packet connection.
func NewUDPReceiver(conn net.PacketConn, bufSize int, logger *slog.Logger) *UDPReceiver {
	if bufSize <= 0 {
		bufSize = DefaultReadBuffer
	}
	return &UDPReceiver{conn: conn, bufSize: bufSize, logger: logger}
}

// Addr returns the bound local address.
func (r *UDPReceiver) Addr() net.Addr { return r.conn.LocalAddr() }

// Serve reads datagrams until Close is called or ctx is done, invoking fn once
// per datagram with its bytes unchanged. Each datagram is handled to completion
// before the next read. Read errors are logged and the loop continues.
// Serve returns nil on orderly shutdown.
func (r *UDPReceiver) Serve(ctx context.Context, fn DatagramFunc) error {
	if r.closed.Load() {
		return domain.NewDomainError("UDPReceiver.Serve", domain.ErrClosed, "")
	}

	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	buf := make([]byte, r.bufSize)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if r.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("udp read failed", "error", err)
			time.Sleep(readErrorPause)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		fn(payload, from)
	}
}

// Close unblocks Serve and releases the socket. Close is idempotent.
func (r *UDPReceiver) Close() error {
	var err error
	r.once.Do(func() {
		r.closed.Store(true)
		err = r.conn.Close()
	})
	return err
}
