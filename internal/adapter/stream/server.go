// Package stream serves relayed advertisements to WebSocket clients as JSON
// text frames, one per event.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"bleproxy/internal/domain"
	"bleproxy/internal/infra/middleware"
)

// DefaultClientSend is the per-client frame buffer used when zero is given.
const DefaultClientSend = 64

const writeTimeout = 5 * time.Second

// WebSocket upgrades allowed per client IP.
const (
	upgradesPerMin = 30
	upgradeBurst   = 5
)

type clientConn struct {
	id        uint64
	ws        *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server streams bus events to connected clients. A client that cannot keep
// up loses frames; the relay never waits for it.
type Server struct {
	bus        domain.EventBus
	addr       string
	clientSend int
	logger     *slog.Logger

	clients  sync.Map // id -> *clientConn
	nextID   atomic.Uint64
	httpSrv  *http.Server
	listener net.Listener
	unsubs   []func()
	cancel   context.CancelFunc
	served   chan struct{}
	stopOnce sync.Once
}

// NewServer creates a stream server bound to addr once Start is called.
func NewServer(bus domain.EventBus, addr string, clientSend int, logger *slog.Logger) *Server {
	if clientSend <= 0 {
		clientSend = DefaultClientSend
	}
	return &Server{
		bus:        bus,
		addr:       addr,
		clientSend: clientSend,
		logger:     logger,
		served:     make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("stream listen: %w", err)
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	limiter := middleware.NewRateLimiter(ctx, upgradesPerMin, upgradeBurst)

	mux := http.NewServeMux()
	mux.Handle("/ws", limiter.Middleware(http.HandlerFunc(s.handleUpgrade)))
	mux.HandleFunc("/healthz", s.handleHealth)
	s.httpSrv = &http.Server{Handler: middleware.SecurityHeaders(mux), ReadHeaderTimeout: 5 * time.Second}

	for _, t := range []domain.EventType{
		domain.EventAdvertisementReceived,
		domain.EventAdvertisementDropped,
		domain.EventStatsReported,
	} {
		s.unsubs = append(s.unsubs, s.bus.Subscribe(t, s.broadcast))
	}

	go func() {
		defer close(s.served)
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("stream serve failed", "error", err)
		}
	}()
	s.logger.Info("stream started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool { n++; return true })
	return n
}

func (s *Server) broadcast(_ context.Context, ev domain.Event) {
	frame, ok := encodeFrame(ev)
	if !ok {
		return
	}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			if cc.dropped.Add(1) == 1 {
				s.logger.Warn("stream: dropping frames for slow client", "conn_id", cc.id)
			}
		}
		return true
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","clients":` + strconv.Itoa(s.Clients()) + `}`))
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		id:     s.nextID.Add(1),
		ws:     ws,
		sendCh: make(chan []byte, s.clientSend),
		done:   make(chan struct{}),
	}
	s.clients.Store(cc.id, cc)
	s.logger.Info("stream client connected", "conn_id", cc.id, "remote", r.RemoteAddr)

	// Clients only listen; CloseRead handles control frames and reports
	// disconnects through ctx.
	ctx := ws.CloseRead(r.Context())
	s.writeLoop(ctx, cc)

	cc.close()
	s.clients.Delete(cc.id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("stream client disconnected", "conn_id", cc.id, "dropped", cc.dropped.Load())
}

func (s *Server) writeLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := cc.ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and stops the HTTP server. Close is
// idempotent.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.clients.Range(func(key, value any) bool {
			cc := value.(*clientConn)
			cc.close()
			cc.ws.Close(websocket.StatusGoingAway, "relay shutting down")
			s.clients.Delete(key)
			return true
		})
		if s.httpSrv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.httpSrv.Shutdown(ctx)
		<-s.served
	})
	return err
}
