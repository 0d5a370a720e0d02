package hostsdk

import "log/slog"

// Option configures a Listener.
type Option func(*settings)

type settings struct {
	bindAddr   string
	port       int
	readBuffer int
	queue      int
	source     string
	logger     *slog.Logger
}

// WithBindAddr sets the local address to bind (default "0.0.0.0").
func WithBindAddr(addr string) Option {
	return func(s *settings) { s.bindAddr = addr }
}

// WithPort sets the UDP port (default 5038). Zero picks a free port.
func WithPort(port int) Option {
	return func(s *settings) { s.port = port }
}

// WithReadBuffer sets the datagram read buffer size.
func WithReadBuffer(n int) Option {
	return func(s *settings) { s.readBuffer = n }
}

// WithQueue hands advertisements to the handler through a bounded queue of n
// records drained by one goroutine. When the queue is full new records are
// dropped. Zero calls the handler inline on the receive goroutine.
func WithQueue(n int) Option {
	return func(s *settings) { s.queue = n }
}

// WithSource names this receiver in logs.
func WithSource(name string) Option {
	return func(s *settings) { s.source = name }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}
