// Package agent runs the scanning side of the relay: repeated scan windows
// whose advertisements are encoded and sent one datagram each.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"bleproxy/internal/domain"
	"bleproxy/internal/infra/tracer"
	"bleproxy/internal/usecase/codec"
)

// startRetryDelay is the minimum wait before a new window after the scanner
// failed to start.
const startRetryDelay = 5 * time.Second

// verboseSeparator follows every record printed in verbose mode.
var verboseSeparator = strings.Repeat("-", 20)

// State is the sender state.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sender transmits one encoded record.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// Config holds scan cadence and output settings.
type Config struct {
	ScanInterval time.Duration // window length
	ScanPause    time.Duration // idle time between windows
	Verbose      bool
	Source       string // agent identity stamped on events
}

// Option customizes an Agent.
type Option func(*Agent)

// WithEventBus publishes scan and send events to bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(a *Agent) { a.bus = bus }
}

// WithVerboseOutput redirects verbose record output (default stdout).
func WithVerboseOutput(w io.Writer) Option {
	return func(a *Agent) { a.out = w }
}

// WithCounters shares a counter set with the caller.
func WithCounters(c *domain.Counters) Option {
	return func(a *Agent) { a.counters = c }
}

// Agent drives the scan loop. Scan callbacks encode and send independently;
// there is no queue between the driver and the socket.
type Agent struct {
	cfg      Config
	scanner  domain.Scanner
	sender   Sender
	encoder  *codec.Encoder
	bus      domain.EventBus
	counters *domain.Counters
	logger   *slog.Logger

	state   atomic.Int32
	out     io.Writer
	outMu   sync.Mutex
	failLog *rate.Limiter
	retry   time.Duration
	running atomic.Bool
}

// New creates an Agent.
func New(cfg Config, scanner domain.Scanner, sender Sender, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		scanner:  scanner,
		sender:   sender,
		encoder:  codec.NewEncoder(),
		counters: &domain.Counters{},
		logger:   logger,
		out:      os.Stdout,
		failLog:  rate.NewLimiter(rate.Every(time.Second), 5),
		retry:    startRetryDelay,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current sender state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Stats returns a snapshot of the send counters.
func (a *Agent) Stats() domain.RelayStats { return a.counters.Snapshot() }

// Run scans in windows of cfg.ScanInterval until ctx is cancelled. The active
// scan session is always stopped before Run returns. Run returns nil on
// cancellation.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.ScanInterval <= 0 {
		return domain.NewDomainError("Agent.Run", domain.ErrInvalidInput, "scan interval must be > 0")
	}
	if !a.running.CompareAndSwap(false, true) {
		return domain.NewDomainError("Agent.Run", domain.ErrInvalidInput, "agent already running")
	}
	defer a.running.Store(false)

	a.setState(StateIdle)
	defer a.setState(StateStopped)

	for window := 1; ; window++ {
		if ctx.Err() != nil {
			return nil
		}

		pause := a.cfg.ScanPause
		if err := a.scanWindow(ctx, window); err != nil {
			a.logger.Error("scan window failed", "window", window, "error", err)
			pause = max(pause, a.retry)
		}

		if pause > 0 && !sleep(ctx, pause) {
			return nil
		}
	}
}

// scanWindow runs one Idle -> Scanning -> Idle cycle. A session the driver
// ends early fails the window so Run retries after the retry delay.
func (a *Agent) scanWindow(ctx context.Context, window int) error {
	sess, err := a.scanner.StartScan(ctx, func(raw domain.RawAdvertisement) {
		a.relay(ctx, raw)
	})
	if err != nil {
		return domain.WrapOp("Agent.scanWindow", err)
	}

	a.setState(StateScanning)
	a.publish(ctx, domain.Event{Type: domain.EventScanStarted, Detail: fmt.Sprintf("window %d", window)})
	a.logger.Debug("scan window started", "window", window, "interval", a.cfg.ScanInterval)

	defer func() {
		if err := sess.Stop(); err != nil {
			a.logger.Warn("scan stop reported error", "window", window, "error", err)
		}
		a.setState(StateIdle)
		a.publish(context.WithoutCancel(ctx), domain.Event{Type: domain.EventScanStopped, Detail: fmt.Sprintf("window %d", window)})
		a.logger.Debug("scan window stopped", "window", window)
	}()

	timer := time.NewTimer(a.cfg.ScanInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-sess.Done():
		if ctx.Err() == nil {
			return domain.NewDomainError("Agent.scanWindow", domain.ErrScanner, "scan ended before the window elapsed")
		}
	}
	return nil
}

// relay encodes and sends one advertisement. Failures drop the record.
func (a *Agent) relay(ctx context.Context, raw domain.RawAdvertisement) {
	ctx, span := tracer.StartSend(ctx, raw.Address)
	defer span.End()

	rec, err := a.encoder.Encode(raw)
	if err != nil {
		a.counters.IncSendFailed()
		span.Failed(tracer.OutcomeSendFailed, err)
		a.logFailure("advertisement encode failed", raw.Address, err)
		return
	}

	if a.cfg.Verbose {
		a.printRecord(rec)
	}

	if err := a.sender.Send(ctx, rec.Marshal()); err != nil {
		a.counters.IncSendFailed()
		span.Failed(tracer.OutcomeSendFailed, err)
		a.logFailure("advertisement send failed", raw.Address, err)
		a.publish(ctx, domain.Event{
			Type:    domain.EventSendFailed,
			Address: raw.Address,
			Reason:  domain.ErrorCodeOf(err),
			Detail:  err.Error(),
		})
		return
	}
	a.counters.IncSent()
	span.Succeeded(tracer.OutcomeSent)
	a.publish(ctx, domain.Event{Type: domain.EventAdvertisementSent, Address: raw.Address})
}

func (a *Agent) printRecord(rec codec.WireRecord) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, "%s\n%s\n", rec.MarshalIndent(), verboseSeparator)
}

// logFailure logs at warn while under the rate limit and at debug beyond it,
// so an outage does not flood the log.
func (a *Agent) logFailure(msg, address string, err error) {
	level := slog.LevelDebug
	if a.failLog.Allow() {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, msg,
		"address", address,
		"code", string(domain.ErrorCodeOf(err)),
		"error", err,
	)
}

func (a *Agent) setState(s State) { a.state.Store(int32(s)) }

func (a *Agent) publish(ctx context.Context, ev domain.Event) {
	if a.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.Source = a.cfg.Source
	a.bus.Publish(ctx, ev)
}

// sleep waits for d or ctx. It reports whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
