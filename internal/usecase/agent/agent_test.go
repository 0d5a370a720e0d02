package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bleproxy/internal/adapter/scanner"
	"bleproxy/internal/domain"
	"bleproxy/internal/usecase/codec"
	"bleproxy/internal/usecase/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
	calls    atomic.Int32
}

func (s *recordingSender) Send(_ context.Context, payload []byte) error {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSender) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

func thermo() domain.RawAdvertisement {
	name := "Thermo"
	rssi := -60
	return domain.RawAdvertisement{
		Address:          "AA:BB:CC:DD:EE:FF",
		Name:             &name,
		RSSI:             &rssi,
		ManufacturerData: map[uint16][]byte{76: {0x02, 0x15}},
	}
}

func runAgent(t *testing.T, a *Agent) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRelaysAdvertisements(t *testing.T) {
	sc := scanner.NewMockScanner(thermo())
	tx := &recordingSender{}
	a := New(Config{ScanInterval: time.Hour}, sc, tx, testLogger())

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return len(tx.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateScanning, a.State())

	adv, err := codec.NewDecoder(nil).Decode(tx.sent()[0])
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", adv.Address)
	assert.Equal(t, []byte{0x02, 0x15}, adv.ManufacturerData[76])

	cancel()
	waitDone(t, done)
	assert.Equal(t, uint64(1), a.Stats().Sent)
}

func TestCancelMidWindowStopsActiveScan(t *testing.T) {
	sc := scanner.NewMockScanner()
	a := New(Config{ScanInterval: time.Hour}, sc, &recordingSender{}, testLogger())

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return sc.Active() }, time.Second, 5*time.Millisecond)

	cancel()
	waitDone(t, done)

	sessions := sc.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Stopped())
	assert.Equal(t, 1, sessions[0].StopCalls())
	assert.False(t, sc.Active())
	assert.Equal(t, StateStopped, a.State())
}

func TestWindowsRepeatAndStopEachSession(t *testing.T) {
	sc := scanner.NewMockScanner(thermo())
	tx := &recordingSender{}
	a := New(Config{ScanInterval: 20 * time.Millisecond}, sc, tx, testLogger())

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return len(sc.Sessions()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)

	for i, s := range sc.Sessions() {
		assert.True(t, s.Stopped(), "session %d still scanning", i)
	}
	assert.GreaterOrEqual(t, len(tx.sent()), 3, "each window replays the advertisement")
}

func TestScanPauseKeepsAgentIdle(t *testing.T) {
	sc := scanner.NewMockScanner()
	a := New(Config{ScanInterval: 10 * time.Millisecond, ScanPause: time.Hour}, sc, &recordingSender{}, testLogger())

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool {
		return len(sc.Sessions()) == 1 && !sc.Active() && a.State() == StateIdle
	}, time.Second, 5*time.Millisecond)

	cancel() // interrupts the pause promptly
	waitDone(t, done)
	assert.Len(t, sc.Sessions(), 1)
}

func TestConnectivityLossDropsWithoutQueueing(t *testing.T) {
	adverts := make([]domain.RawAdvertisement, 10)
	for i := range adverts {
		adverts[i] = thermo()
	}
	sc := scanner.NewMockScanner(adverts...)
	tx := &recordingSender{err: domain.NewDomainError("UDPSender.Send", domain.ErrTransport, "network is unreachable")}
	a := New(Config{ScanInterval: time.Hour}, sc, tx, testLogger())

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return tx.calls.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateScanning, a.State(), "send failures never stop the scan loop")

	// Connectivity returns: only new advertisements are sent.
	tx.mu.Lock()
	tx.err = nil
	tx.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tx.sent(), "dropped records are never replayed")

	cancel()
	waitDone(t, done)
	stats := a.Stats()
	assert.Equal(t, uint64(10), stats.SendFailed)
	assert.Zero(t, stats.Sent)
}

func TestEncodeFailureDropsOnlyThatRecord(t *testing.T) {
	sc := scanner.NewMockScanner(domain.RawAdvertisement{}, thermo())
	tx := &recordingSender{}
	a := New(Config{ScanInterval: time.Hour}, sc, tx, testLogger())

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return len(tx.sent()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)

	assert.Equal(t, int32(1), tx.calls.Load(), "the record without address never reaches the socket")
	assert.Equal(t, uint64(1), a.Stats().SendFailed)
}

func TestVerboseOutput(t *testing.T) {
	sc := scanner.NewMockScanner(thermo())
	tx := &recordingSender{}
	var mu sync.Mutex
	var buf bytes.Buffer
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})
	a := New(Config{ScanInterval: time.Hour, Verbose: true}, sc, tx, testLogger(), WithVerboseOutput(w))

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return len(tx.sent()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	assert.True(t, strings.HasPrefix(out, "{\n  \"address\": \"AA:BB:CC:DD:EE:FF\""), out)
	assert.True(t, strings.HasSuffix(out, "}\n--------------------\n"), out)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestStartFailureRetriesNextWindow(t *testing.T) {
	sc := scanner.NewMockScanner()
	sc.FailNextStart(errors.New("adapter busy"))
	a := New(Config{ScanInterval: time.Hour}, sc, &recordingSender{}, testLogger())
	a.retry = 10 * time.Millisecond

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return sc.Active() }, time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)
	assert.Len(t, sc.Sessions(), 1)
}

func TestDriverEndingScanRetriesEarly(t *testing.T) {
	sc := scanner.NewMockScanner(thermo())
	sc.EndNextScan(errors.New("hci0 removed"))
	tx := &recordingSender{}
	a := New(Config{ScanInterval: time.Hour}, sc, tx, testLogger())
	a.retry = 10 * time.Millisecond

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return len(sc.Sessions()) == 2 }, time.Second, 5*time.Millisecond,
		"a dead session must not hold the window open")
	require.Eventually(t, func() bool { return len(tx.sent()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)

	sessions := sc.Sessions()
	assert.Equal(t, 1, sessions[0].StopCalls())
	assert.True(t, sessions[1].Stopped())
}

func TestRunValidation(t *testing.T) {
	a := New(Config{}, scanner.NewMockScanner(), &recordingSender{}, testLogger())
	assert.ErrorIs(t, a.Run(context.Background()), domain.ErrInvalidInput)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	a := New(Config{ScanInterval: time.Hour}, scanner.NewMockScanner(), &recordingSender{}, testLogger())
	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return a.State() == StateScanning }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, a.Run(context.Background()), domain.ErrInvalidInput)
	cancel()
	waitDone(t, done)
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New(testLogger(), 0)
	var mu sync.Mutex
	var types []domain.EventType
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	sc := scanner.NewMockScanner(thermo())
	tx := &recordingSender{}
	a := New(Config{ScanInterval: time.Hour, Source: "kitchen-pi"}, sc, tx, testLogger(), WithEventBus(bus))

	cancel, done := runAgent(t, a)
	require.Eventually(t, func() bool { return len(tx.sent()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, done)
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.EventType{
		domain.EventScanStarted,
		domain.EventAdvertisementSent,
		domain.EventScanStopped,
	}, types)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "scanning", StateScanning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}
