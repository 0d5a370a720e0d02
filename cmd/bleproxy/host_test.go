package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"bleproxy/internal/adapter/sink"
	"bleproxy/internal/infra/config"
	"bleproxy/internal/usecase/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hostTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Host.BindAddr = "127.0.0.1"
	cfg.Host.Port = 0
	cfg.Host.Source = "test-scanner"
	cfg.Host.Sink.Log = false
	cfg.Recorder.Path = filepath.Join(t.TempDir(), "adverts.db")
	return cfg
}

func send(t *testing.T, h *hostSession, payload string) {
	t.Helper()
	conn, err := net.Dial("udp", h.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestStartHostRecordsAndDrainsOnShutdown(t *testing.T) {
	cfg := hostTestConfig(t)
	cfg.Host.Sink.Record = true
	cfg.Host.StatsSchedule = "1h"
	cfg.Recorder.Retention = 24 * time.Hour

	bus := eventbus.New(testLogger(), 0)
	defer bus.Close()

	h, err := startHost(context.Background(), cfg, bus, testLogger())
	require.NoError(t, err)

	send(t, h, `{"address":"AA:BB:CC:DD:EE:FF","rssi":-60}`)
	send(t, h, `{"name":"no address"}`)
	send(t, h, `{"address":"11:22:33:44:55:66","name":"Thermo"}`)

	require.Eventually(t, func() bool { return h.Stats().Received == 3 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Shutdown())

	stats := h.Stats()
	assert.Equal(t, uint64(2), stats.Decoded)
	assert.Equal(t, uint64(1), stats.DroppedMissing)

	rec, err := sink.NewRecorder(cfg.Recorder.Path, "verify", "verify")
	require.NoError(t, err)
	defer rec.Close()
	n, err := rec.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := rec.Recent(context.Background(), "11:22:33:44:55:66", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, h.SessionID(), rows[0].SessionID)
	assert.Equal(t, "test-scanner", rows[0].Source)
}

func TestStartHostStreamsFrames(t *testing.T) {
	cfg := hostTestConfig(t)
	cfg.Host.Stream.Enabled = true
	cfg.Host.Stream.Addr = "127.0.0.1:0"

	bus := eventbus.New(testLogger(), 0)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, err := startHost(ctx, cfg, bus, testLogger())
	require.NoError(t, err)
	defer h.Shutdown()

	require.NotNil(t, h.streamAddr)
	addr := h.streamAddr.String()

	dialCtx, dialCancel := context.WithTimeout(ctx, 2*time.Second)
	defer dialCancel()
	ws, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	// Datagrams sent before the client registered are not streamed, so keep
	// sending until a frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if conn, err := net.Dial("udp", h.Addr().String()); err == nil {
					conn.Write([]byte(`{"address":"AA:BB:CC:DD:EE:FF"}`))
					conn.Close()
				}
			}
		}
	}()

	readCtx, readCancel := context.WithTimeout(ctx, 3*time.Second)
	defer readCancel()
	_, data, err := ws.Read(readCtx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "AA:BB:CC:DD:EE:FF")
	assert.Contains(t, string(data), "test-scanner")
}

func TestStartHostBindFailureReleasesComponents(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := hostTestConfig(t)
	cfg.Host.Port = busy.LocalAddr().(*net.UDPAddr).Port
	cfg.Host.Sink.Record = true

	bus := eventbus.New(testLogger(), 0)
	defer bus.Close()

	_, err = startHost(context.Background(), cfg, bus, testLogger())
	require.Error(t, err)

	rec, err := sink.NewRecorder(cfg.Recorder.Path, "s", "s")
	require.NoError(t, err)
	require.NoError(t, rec.Close())
}

func TestStartHostRejectsBadSchedule(t *testing.T) {
	cfg := hostTestConfig(t)
	cfg.Host.StatsSchedule = "not a schedule"

	bus := eventbus.New(testLogger(), 0)
	defer bus.Close()

	_, err := startHost(context.Background(), cfg, bus, testLogger())
	assert.Error(t, err)
}
