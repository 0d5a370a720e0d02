package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, DefaultPort, cfg.Agent.Port)
	assert.Equal(t, DefaultPort, cfg.Host.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host.BindAddr)
	assert.Equal(t, 10000*time.Second, cfg.Agent.ScanInterval)
	assert.Zero(t, cfg.Agent.ScanPause)
	assert.False(t, cfg.Agent.Verbose)
	assert.True(t, cfg.Agent.ActiveScan)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Host.Port)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
agent:
  host: "pi.local"
  port: 6000
  scan_interval: 30s
  scan_pause: 2s
  verbose: true
host:
  port: 6001
  sink:
    record: true
  stats_schedule: "@every 1m"
recorder:
  path: "/var/lib/bleproxy/adv.db"
logger:
  level: "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pi.local", cfg.Agent.Host)
	assert.Equal(t, 6000, cfg.Agent.Port)
	assert.Equal(t, 30*time.Second, cfg.Agent.ScanInterval)
	assert.Equal(t, 2*time.Second, cfg.Agent.ScanPause)
	assert.True(t, cfg.Agent.Verbose)
	assert.Equal(t, 6001, cfg.Host.Port)
	assert.True(t, cfg.Host.Sink.Record)
	assert.True(t, cfg.Host.Sink.Log, "unset keys keep their defaults")
	assert.Equal(t, "@every 1m", cfg.Host.StatsSchedule)
	assert.Equal(t, "/var/lib/bleproxy/adv.db", cfg.Recorder.Path)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent: [unclosed"), 0600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  port: 70000\n"), 0600))

	_, err := Load(path)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "host.port must be in 1..65535")
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  host: x\n"), 0600))
	require.NoError(t, os.Chmod(path, 0666))

	_, err := Load(path)
	assert.ErrorContains(t, err, "insecure permissions")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLEPROXY_AGENT_HOST", "10.0.0.5")
	t.Setenv("BLEPROXY_AGENT_PORT", "7000")
	t.Setenv("BLEPROXY_AGENT_SCAN_INTERVAL", "45")
	t.Setenv("BLEPROXY_AGENT_VERBOSE", "true")
	t.Setenv("BLEPROXY_HOST_BIND_ADDR", "127.0.0.1")
	t.Setenv("BLEPROXY_LOGGER_LEVEL", "debug")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "10.0.0.5", cfg.Agent.Host)
	assert.Equal(t, 7000, cfg.Agent.Port)
	assert.Equal(t, 45*time.Second, cfg.Agent.ScanInterval)
	assert.True(t, cfg.Agent.Verbose)
	assert.Equal(t, "127.0.0.1", cfg.Host.BindAddr)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("BLEPROXY_AGENT_PORT", "not-a-port")
	t.Setenv("BLEPROXY_AGENT_VERBOSE", "maybe")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, DefaultPort, cfg.Agent.Port)
	assert.False(t, cfg.Agent.Verbose)
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"10000", 10000 * time.Second, false},
		{"1.5", 1500 * time.Millisecond, false},
		{"90s", 90 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeconds(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
