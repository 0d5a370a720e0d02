package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the relay UDP port used by both ends.
const DefaultPort = 5038

// Config is the top-level application configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Host      HostConfig      `yaml:"host"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// AgentConfig holds settings for the scanning side.
type AgentConfig struct {
	Host         string        `yaml:"host"` // destination host, required to run the agent
	Port         int           `yaml:"port"`
	ScanInterval time.Duration `yaml:"scan_interval"` // length of one scan window
	ScanPause    time.Duration `yaml:"scan_pause"`    // idle time between windows
	Verbose      bool          `yaml:"verbose"`
	ActiveScan   bool          `yaml:"active_scan"`
	DeviceID     int           `yaml:"device_id"` // HCI device index (hci0 = 0)
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for the UDP sender.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failures before opening
	OpenTimeout time.Duration `yaml:"open_timeout"` // time in open state before half-open
}

// HostConfig holds settings for the receiving side.
type HostConfig struct {
	BindAddr      string       `yaml:"bind_addr"`
	Port          int          `yaml:"port"`
	ReadBuffer    int          `yaml:"read_buffer"` // max datagram size in bytes
	Source        string       `yaml:"source"`      // scanner identity; defaults to hostname
	Sink          SinkConfig   `yaml:"sink"`
	StatsSchedule string       `yaml:"stats_schedule"` // cron expression or duration; empty disables
	AdvertiseMDNS bool         `yaml:"advertise_mdns"`
	Stream        StreamConfig `yaml:"stream"`
}

// SinkConfig selects which sinks receive decoded advertisements.
type SinkConfig struct {
	Log        bool `yaml:"log"`
	Record     bool `yaml:"record"`
	AsyncQueue int  `yaml:"async_queue"` // bounded queue in front of blocking sinks
}

// StreamConfig holds the live WebSocket stream settings.
type StreamConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	ClientSend int    `yaml:"client_send"` // per-client frame buffer
}

// RecorderConfig holds the SQLite recorder settings.
type RecorderConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"` // 0 keeps everything
}

// DiscoveryConfig holds mDNS browse settings.
// NOTE: mDNS support also requires the binary to be built with the "mdns"
// build tag. Without it the noop advertiser and browser are used.
type DiscoveryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.bleproxy.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".bleproxy")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Port:         DefaultPort,
			ScanInterval: 10000 * time.Second,
			ActiveScan:   true,
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				OpenTimeout: 10 * time.Second,
			},
		},
		Host: HostConfig{
			BindAddr:   "0.0.0.0",
			Port:       DefaultPort,
			ReadBuffer: 65535,
			Sink: SinkConfig{
				Log:        true,
				AsyncQueue: 1024,
			},
			Stream: StreamConfig{
				Addr:       "127.0.0.1:5039",
				ClientSend: 64,
			},
		},
		Recorder: RecorderConfig{
			Path: filepath.Join(defaultDataDir(), "advertisements.db"),
		},
		Discovery: DiscoveryConfig{
			Timeout: 3 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps BLEPROXY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLEPROXY_AGENT_HOST"); v != "" {
		cfg.Agent.Host = v
	}
	if v, ok := envInt("BLEPROXY_AGENT_PORT"); ok {
		cfg.Agent.Port = v
	}
	if v, ok := envSeconds("BLEPROXY_AGENT_SCAN_INTERVAL"); ok {
		cfg.Agent.ScanInterval = v
	}
	if v, ok := envSeconds("BLEPROXY_AGENT_SCAN_PAUSE"); ok {
		cfg.Agent.ScanPause = v
	}
	if v, ok := envBool("BLEPROXY_AGENT_VERBOSE"); ok {
		cfg.Agent.Verbose = v
	}
	if v, ok := envBool("BLEPROXY_AGENT_ACTIVE_SCAN"); ok {
		cfg.Agent.ActiveScan = v
	}
	if v, ok := envInt("BLEPROXY_AGENT_DEVICE_ID"); ok {
		cfg.Agent.DeviceID = v
	}
	if v := os.Getenv("BLEPROXY_HOST_BIND_ADDR"); v != "" {
		cfg.Host.BindAddr = v
	}
	if v, ok := envInt("BLEPROXY_HOST_PORT"); ok {
		cfg.Host.Port = v
	}
	if v := os.Getenv("BLEPROXY_HOST_SOURCE"); v != "" {
		cfg.Host.Source = v
	}
	if v := os.Getenv("BLEPROXY_HOST_STATS_SCHEDULE"); v != "" {
		cfg.Host.StatsSchedule = v
	}
	if v, ok := envBool("BLEPROXY_HOST_ADVERTISE_MDNS"); ok {
		cfg.Host.AdvertiseMDNS = v
	}
	if v, ok := envBool("BLEPROXY_HOST_SINK_RECORD"); ok {
		cfg.Host.Sink.Record = v
	}
	if v, ok := envBool("BLEPROXY_HOST_STREAM_ENABLED"); ok {
		cfg.Host.Stream.Enabled = v
	}
	if v := os.Getenv("BLEPROXY_HOST_STREAM_ADDR"); v != "" {
		cfg.Host.Stream.Addr = v
	}
	if v := os.Getenv("BLEPROXY_RECORDER_PATH"); v != "" {
		cfg.Recorder.Path = v
	}
	if v := os.Getenv("BLEPROXY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("BLEPROXY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("BLEPROXY_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("BLEPROXY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("BLEPROXY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// envSeconds accepts either a Go duration ("90s") or a bare number of seconds.
func envSeconds(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if d, err := ParseSeconds(v); err == nil {
		return d, true
	}
	return 0, false
}

// ParseSeconds parses a duration given as a Go duration string or a plain
// (possibly fractional) number of seconds.
func ParseSeconds(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
