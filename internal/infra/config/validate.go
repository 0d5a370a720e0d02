package config

import (
	"fmt"
	"net"
	"strings"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65535

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// Role-specific requirements (such as the agent destination) are checked by
// ValidateAgent.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateHost(cfg, ve)
	validateRecorder(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// ValidateAgent checks the settings needed to run the scanning side.
func ValidateAgent(cfg *Config) error {
	ve := &ValidationError{}
	if strings.TrimSpace(cfg.Agent.Host) == "" {
		ve.Add("agent.host is required")
	}
	validateAgent(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validatePort(ve *ValidationError, field string, port int) {
	if port < 1 || port > 65535 {
		ve.Add("%s must be in 1..65535, got %d", field, port)
	}
}

func validateAgent(cfg *Config, ve *ValidationError) {
	validatePort(ve, "agent.port", cfg.Agent.Port)
	if cfg.Agent.ScanInterval <= 0 {
		ve.Add("agent.scan_interval must be > 0")
	}
	if cfg.Agent.ScanPause < 0 {
		ve.Add("agent.scan_pause must be >= 0")
	}
	if cfg.Agent.DeviceID < 0 {
		ve.Add("agent.device_id must be >= 0")
	}
	if cfg.Agent.Breaker.Enabled {
		if cfg.Agent.Breaker.MaxFailures == 0 {
			ve.Add("agent.breaker.max_failures must be > 0 when the breaker is enabled")
		}
		if cfg.Agent.Breaker.OpenTimeout <= 0 {
			ve.Add("agent.breaker.open_timeout must be > 0 when the breaker is enabled")
		}
	}
}

func validateHost(cfg *Config, ve *ValidationError) {
	if cfg.Host.BindAddr == "" {
		ve.Add("host.bind_addr is required")
	} else if net.ParseIP(cfg.Host.BindAddr) == nil {
		ve.Add("host.bind_addr %q is not an IP address", cfg.Host.BindAddr)
	}
	validatePort(ve, "host.port", cfg.Host.Port)
	if cfg.Host.ReadBuffer < 512 || cfg.Host.ReadBuffer > maxDatagram {
		ve.Add("host.read_buffer must be in 512..%d, got %d", maxDatagram, cfg.Host.ReadBuffer)
	}
	if cfg.Host.Sink.AsyncQueue < 0 {
		ve.Add("host.sink.async_queue must be >= 0")
	}
	if cfg.Host.Stream.Enabled {
		if cfg.Host.Stream.Addr == "" {
			ve.Add("host.stream.addr is required when the stream is enabled")
		} else if _, _, err := net.SplitHostPort(cfg.Host.Stream.Addr); err != nil {
			ve.Add("host.stream.addr %q is not a valid host:port", cfg.Host.Stream.Addr)
		}
		if cfg.Host.Stream.ClientSend <= 0 {
			ve.Add("host.stream.client_send must be > 0")
		}
	}
}

func validateRecorder(cfg *Config, ve *ValidationError) {
	if cfg.Host.Sink.Record && cfg.Recorder.Path == "" {
		ve.Add("recorder.path is required when host.sink.record is enabled")
	}
	if cfg.Recorder.Retention < 0 {
		ve.Add("recorder.retention must be >= 0")
	}
}

var validLogFormats = map[string]bool{"text": true, "json": true, "": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

var validExporters = map[string]bool{"stdout": true, "noop": true, "": true}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be in 0..1")
	}
}
