package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateAgentRequiresHost(t *testing.T) {
	cfg := Defaults()
	err := ValidateAgent(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "agent.host is required")

	cfg.Agent.Host = "192.168.1.10"
	if err := ValidateAgent(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAgentScanInterval(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.ScanInterval = 0
	cfg.Agent.ScanPause = -time.Second
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "agent.scan_interval must be > 0")
	assertContains(t, err.Error(), "agent.scan_pause must be >= 0")
}

func TestValidateAgentBreaker(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.Breaker.MaxFailures = 0
	cfg.Agent.Breaker.OpenTimeout = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "agent.breaker.max_failures must be > 0")
	assertContains(t, err.Error(), "agent.breaker.open_timeout must be > 0")

	cfg.Agent.Breaker.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled breaker should not be validated: %v", err)
	}
}

func TestValidatePorts(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.Port = 0
	cfg.Host.Port = 65536
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "agent.port must be in 1..65535")
	assertContains(t, err.Error(), "host.port must be in 1..65535")
}

func TestValidateHostBindAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Host.BindAddr = "not-an-ip"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "is not an IP address")
}

func TestValidateHostReadBuffer(t *testing.T) {
	cfg := Defaults()
	cfg.Host.ReadBuffer = 100
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "host.read_buffer must be in 512..65535")
}

func TestValidateStream(t *testing.T) {
	cfg := Defaults()
	cfg.Host.Stream.Enabled = true
	cfg.Host.Stream.Addr = "nocolon"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "host.stream.addr \"nocolon\" is not a valid host:port")
}

func TestValidateRecorderPath(t *testing.T) {
	cfg := Defaults()
	cfg.Host.Sink.Record = true
	cfg.Recorder.Path = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "recorder.path is required")
}

func TestValidateLoggerFormat(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Format = "xml"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "logger.format \"xml\"")
}

func TestValidateTracer(t *testing.T) {
	cfg := Defaults()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "jaeger"
	cfg.Tracer.SampleRatio = 2
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "tracer.exporter \"jaeger\" is not supported")
	assertContains(t, err.Error(), "tracer.sample_ratio must be in 0..1")
}

func TestValidationErrorAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.Port = 0
	cfg.Host.BindAddr = ""
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
