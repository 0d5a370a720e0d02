package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"bleproxy/internal/infra/config"
	"bleproxy/internal/usecase/scheduling"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// resolveTimeout bounds the destination lookup.
const resolveTimeout = 5 * time.Second

// bluetoothClassDir lists HCI adapters on Linux.
var bluetoothClassDir = "/sys/class/bluetooth"

// runDoctor executes all health checks and reports results.
func runDoctor(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfgPath := configPath(flags)

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)
	if cfg != nil {
		applyFlags(cfg, flags, roleHost)
		if flags.Port > 0 {
			cfg.Agent.Port = flags.Port
		}
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Bluetooth adapter", Fn: checkBluetoothAdapter},
		{Name: "Agent destination", Fn: checkDestination},
		{Name: "Host port", Fn: checkHostPort},
		{Name: "Stream address", Fn: checkStreamAddr},
		{Name: "Stats schedule", Fn: checkStatsSchedule},
		{Name: "Recorder", Fn: checkRecorder},
	}

	fmt.Println("bleproxy doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	results := runChecks(checks, cfg)
	var pass, warn, fail int
	for _, result := range results {
		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before running bleproxy.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nbleproxy should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! bleproxy is ready to run.")
	}
	return nil
}

func runChecks(checks []Check, cfg *config.Config) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		results = append(results, result)
	}
	return results
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func configNotLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
}

// checkConfigFile reports whether the config file exists and loads. A missing
// file only warns because defaults and BLEPROXY_* variables are enough to run.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check the YAML syntax and the values listed above",
			}
		}
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkBluetoothAdapter verifies the configured HCI device is present. Only
// the agent needs it, so a missing adapter warns.
func checkBluetoothAdapter(cfg *config.Config) CheckResult {
	if runtime.GOOS != "linux" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("agent scanning is not supported on %s", runtime.GOOS),
		}
	}
	deviceID := 0
	if cfg != nil {
		deviceID = cfg.Agent.DeviceID
	}
	name := "hci" + strconv.Itoa(deviceID)
	if _, err := os.Stat(filepath.Join(bluetoothClassDir, name)); err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("bluetooth adapter %s not found", name),
			Fix:     "Check 'hciconfig -a' or set agent.device_id; the host does not need an adapter",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("bluetooth adapter %s present", name)}
}

// checkDestination resolves the agent destination host.
func checkDestination(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	if cfg.Agent.Host == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "agent.host not set (required to run the agent)",
			Fix:     "Set agent.host, BLEPROXY_AGENT_HOST or pass -H",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(ctx, cfg.Agent.Host)
	if err != nil || len(addrs) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot resolve %s: %v", cfg.Agent.Host, err),
			Fix:     "Check the host name or use the host's IP address",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s resolves to %s (port %d)", cfg.Agent.Host, strings.Join(addrs, ", "), cfg.Agent.Port),
	}
}

// checkHostPort tries to bind the host's UDP port.
func checkHostPort(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	addr := net.JoinHostPort(cfg.Host.BindAddr, strconv.Itoa(cfg.Host.Port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot bind udp %s: %v", addr, err),
			Fix:     "Another host may already be running; stop it or change host.port",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("udp %s is free", addr)}
}

// checkStreamAddr tries to bind the WebSocket stream address when enabled.
func checkStreamAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	if !cfg.Host.Stream.Enabled {
		return CheckResult{Status: StatusPass, Message: "stream disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Host.Stream.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot bind tcp %s: %v", cfg.Host.Stream.Addr, err),
			Fix:     "Change host.stream.addr",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("tcp %s is free", cfg.Host.Stream.Addr)}
}

// checkStatsSchedule validates the stats schedule expression.
func checkStatsSchedule(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	if cfg.Host.StatsSchedule == "" {
		return CheckResult{Status: StatusPass, Message: "stats reporting disabled"}
	}
	if err := scheduling.ValidateSchedule(cfg.Host.StatsSchedule); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     `Use a cron expression ("*/5 * * * *") or a duration ("5m")`,
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("stats every %q", cfg.Host.StatsSchedule)}
}

// checkRecorder verifies the recorder directory is writable when recording
// is enabled.
func checkRecorder(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded()
	}
	if !cfg.Host.Sink.Record {
		return CheckResult{Status: StatusPass, Message: "recording disabled"}
	}
	dir := filepath.Dir(cfg.Recorder.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Set recorder.path to a writable location",
		}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Set recorder.path to a writable location",
		}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("recording to %s", cfg.Recorder.Path)}
}
