package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bleproxy/cmd/bleproxy/daemon"
	"bleproxy/internal/infra/config"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	case "agent":
		err = withSignals(func(ctx context.Context) error { return runAgent(ctx, args) })
	case "host":
		err = withSignals(func(ctx context.Context) error { return runHost(ctx, args) })
	case "monitor":
		err = withSignals(func(ctx context.Context) error { return runMonitor(ctx, args) })
	case "discover":
		err = withSignals(func(ctx context.Context) error { return runDiscover(ctx, args) })
	case "daemon":
		err = runDaemon(args)
	case "doctor":
		err = runDoctor(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'bleproxy --help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`bleproxy - relay BLE advertisements over UDP

USAGE:
    bleproxy COMMAND [FLAGS]

COMMANDS:
    agent       Scan for BLE advertisements and send them to a host
    host        Receive advertisements and hand them to the configured sinks
    monitor     Run the host with a live terminal view
    discover    Browse the local network for running hosts (mDNS)
    daemon      Manage bleproxy as a system service
                Subcommands: install, uninstall, status [agent|host]
    doctor      Run health checks on this machine

FLAGS:
    -h, --help                Show this help message
    --config PATH             Config file path (default: ./config.yaml)
    -H, --host HOST           Destination host (agent)
    -p, --port PORT           Destination port (agent) or listen port (host)
    -i, --scan-interval SECS  Length of one scan window (default: 10000)
    -v, --verbose             Print every record and log at debug level

CONFIGURATION:
    Config file: ./config.yaml
    Environment: BLEPROXY_* variables override config; flags override both

EXAMPLES:
    bleproxy agent -H 192.168.1.20           # Scan and relay to 192.168.1.20:5038
    bleproxy agent -H relay.lan -i 30 -v     # 30s windows, print records
    bleproxy host                            # Receive on 0.0.0.0:5038
    bleproxy monitor -p 6000                 # Receive on port 6000 with a live view
    bleproxy daemon install agent            # Install the agent as a service
    bleproxy doctor                          # Check system health`)
}

// withSignals runs fn with a context cancelled on SIGINT or SIGTERM.
func withSignals(fn func(ctx context.Context) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return fn(ctx)
}

// cliFlags holds command-line overrides. Zero values mean "not given".
type cliFlags struct {
	ConfigPath   string
	Host         string
	Port         int
	ScanInterval time.Duration
	Verbose      bool
	Args         []string // positional arguments
}

var errFlagValue = errors.New("missing flag value")

// parseFlags extracts the shared flags from args. Both "--flag value" and
// "--flag=value" forms are accepted.
func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		if !strings.HasPrefix(name, "-") {
			flags.Args = append(flags.Args, arg)
			continue
		}

		next := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s: %w", name, errFlagValue)
			}
			i++
			return args[i], nil
		}

		switch name {
		case "--config":
			v, err := next()
			if err != nil {
				return flags, err
			}
			flags.ConfigPath = v
		case "-H", "--host":
			v, err := next()
			if err != nil {
				return flags, err
			}
			flags.Host = v
		case "-p", "--port":
			v, err := next()
			if err != nil {
				return flags, err
			}
			port, err := strconv.Atoi(v)
			if err != nil || port < 1 || port > 65535 {
				return flags, fmt.Errorf("%s: invalid port %q", name, v)
			}
			flags.Port = port
		case "-i", "--scan-interval", "--scan_interval":
			v, err := next()
			if err != nil {
				return flags, err
			}
			d, err := config.ParseSeconds(v)
			if err != nil || d <= 0 {
				return flags, fmt.Errorf("%s: invalid interval %q", name, v)
			}
			flags.ScanInterval = d
		case "-v", "--verbose":
			flags.Verbose = true
		default:
			return flags, fmt.Errorf("unknown flag %s", name)
		}
	}
	return flags, nil
}

// configPath resolves the config file: --config, then BLEPROXY_CONFIG, then
// ./config.yaml.
func configPath(flags cliFlags) string {
	if flags.ConfigPath != "" {
		return flags.ConfigPath
	}
	if p := os.Getenv("BLEPROXY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// role selects which config section the port flag applies to.
type role int

const (
	roleAgent role = iota
	roleHost
)

// loadConfig loads the config file and applies flag overrides for r.
func loadConfig(flags cliFlags, r role) (*config.Config, error) {
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyFlags(cfg, flags, r)
	return cfg, nil
}

func applyFlags(cfg *config.Config, flags cliFlags, r role) {
	if flags.Host != "" {
		cfg.Agent.Host = flags.Host
	}
	if flags.ScanInterval > 0 {
		cfg.Agent.ScanInterval = flags.ScanInterval
	}
	if flags.Verbose {
		cfg.Agent.Verbose = true
	}
	if flags.Port > 0 {
		switch r {
		case roleAgent:
			cfg.Agent.Port = flags.Port
		case roleHost:
			cfg.Host.Port = flags.Port
		}
	}
}

func runDaemon(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: bleproxy daemon <install|uninstall|status> [agent|host]")
	}
	flags, err := parseFlags(args[1:])
	if err != nil {
		return err
	}
	svcRole := daemon.RoleAgent
	if len(flags.Args) > 0 {
		svcRole, err = daemon.ParseRole(flags.Args[0])
		if err != nil {
			return err
		}
	}
	name := daemon.ServiceName(svcRole)

	switch args[0] {
	case "install":
		cfg := daemon.DefaultConfig(svcRole)
		if flags.ConfigPath != "" {
			cfg.ConfigPath = flags.ConfigPath
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := daemon.Install(cfg); err != nil {
			return err
		}
		fmt.Printf("%s installed\n", name)
		return nil
	case "uninstall":
		return daemon.Uninstall(name)
	case "status":
		status, err := daemon.Status(name)
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("%s is running (PID %d)\n", name, status.PID)
		} else {
			fmt.Printf("%s is not running\n", name)
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", args[0])
	}
}
