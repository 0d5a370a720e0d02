// Package daemon installs bleproxy as a system service.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

// Role is the bleproxy subcommand a service runs.
type Role string

const (
	RoleAgent Role = "agent"
	RoleHost  Role = "host"
)

// ParseRole accepts "agent" or "host".
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case RoleAgent:
		return RoleAgent, nil
	case RoleHost:
		return RoleHost, nil
	default:
		return "", fmt.Errorf("unknown role %q (want: agent, host)", s)
	}
}

// ServiceName returns the service name for role, e.g. "bleproxy-agent".
func ServiceName(role Role) string {
	return "bleproxy-" + string(role)
}

// DaemonConfig holds parameters for daemon installation.
type DaemonConfig struct {
	Name       string
	Role       Role
	BinaryPath string
	ConfigPath string
	WorkDir    string
	User       string
	LogPath    string
	HomeDir    string
}

// DaemonStatus holds the status of an installed daemon.
type DaemonStatus struct {
	Running bool
	PID     int
}

// DefaultConfig returns a DaemonConfig for role with auto-detected defaults.
// The agent needs raw HCI access and runs as root.
func DefaultConfig(role Role) DaemonConfig {
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/bleproxy"
	}

	username := "root"
	homeDir := "/root"
	if u, _ := user.Current(); u != nil {
		username = u.Username
		homeDir = u.HomeDir
	}
	if role == RoleAgent && runtime.GOOS == "linux" {
		username = "root"
	}

	return DaemonConfig{
		Name:       ServiceName(role),
		Role:       role,
		BinaryPath: binary,
		ConfigPath: filepath.Join(homeDir, ".config", "bleproxy", "config.yaml"),
		WorkDir:    filepath.Join(homeDir, ".bleproxy"),
		User:       username,
		LogPath:    filepath.Join(homeDir, ".bleproxy", "logs"),
		HomeDir:    homeDir,
	}
}

// Validate checks the DaemonConfig for correctness.
func (c *DaemonConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("daemon name is required")
	}
	if _, err := ParseRole(string(c.Role)); err != nil {
		return err
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	return nil
}

// Install installs the daemon on the current platform.
func Install(cfg DaemonConfig) error {
	switch runtime.GOOS {
	case "linux":
		return installSystemd(cfg)
	case "darwin":
		return installLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall removes the daemon on the current platform.
func Uninstall(name string) error {
	switch runtime.GOOS {
	case "linux":
		return uninstallSystemd(name)
	case "darwin":
		return uninstallLaunchd(name)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Status returns the daemon status on the current platform.
func Status(name string) (*DaemonStatus, error) {
	switch runtime.GOOS {
	case "linux":
		return statusSystemd(name)
	case "darwin":
		return statusLaunchd(name)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func render(name, text string, cfg DaemonConfig) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// --- systemd ---

const systemdTemplate = `[Unit]
Description=bleproxy BLE advertisement relay ({{.Role}})
After=network-online.target{{if eq .Role "agent"}} bluetooth.target{{end}}
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} {{.Role}} --config {{.ConfigPath}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogPath}}/{{.Name}}.log
StandardError=append:{{.LogPath}}/{{.Name}}.log
Environment=HOME={{.HomeDir}}

[Install]
WantedBy=multi-user.target
`

// RenderSystemdUnit renders the systemd service file content.
func RenderSystemdUnit(cfg DaemonConfig) (string, error) {
	return render("systemd", systemdTemplate, cfg)
}

func prepareDirs(cfg DaemonConfig) error {
	if err := os.MkdirAll(cfg.LogPath, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	return nil
}

func installSystemd(cfg DaemonConfig) error {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return err
	}
	if err := prepareDirs(cfg); err != nil {
		return err
	}

	unitPath := filepath.Join("/etc/systemd/system", cfg.Name+".service")
	if err := os.WriteFile(unitPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	cmds := [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", cfg.Name},
		{"systemctl", "start", cfg.Name},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %s: %w", strings.Join(args, " "), out, err)
		}
	}
	return nil
}

func uninstallSystemd(name string) error {
	for _, args := range [][]string{
		{"systemctl", "stop", name},
		{"systemctl", "disable", name},
	} {
		exec.Command(args[0], args[1:]...).Run() // best effort
	}

	os.Remove(filepath.Join("/etc/systemd/system", name+".service"))
	exec.Command("systemctl", "daemon-reload").Run()
	return nil
}

func statusSystemd(name string) (*DaemonStatus, error) {
	out, err := exec.Command("systemctl", "is-active", name).Output()
	running := strings.TrimSpace(string(out)) == "active"
	if err != nil && !running {
		return &DaemonStatus{Running: false}, nil
	}

	status := &DaemonStatus{Running: running}
	if pidOut, err := exec.Command("systemctl", "show", "--property=MainPID", name).Output(); err == nil {
		status.PID = parseMainPID(string(pidOut))
	}
	return status, nil
}

// parseMainPID reads "MainPID=1234" as printed by systemctl show.
func parseMainPID(out string) int {
	_, v, ok := strings.Cut(strings.TrimSpace(out), "=")
	if !ok {
		return 0
	}
	pid, _ := strconv.Atoi(v)
	return pid
}

// --- launchd ---

const launchdLabelPrefix = "io.bleproxy."

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>io.bleproxy.{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>{{.Role}}</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
    </dict>
</dict>
</plist>
`

// RenderLaunchdPlist renders the launchd plist content.
func RenderLaunchdPlist(cfg DaemonConfig) (string, error) {
	return render("launchd", launchdTemplate, cfg)
}

func installLaunchd(cfg DaemonConfig) error {
	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		return err
	}
	if err := prepareDirs(cfg); err != nil {
		return err
	}

	plistPath := filepath.Join(cfg.HomeDir, "Library", "LaunchAgents", launchdLabelPrefix+cfg.Name+".plist")
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(plistPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}

	if out, err := exec.Command("launchctl", "load", plistPath).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl load: %s: %w", out, err)
	}
	return nil
}

func uninstallLaunchd(name string) error {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabelPrefix+name+".plist")

	exec.Command("launchctl", "unload", plistPath).Run() // best effort
	os.Remove(plistPath)
	return nil
}

func statusLaunchd(name string) (*DaemonStatus, error) {
	out, err := exec.Command("launchctl", "list", launchdLabelPrefix+name).CombinedOutput()
	if err != nil {
		return &DaemonStatus{Running: false}, nil
	}
	return &DaemonStatus{Running: true, PID: parseLaunchdPID(string(out))}, nil
}

// parseLaunchdPID reads the `"PID" = 1234;` line of launchctl list output.
func parseLaunchdPID(out string) int {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "PID") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSuffix(parts[len(parts)-1], ";"))
		if err == nil {
			return pid
		}
	}
	return 0
}
