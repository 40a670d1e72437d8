// Package service installs the relay or agent as a system service:
// systemd on Linux, launchd on macOS, and the Service Control Manager
// on Windows.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Mode selects which edgewire runtime the service runs.
const (
	ModeRelay = "relay"
	ModeAgent = "agent"
)

// Config describes the service to install.
type Config struct {
	// Mode is "relay" or "agent".
	Mode string

	// ConfigPath is the absolute path to the YAML configuration.
	ConfigPath string

	// User and Group run the service unprivileged (Linux only; empty
	// means root).
	User  string
	Group string

	// Description overrides the default unit description.
	Description string
}

// Name returns the system service name for a mode, e.g.
// "edgewire-agent".
func Name(mode string) string { return "edgewire-" + mode }

func (c *Config) normalize() error {
	if c.Mode != ModeRelay && c.Mode != ModeAgent {
		return fmt.Errorf("unknown service mode %q", c.Mode)
	}
	abs, err := filepath.Abs(c.ConfigPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	c.ConfigPath = abs
	if c.Description == "" {
		switch c.Mode {
		case ModeRelay:
			c.Description = "Edgewire relay server"
		case ModeAgent:
			c.Description = "Edgewire device agent"
		}
	}
	return nil
}

// Runner is the long-running process a Windows service wraps.
type Runner interface {
	Run(ctx context.Context) error
}

// IsRoot reports whether the process has the privileges service
// installation needs.
func IsRoot() bool { return isRootImpl() }

// IsSupported reports whether service management works on this
// platform.
func IsSupported() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "windows":
		return true
	}
	return false
}

// Install registers and starts the service.
func Install(cfg Config) error {
	if !IsSupported() {
		return fmt.Errorf("service installation is not supported on %s", runtime.GOOS)
	}
	if !IsRoot() {
		return fmt.Errorf("service installation requires root/administrator privileges")
	}
	if err := cfg.normalize(); err != nil {
		return err
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	return installImpl(cfg, execPath)
}

// Uninstall stops and removes the service for a mode.
func Uninstall(mode string) error {
	if !IsSupported() {
		return fmt.Errorf("service management is not supported on %s", runtime.GOOS)
	}
	if !IsRoot() {
		return fmt.Errorf("service removal requires root/administrator privileges")
	}
	return uninstallImpl(Name(mode))
}

// Status returns a short service state string ("running", "stopped",
// "not installed").
func Status(mode string) (string, error) {
	if !IsSupported() {
		return "", fmt.Errorf("service management is not supported on %s", runtime.GOOS)
	}
	return statusImpl(Name(mode))
}

// IsInstalled reports whether the service for a mode exists.
func IsInstalled(mode string) bool {
	if !IsSupported() {
		return false
	}
	return isInstalledImpl(Name(mode))
}

// IsInteractive reports whether the process runs in a terminal rather
// than under a service manager. Only Windows distinguishes the two.
func IsInteractive() bool { return isInteractiveImpl() }

// RunAsService runs the runner under the platform service manager. On
// non-Windows platforms it simply runs the runner; systemd and launchd
// supervise plain processes.
func RunAsService(mode string, r Runner) error {
	return runAsServiceImpl(Name(mode), r)
}

// systemdUnit renders the systemd unit file.
func systemdUnit(cfg Config, execPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s %s -c %s
WorkingDirectory=%s
Restart=always
RestartSec=5
`, cfg.Description, execPath, cfg.Mode, cfg.ConfigPath, filepath.Dir(cfg.ConfigPath))

	if cfg.User != "" {
		fmt.Fprintf(&b, "User=%s\n", cfg.User)
	}
	if cfg.Group != "" {
		fmt.Fprintf(&b, "Group=%s\n", cfg.Group)
	}

	b.WriteString(`
[Install]
WantedBy=multi-user.target
`)
	return b.String()
}

// launchdPlist renders the launchd property list.
func launchdPlist(cfg Config, execPath string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.edgewire.%s</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>%s</string>
		<string>-c</string>
		<string>%s</string>
	</array>
	<key>WorkingDirectory</key>
	<string>%s</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
</dict>
</plist>
`, cfg.Mode, execPath, cfg.Mode, cfg.ConfigPath, filepath.Dir(cfg.ConfigPath))
}

// runCommand executes a command and returns combined output.
func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}
