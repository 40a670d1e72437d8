//go:build darwin

package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const launchdDir = "/Library/LaunchDaemons"

func label(name string) string {
	return "com.edgewire." + strings.TrimPrefix(name, "edgewire-")
}

func plistPath(name string) string {
	return filepath.Join(launchdDir, label(name)+".plist")
}

func isRootImpl() bool { return os.Getuid() == 0 }

func installImpl(cfg Config, execPath string) error {
	name := Name(cfg.Mode)
	path := plistPath(name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("service %s is already installed at %s", name, path)
	}

	if err := os.WriteFile(path, []byte(launchdPlist(cfg, execPath)), 0o644); err != nil {
		return fmt.Errorf("write launchd plist: %w", err)
	}

	if out, err := runCommand("launchctl", "load", "-w", path); err != nil {
		os.Remove(path)
		return fmt.Errorf("launchctl load: %s: %w", strings.TrimSpace(out), err)
	}
	return nil
}

func uninstallImpl(name string) error {
	path := plistPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	runCommand("launchctl", "unload", "-w", path)

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove launchd plist: %w", err)
	}
	return nil
}

func statusImpl(name string) (string, error) {
	if !isInstalledImpl(name) {
		return "not installed", nil
	}
	out, _ := runCommand("launchctl", "list")
	if strings.Contains(out, label(name)) {
		return "running", nil
	}
	return "stopped", nil
}

func isInstalledImpl(name string) bool {
	_, err := os.Stat(plistPath(name))
	return err == nil
}

func isInteractiveImpl() bool { return true }

func runAsServiceImpl(_ string, r Runner) error {
	return r.Run(context.Background())
}
