//go:build linux

package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const systemdUnitDir = "/etc/systemd/system"

func isRootImpl() bool { return os.Getuid() == 0 }

func installImpl(cfg Config, execPath string) error {
	name := Name(cfg.Mode)
	unitPath := filepath.Join(systemdUnitDir, name+".service")
	if _, err := os.Stat(unitPath); err == nil {
		return fmt.Errorf("service %s is already installed at %s", name, unitPath)
	}

	if err := os.WriteFile(unitPath, []byte(systemdUnit(cfg, execPath)), 0o644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}

	if out, err := runCommand("systemctl", "daemon-reload"); err != nil {
		os.Remove(unitPath)
		return fmt.Errorf("systemctl daemon-reload: %s: %w", strings.TrimSpace(out), err)
	}
	if out, err := runCommand("systemctl", "enable", name); err != nil {
		return fmt.Errorf("systemctl enable: %s: %w", strings.TrimSpace(out), err)
	}
	if out, err := runCommand("systemctl", "start", name); err != nil {
		return fmt.Errorf("systemctl start: %s: %w", strings.TrimSpace(out), err)
	}
	return nil
}

func uninstallImpl(name string) error {
	unitPath := filepath.Join(systemdUnitDir, name+".service")
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	// Stop and disable failures are non-fatal; the unit may simply not
	// be running.
	runCommand("systemctl", "stop", name)
	runCommand("systemctl", "disable", name)

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove systemd unit: %w", err)
	}
	runCommand("systemctl", "daemon-reload")
	runCommand("systemctl", "reset-failed", name)
	return nil
}

func statusImpl(name string) (string, error) {
	if !isInstalledImpl(name) {
		return "not installed", nil
	}
	out, err := runCommand("systemctl", "is-active", name)
	state := strings.TrimSpace(out)
	if err != nil {
		if state == "inactive" || state == "failed" {
			return "stopped", nil
		}
		return "", fmt.Errorf("systemctl is-active: %s: %w", state, err)
	}
	if state == "active" {
		return "running", nil
	}
	return state, nil
}

func isInstalledImpl(name string) bool {
	_, err := os.Stat(filepath.Join(systemdUnitDir, name+".service"))
	return err == nil
}

func isInteractiveImpl() bool { return true }

func runAsServiceImpl(_ string, r Runner) error {
	return r.Run(context.Background())
}
