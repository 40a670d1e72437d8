//go:build !linux && !darwin && !windows

package service

import (
	"context"
	"fmt"
	"runtime"
)

func isRootImpl() bool { return false }

func installImpl(Config, string) error {
	return fmt.Errorf("service installation is not supported on %s", runtime.GOOS)
}

func uninstallImpl(string) error {
	return fmt.Errorf("service management is not supported on %s", runtime.GOOS)
}

func statusImpl(string) (string, error) {
	return "", fmt.Errorf("service management is not supported on %s", runtime.GOOS)
}

func isInstalledImpl(string) bool { return false }

func isInteractiveImpl() bool { return true }

func runAsServiceImpl(_ string, r Runner) error {
	return r.Run(context.Background())
}
