package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testConfig(t *testing.T, mode string) Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, mode+".yaml")
	if err := os.WriteFile(path, []byte("data_dir: ./data\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return Config{Mode: mode, ConfigPath: path}
}

func TestName(t *testing.T) {
	if got := Name(ModeAgent); got != "edgewire-agent" {
		t.Errorf("Name(agent) = %q", got)
	}
	if got := Name(ModeRelay); got != "edgewire-relay" {
		t.Errorf("Name(relay) = %q", got)
	}
}

func TestNormalize(t *testing.T) {
	cfg := testConfig(t, ModeAgent)
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !filepath.IsAbs(cfg.ConfigPath) {
		t.Errorf("config path not absolute: %q", cfg.ConfigPath)
	}
	if cfg.Description == "" {
		t.Error("description not defaulted")
	}

	bad := Config{Mode: "proxy", ConfigPath: cfg.ConfigPath}
	if err := bad.normalize(); err == nil {
		t.Error("unknown mode accepted")
	}

	missing := Config{Mode: ModeRelay, ConfigPath: "/nonexistent/relay.yaml"}
	if err := missing.normalize(); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestSystemdUnit(t *testing.T) {
	cfg := testConfig(t, ModeAgent)
	cfg.User = "edgewire"
	cfg.Group = "edgewire"
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}

	unit := systemdUnit(cfg, "/usr/local/bin/edgewire")

	for _, want := range []string{
		"ExecStart=/usr/local/bin/edgewire agent -c " + cfg.ConfigPath,
		"Description=Edgewire device agent",
		"Restart=always",
		"User=edgewire",
		"Group=edgewire",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
}

func TestSystemdUnitOmitsEmptyUser(t *testing.T) {
	cfg := testConfig(t, ModeRelay)
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}

	unit := systemdUnit(cfg, "/usr/local/bin/edgewire")
	if strings.Contains(unit, "User=") || strings.Contains(unit, "Group=") {
		t.Errorf("unit carries empty user/group lines:\n%s", unit)
	}
}

func TestLaunchdPlist(t *testing.T) {
	cfg := testConfig(t, ModeAgent)
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}

	plist := launchdPlist(cfg, "/usr/local/bin/edgewire")
	for _, want := range []string{
		"<string>com.edgewire.agent</string>",
		"<string>/usr/local/bin/edgewire</string>",
		"<string>agent</string>",
		"<string>" + cfg.ConfigPath + "</string>",
		"<key>KeepAlive</key>",
	} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q", want)
		}
	}
}
