package shell

import (
	"context"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/edgewire/edgewire/internal/protocol"
)

func TestIsCommandAllowed(t *testing.T) {
	tests := []struct {
		name      string
		whitelist []string
		command   string
		want      bool
	}{
		{"empty whitelist denies", nil, "ls", false},
		{"wildcard allows", []string{"*"}, "anything", true},
		{"exact match", []string{"ls", "whoami"}, "whoami", true},
		{"not listed", []string{"ls"}, "rm", false},
		{"path denied", []string{"ls"}, "/bin/ls", false},
		{"backslash path denied", []string{"ls"}, `C:\bin\ls`, false},
		{"case sensitive", []string{"ls"}, "LS", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(Config{Enabled: true, Whitelist: tt.whitelist})
			if got := e.IsCommandAllowed(tt.command); got != tt.want {
				t.Errorf("IsCommandAllowed(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestValidateArgs(t *testing.T) {
	e := NewExecutor(Config{Enabled: true, Whitelist: []string{"echo"}})

	if err := e.ValidateArgs([]string{"hello", "world"}); err != nil {
		t.Errorf("plain args rejected: %v", err)
	}

	bad := [][]string{
		{"hello; rm -rf"},
		{"$(whoami)"},
		{"`id`"},
		{"a|b"},
		{"/etc/passwd"},
	}
	for _, args := range bad {
		if err := e.ValidateArgs(args); err == nil {
			t.Errorf("ValidateArgs(%v) accepted, want error", args)
		}
	}

	// Wildcard mode skips validation.
	wild := NewExecutor(Config{Enabled: true, Whitelist: []string{"*"}})
	if err := wild.ValidateArgs([]string{"/etc/passwd", "a|b"}); err != nil {
		t.Errorf("wildcard mode rejected args: %v", err)
	}
}

func TestSessionLimit(t *testing.T) {
	e := NewExecutor(Config{Enabled: true, Whitelist: []string{"*"}, MaxSessions: 2})

	if err := e.AcquireSession(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := e.AcquireSession(); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := e.AcquireSession(); err == nil {
		t.Error("third acquire succeeded, want limit error")
	}
	e.ReleaseSession()
	if err := e.AcquireSession(); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestDisabledExecutor(t *testing.T) {
	e := NewExecutor(Config{Enabled: false, Whitelist: []string{"*"}})
	_, err := e.NewSession(context.Background(), &protocol.ExecMeta{Command: "true"})
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("err = %v, want disabled error", err)
	}
}

func TestExecSessionRunsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell test")
	}

	e := NewExecutor(Config{Enabled: true, Whitelist: []string{"*"}})
	sess, err := e.NewSession(context.Background(), &protocol.ExecMeta{
		Command: "sh",
		Args:    []string{"-c", "echo hello; exit 3"},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer e.ReleaseSession()

	if err := sess.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.Stdin().Close()

	out, err := io.ReadAll(sess.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	<-sess.Done()

	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("stdout = %q", out)
	}
	if sess.ExitCode() != 3 {
		t.Errorf("exit code = %d, want 3", sess.ExitCode())
	}
}

func TestExecSessionTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell test")
	}

	e := NewExecutor(Config{Enabled: true, Whitelist: []string{"*"}})
	sess, err := e.NewSession(context.Background(), &protocol.ExecMeta{
		Command: "sleep",
		Args:    []string{"60"},
		Timeout: 1,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer e.ReleaseSession()

	if err := sess.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		sess.Close()
		t.Fatal("session did not time out")
	}
	if sess.ExitCode() == 0 {
		t.Error("timed out command reported success")
	}
}
