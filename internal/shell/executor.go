// Package shell executes operator commands on the device, either as a
// plain pipe session or under a PTY. Device-local policy (enablement,
// command whitelist, session limits) is enforced here regardless of
// what the relay authorized.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edgewire/edgewire/internal/protocol"
)

// Config contains shell configuration.
type Config struct {
	// Enabled controls whether shell and exec channels are served.
	Enabled bool `yaml:"enabled"`

	// Whitelist contains allowed commands. Empty list = no commands
	// allowed. Use ["*"] to allow all commands (for testing only!).
	// Commands should be base names only (e.g., "whoami", "ls", "bash").
	Whitelist []string `yaml:"whitelist"`

	// DefaultShell is the command started for interactive shell
	// channels with no explicit command.
	DefaultShell string `yaml:"default_shell"`

	// Timeout is the optional command timeout (0 = no timeout).
	Timeout time.Duration `yaml:"timeout"`

	// MaxSessions limits concurrent sessions (0 = unlimited).
	MaxSessions int `yaml:"max_sessions"`
}

// DefaultConfig returns default shell configuration (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Whitelist:    []string{},
		DefaultShell: "/bin/sh",
	}
}

// Executor handles command execution with device-local policy checks.
type Executor struct {
	config   Config
	mu       sync.Mutex
	sessions int
}

// NewExecutor creates a new executor.
func NewExecutor(cfg Config) *Executor {
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = "/bin/sh"
	}
	return &Executor{config: cfg}
}

// DefaultShell returns the configured interactive shell command.
func (e *Executor) DefaultShell() string { return e.config.DefaultShell }

// dangerousArgPattern matches shell metacharacters and injection attempts.
var dangerousArgPattern = regexp.MustCompile(`[;&|$` + "`" + `(){}[\]<>\\!*?~]`)

// IsCommandAllowed checks if the command is in the whitelist.
func (e *Executor) IsCommandAllowed(command string) bool {
	whitelist := e.config.Whitelist

	if len(whitelist) == 0 {
		return false
	}

	for _, w := range whitelist {
		if w == "*" {
			return true
		}
	}

	// Only allow base command names - no paths allowed
	if strings.ContainsAny(command, "/\\") {
		return false
	}

	for _, allowed := range whitelist {
		if allowed == command {
			return true
		}
	}

	return false
}

// ValidateArgs checks command arguments for dangerous patterns.
func (e *Executor) ValidateArgs(args []string) error {
	// In wildcard mode, skip argument validation
	for _, w := range e.config.Whitelist {
		if w == "*" {
			return nil
		}
	}

	for i, arg := range args {
		if dangerousArgPattern.MatchString(arg) {
			return fmt.Errorf("argument %d contains dangerous characters", i)
		}
		if filepath.IsAbs(arg) {
			return fmt.Errorf("argument %d: absolute paths not allowed", i)
		}
	}
	return nil
}

// AcquireSession tries to acquire a session slot.
func (e *Executor) AcquireSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.MaxSessions > 0 && e.sessions >= e.config.MaxSessions {
		return fmt.Errorf("max sessions (%d) reached", e.config.MaxSessions)
	}

	e.sessions++
	return nil
}

// ReleaseSession releases a session slot.
func (e *Executor) ReleaseSession() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessions > 0 {
		e.sessions--
	}
}

// ActiveSessions returns the current number of active sessions.
func (e *Executor) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

// validateAndAcquire runs the policy checks shared by pipe and PTY
// sessions and claims a session slot on success.
func (e *Executor) validateAndAcquire(meta *protocol.ExecMeta) error {
	if !e.config.Enabled {
		return fmt.Errorf("shell is disabled")
	}
	if !e.IsCommandAllowed(meta.Command) {
		return fmt.Errorf("command %q is not allowed", meta.Command)
	}
	if err := e.ValidateArgs(meta.Args); err != nil {
		return err
	}
	return e.AcquireSession()
}

// Session represents an active pipe-based exec session.
type Session struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	exitCode  int32
	err       error
	mu        sync.Mutex
	started   bool
	startTime time.Time
}

// NewSession creates a new streaming exec session (non-PTY).
func (e *Executor) NewSession(ctx context.Context, meta *protocol.ExecMeta) (*Session, error) {
	if err := e.validateAndAcquire(meta); err != nil {
		return nil, err
	}

	// Per-request timeout takes precedence, then config timeout.
	var maxDuration time.Duration
	if meta.Timeout > 0 {
		maxDuration = time.Duration(meta.Timeout) * time.Second
	} else if e.config.Timeout > 0 {
		maxDuration = e.config.Timeout
	}

	var sessionCtx context.Context
	var cancel context.CancelFunc
	if maxDuration > 0 {
		sessionCtx, cancel = context.WithTimeout(ctx, maxDuration)
	} else {
		sessionCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(sessionCtx, meta.Command, meta.Args...)

	if len(meta.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range meta.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if meta.WorkDir != "" {
		cmd.Dir = meta.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		e.ReleaseSession()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		cancel()
		e.ReleaseSession()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		cancel()
		e.ReleaseSession()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	return &Session{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		ctx:       sessionCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		exitCode:  -1,
		startTime: time.Now(),
	}, nil
}

// Start starts the session command.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("session already started")
	}
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	s.started = true

	go func() {
		err := s.cmd.Wait()
		s.mu.Lock()
		s.err = err
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				s.exitCode = int32(exitErr.ExitCode())
			}
		} else {
			s.exitCode = 0
		}
		s.mu.Unlock()
		close(s.done)
	}()

	return nil
}

// Stdin returns the stdin writer for the session.
func (s *Session) Stdin() io.WriteCloser { return s.stdin }

// Stdout returns the stdout reader for the session.
func (s *Session) Stdout() io.ReadCloser { return s.stdout }

// Stderr returns the stderr reader for the session.
func (s *Session) Stderr() io.ReadCloser { return s.stderr }

// Done returns a channel that closes when the session exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode returns the exit code after the session ends.
func (s *Session) ExitCode() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Error returns any error from the session.
func (s *Session) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Signal sends a signal to the session process.
func (s *Session) Signal(sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return fmt.Errorf("session not started")
	}
	if s.cmd.Process == nil {
		return fmt.Errorf("no process")
	}
	return s.cmd.Process.Signal(sig)
}

// Close terminates the session.
func (s *Session) Close() {
	s.cancel()

	if s.stdin != nil {
		s.stdin.Close()
	}

	s.mu.Lock()
	if s.started && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
}

// Duration returns how long the session has been running.
func (s *Session) Duration() time.Duration {
	return time.Since(s.startTime)
}
