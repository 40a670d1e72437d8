//go:build windows

package shell

import (
	"context"
	"fmt"
	"syscall"

	"github.com/edgewire/edgewire/internal/protocol"
)

// PTYSessionInterface defines the interface for PTY sessions.
type PTYSessionInterface interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Resize(rows, cols uint16) error
	Signal(sig syscall.Signal) error
	Wait() int32
	Close()
}

// NewPTYSession is not supported on Windows; interactive channels fall
// back to pipe sessions.
func (e *Executor) NewPTYSession(_ context.Context, _ *protocol.ExecMeta) (PTYSessionInterface, error) {
	return nil, fmt.Errorf("PTY sessions are not supported on windows")
}

// NewShellSession is not supported on Windows.
func (e *Executor) NewShellSession(_ context.Context, _ *protocol.TTYMeta) (PTYSessionInterface, error) {
	return nil, fmt.Errorf("PTY sessions are not supported on windows")
}
