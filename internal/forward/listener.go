package forward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/recovery"
)

// ChannelOpener opens tunnel channels toward a device. *mux.Session
// satisfies it.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, channelType uint8, metadata []byte) (*mux.Channel, error)
}

// ListenerConfig holds operator-side TCP listener configuration.
type ListenerConfig struct {
	// DeviceID selects the device carried in the channel envelope.
	DeviceID string

	// Rule is the parsed forward specification.
	Rule Rule

	// BindAddr is the local bind address (default loopback).
	BindAddr string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// Logger for logging.
	Logger *slog.Logger
}

// Listener accepts local TCP connections and forwards each one over
// its own tunnel channel. One failed connection never affects the
// listener or its siblings.
type Listener struct {
	cfg    ListenerConfig
	opener ChannelOpener
	ln     net.Listener
	logger *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates an operator-side forward listener.
func NewListener(cfg ListenerConfig, opener ChannelOpener) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1"
	}

	return &Listener{
		cfg:         cfg,
		opener:      opener,
		logger:      logger,
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start binds the local port and begins accepting.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	addr := net.JoinHostPort(l.cfg.BindAddr, fmt.Sprint(l.cfg.Rule.LocalPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	l.ln = ln
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("forward listener started",
		logging.KeyTarget, l.cfg.Rule.Target(),
		logging.KeyLocalAddr, l.ln.Addr().String())

	return nil
}

// Stop gracefully stops the listener and closes active connections.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.ln != nil {
			err = l.ln.Close()
		}

		l.mu.Lock()
		for conn := range l.connections {
			conn.Close()
		}
		l.mu.Unlock()

		l.logger.Info("forward listener stopped",
			logging.KeyTarget, l.cfg.Rule.Target())
	})

	l.wg.Wait()
	return err
}

// Address returns the listening address.
func (l *Listener) Address() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.acceptLoop")

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		if l.cfg.MaxConnections > 0 && l.connCount.Load() >= int64(l.cfg.MaxConnections) {
			l.logger.Debug("connection limit reached",
				"limit", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		l.mu.Lock()
		l.connections[conn] = struct{}{}
		l.mu.Unlock()
		l.connCount.Add(1)

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// handleConnection bridges one local connection over its own channel.
func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.handleConnection")
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.connections, conn)
		l.mu.Unlock()
		l.connCount.Add(-1)
	}()

	remoteAddr := conn.RemoteAddr().String()
	l.logger.Debug("new forward connection",
		logging.KeyTarget, l.cfg.Rule.Target(),
		logging.KeyRemoteAddr, remoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	meta, err := encodeForwardEnvelope(l.cfg.DeviceID, l.cfg.Rule)
	if err != nil {
		l.logger.Error("encode forward metadata", logging.KeyError, err)
		return
	}

	ch, err := l.opener.OpenChannel(ctx, protocol.ChannelForwardTCP, meta)
	if err != nil {
		l.logger.Warn("forward channel open failed",
			logging.KeyTarget, l.cfg.Rule.Target(),
			logging.KeyError, err)
		return
	}
	defer ch.Close()

	relay(conn, ch)

	l.logger.Debug("forward connection closed",
		logging.KeyTarget, l.cfg.Rule.Target(),
		logging.KeyRemoteAddr, remoteAddr)
}

// encodeForwardEnvelope builds the operator OPEN metadata for a rule.
func encodeForwardEnvelope(deviceID string, rule Rule) ([]byte, error) {
	inner, err := protocol.EncodeMeta(protocol.ForwardMeta{
		Host: rule.Host,
		Port: rule.Port,
	})
	if err != nil {
		return nil, err
	}
	return protocol.EncodeMeta(protocol.OperatorMeta{
		DeviceID: deviceID,
		Meta:     inner,
	})
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// relay copies data bidirectionally between two connections.
// Supports half-close for graceful shutdown.
func relay(client, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Client -> Target
	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, client)
		// Signal we're done writing
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	// Target -> Client
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, target)
		// Signal we're done writing
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	wg.Wait()
}
