// Package agent runs on the device. It keeps one outbound session to
// the relay alive, re-dialing with exponential backoff, and serves the
// channels the relay opens on behalf of operators.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/edgewire/edgewire/internal/deploy"
	"github.com/edgewire/edgewire/internal/filetransfer"
	"github.com/edgewire/edgewire/internal/forward"
	"github.com/edgewire/edgewire/internal/identity"
	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/recovery"
	"github.com/edgewire/edgewire/internal/shell"
	"github.com/edgewire/edgewire/internal/sysinfo"
	"github.com/edgewire/edgewire/internal/transport"
)

// ErrNotApproved is returned while the device waits for operator
// approval on the relay.
var ErrNotApproved = errors.New("device registration pending approval")

// pendingRetryInterval is the re-dial cadence while the device sits in
// the pending state. Approval is a human action, so backoff growth
// would only delay the first useful session.
const pendingRetryInterval = 30 * time.Second

// Config holds device agent configuration.
type Config struct {
	// RelayAddr is the relay endpoint (host:port or URL).
	RelayAddr string

	// Transport selects the carrier protocol.
	Transport transport.Kind

	// Dial tunes the carrier dial (TLS pinning, proxy, timeout).
	Dial transport.DialConfig

	// DataDir stores the device identity and deploy state.
	DataDir string

	// Name is the human-readable device name sent at registration.
	Name string

	// EnrollKey authenticates the device to the relay.
	EnrollKey string

	// Secret verifies tunnel tokens locally. Must match the relay
	// secret; empty skips local grant verification.
	Secret string

	// Shell configures the exec/shell policy.
	Shell shell.Config

	// FileTransfer configures upload/download policy.
	FileTransfer filetransfer.Config

	// DockerEnabled serves docker passthrough channels.
	DockerEnabled bool

	// DockerBinary overrides the docker executable path.
	DockerBinary string

	// LogsEnabled serves log-stream channels.
	LogsEnabled bool

	// SerialEnabled serves serial bridge channels.
	SerialEnabled bool

	// Reconnect tunes the re-dial backoff.
	Reconnect BackoffConfig

	Logger *slog.Logger
}

// Agent is the device-side runtime.
type Agent struct {
	cfg      Config
	deviceID identity.DeviceID
	executor *shell.Executor
	bridge   *forward.Bridge
	files    *filetransfer.Handler
	applier  *deploy.Applier
	logger   *slog.Logger
}

// New creates an agent, loading or minting the device identity under
// cfg.DataDir.
func New(cfg Config) (*Agent, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Transport == "" {
		cfg.Transport = transport.KindTLS
	}

	id, created, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("device identity: %w", err)
	}
	if created {
		logger.Info("generated device identity", logging.KeyDeviceID, id.ShortID())
	}

	applier, err := deploy.NewApplier(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("deploy state: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		deviceID: id,
		executor: shell.NewExecutor(cfg.Shell),
		files:    filetransfer.NewHandler(cfg.FileTransfer, logger),
		applier:  applier,
		logger:   logger,
	}
	a.bridge = forward.NewBridge(forward.BridgeConfig{
		DeviceID: id.String(),
		Secret:   cfg.Secret,
		Logger:   logger,
	})
	return a, nil
}

// DeviceID returns this device's identity.
func (a *Agent) DeviceID() identity.DeviceID { return a.deviceID }

// Applier exposes the deploy applier, mainly for tests.
func (a *Agent) Applier() *deploy.Applier { return a.applier }

// Run keeps the relay session alive until ctx ends. Lost sessions are
// re-dialed with exponential backoff; a pending registration retries
// at a fixed cadence instead.
func (a *Agent) Run(ctx context.Context) error {
	backoff := NewBackoff(a.cfg.Reconnect)

	for {
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var delay time.Duration
		switch {
		case errors.Is(err, ErrNotApproved):
			delay = pendingRetryInterval
			backoff.Reset()
			a.logger.Info("registration pending, will retry",
				logging.KeyDuration, delay)
		default:
			delay = backoff.Next()
			a.logger.Warn("relay session ended",
				logging.KeyError, err,
				logging.KeyDuration, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runSession dials, registers, and serves one relay session to its end.
func (a *Agent) runSession(ctx context.Context) error {
	conn, err := transport.Dial(ctx, a.cfg.Transport, a.cfg.RelayAddr, a.cfg.Dial)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	if err := a.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	a.logger.Info("registered with relay",
		logging.KeyAddress, a.cfg.RelayAddr,
		logging.KeyTransport, string(a.cfg.Transport))

	sess := mux.NewSession(conn, mux.SideDevice, mux.Config{Logger: a.logger})
	sess.SetOpenHandler(a.handleOpen)
	sess.Start()
	defer sess.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.Done():
		return sess.Err()
	}
}

// handshake registers the device on the raw connection before framing.
func (a *Agent) handshake(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetDeadline(time.Time{})

	hello := protocol.Hello{
		Version:  protocol.ProtocolVersion,
		Role:     protocol.RoleDevice,
		DeviceID: a.deviceID.String(),
		Token:    a.cfg.EnrollKey,
		Name:     a.cfg.Name,
		System:   sysinfo.Collect(),
	}
	if err := protocol.WriteHandshake(conn, &hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	var ack protocol.HelloAck
	if err := protocol.ReadHandshake(conn, &ack); err != nil {
		return fmt.Errorf("read hello ack: %w", err)
	}
	if !ack.OK {
		if ack.Status == "pending" {
			return ErrNotApproved
		}
		return fmt.Errorf("relay refused registration: %s", ack.Reason)
	}
	return nil
}

// handleOpen dispatches relay-opened channels to the feature handlers.
// It runs off the session read loop, so handlers may block.
func (a *Agent) handleOpen(ch *mux.Channel, channelType uint8, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	switch channelType {
	case protocol.ChannelShell:
		return a.acceptShell(ch, metadata)
	case protocol.ChannelExec:
		return a.acceptExec(ch, metadata)
	case protocol.ChannelForwardTCP:
		return a.bridge.AcceptTCP(ch, metadata)
	case protocol.ChannelForwardUDP:
		return a.bridge.AcceptUDP(ch, metadata)
	case protocol.ChannelFileTransfer:
		return a.files.Accept(ch, metadata)
	case protocol.ChannelDocker:
		return a.acceptDocker(ch, metadata)
	case protocol.ChannelLogStream:
		return a.acceptLogs(ch, metadata)
	case protocol.ChannelMetricsStream:
		return a.acceptMetrics(ch, metadata)
	case protocol.ChannelSerial:
		return a.acceptSerial(ch, metadata)
	case protocol.ChannelDeploy:
		return func(c *mux.Channel) {
			defer recovery.RecoverWithLog(a.logger, "deploy channel")
			a.applier.HandleChannel(c)
		}, nil
	default:
		return nil, &mux.Reject{
			Reason:  protocol.ReasonUnsupportedType,
			Message: fmt.Sprintf("channel type 0x%02x", channelType),
		}
	}
}
