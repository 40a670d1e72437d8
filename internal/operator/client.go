// Package operator implements the CLI side of a relay connection: the
// authenticated tunnel session used to open device channels, and the
// HTTP client for the relay's admin API.
package operator

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/transport"
)

// Config holds tunnel client configuration.
type Config struct {
	// RelayAddr is the relay endpoint (host:port or URL).
	RelayAddr string

	// Transport selects the carrier protocol.
	Transport transport.Kind

	// Dial configures the carrier (CA pinning, proxy, ws path).
	Dial transport.DialConfig

	// Token is the operator bearer token.
	Token string

	Logger *slog.Logger
}

// Client is an authenticated operator session on the relay. All device
// channels of one CLI invocation share it.
type Client struct {
	sess *mux.Session
	log  *slog.Logger
}

// Connect dials the relay, performs the operator handshake and starts
// the mux session.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	conn, err := transport.Dial(ctx, cfg.Transport, cfg.RelayAddr, cfg.Dial)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c, err := NewClient(conn, cfg.Token, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("connected to relay",
		logging.KeyAddress, cfg.RelayAddr,
		logging.KeyTransport, string(cfg.Transport))
	return c, nil
}

// NewClient performs the operator handshake on an established
// connection and starts the mux session over it.
func NewClient(conn net.Conn, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	hello := protocol.Hello{
		Version: protocol.ProtocolVersion,
		Role:    protocol.RoleOperator,
		Token:   token,
	}
	if err := protocol.WriteHandshake(conn, &hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	var ack protocol.HelloAck
	if err := protocol.ReadHandshake(conn, &ack); err != nil {
		return nil, fmt.Errorf("read hello ack: %w", err)
	}
	if !ack.OK {
		return nil, fmt.Errorf("relay refused operator session: %s", ack.Reason)
	}

	sess := mux.NewSession(conn, mux.SideDevice, mux.Config{Logger: logger})
	sess.Start()

	return &Client{sess: sess, log: logger}, nil
}

// OpenChannel opens a raw tunnel channel. The metadata must already
// carry the operator envelope naming the target device.
func (c *Client) OpenChannel(ctx context.Context, channelType uint8, metadata []byte) (*mux.Channel, error) {
	return c.sess.OpenChannel(ctx, channelType, metadata)
}

// OpenDevice opens a channel toward one device, wrapping the per-type
// metadata in the operator envelope the relay routes on.
func (c *Client) OpenDevice(ctx context.Context, deviceID string, channelType uint8, meta any) (*mux.Channel, error) {
	inner, err := protocol.EncodeMeta(meta)
	if err != nil {
		return nil, err
	}
	envelope, err := protocol.EncodeMeta(protocol.OperatorMeta{
		DeviceID: deviceID,
		Meta:     inner,
	})
	if err != nil {
		return nil, err
	}
	return c.sess.OpenChannel(ctx, channelType, envelope)
}

// Shell opens an interactive shell on the device.
func (c *Client) Shell(ctx context.Context, deviceID string, meta protocol.ShellMeta) (*mux.Channel, error) {
	return c.OpenDevice(ctx, deviceID, protocol.ChannelShell, meta)
}

// Exec runs a one-shot command on the device.
func (c *Client) Exec(ctx context.Context, deviceID string, meta protocol.ExecMeta) (*mux.Channel, error) {
	return c.OpenDevice(ctx, deviceID, protocol.ChannelExec, meta)
}

// Docker runs a docker argv on the device.
func (c *Client) Docker(ctx context.Context, deviceID string, meta protocol.DockerMeta) (*mux.Channel, error) {
	return c.OpenDevice(ctx, deviceID, protocol.ChannelDocker, meta)
}

// Logs opens a log stream from the device.
func (c *Client) Logs(ctx context.Context, deviceID string, meta protocol.LogMeta) (*mux.Channel, error) {
	return c.OpenDevice(ctx, deviceID, protocol.ChannelLogStream, meta)
}

// Metrics opens a periodic system-metrics stream from the device.
func (c *Client) Metrics(ctx context.Context, deviceID string, meta protocol.MetricsMeta) (*mux.Channel, error) {
	return c.OpenDevice(ctx, deviceID, protocol.ChannelMetricsStream, meta)
}

// Serial bridges a serial port on the device.
func (c *Client) Serial(ctx context.Context, deviceID string, meta protocol.SerialMeta) (*mux.Channel, error) {
	return c.OpenDevice(ctx, deviceID, protocol.ChannelSerial, meta)
}

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} { return c.sess.Done() }

// Err returns the teardown cause after Done is closed.
func (c *Client) Err() error { return c.sess.Err() }

// Close tears the session down.
func (c *Client) Close() error { return c.sess.Close() }
