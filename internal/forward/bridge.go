package forward

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/edgewire/edgewire/internal/auth"
	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
)

// BridgeConfig holds device-side forward bridge configuration.
type BridgeConfig struct {
	// DeviceID is this device's id, matched against tunnel grants.
	DeviceID string

	// Secret verifies tunnel tokens attached to forward metadata.
	// Empty disables local grant verification.
	Secret string

	// ConnectTimeout bounds target dials.
	ConnectTimeout time.Duration

	// UDPIdleTimeout reclaims silent UDP bridges.
	UDPIdleTimeout time.Duration

	Logger *slog.Logger
}

// Bridge dials forward targets on the device and splices them onto
// tunnel channels. The dial happens before the channel is accepted, so
// an unreachable target surfaces as an OPEN rejection, not a stalled
// stream.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger
}

// NewBridge creates a device-side forward bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.UDPIdleTimeout == 0 {
		cfg.UDPIdleTimeout = DefaultUDPIdleTimeout
	}
	return &Bridge{cfg: cfg, logger: logger}
}

// target resolves and authorizes the dial target from channel metadata.
func (b *Bridge) target(metadata []byte) (string, *mux.Reject) {
	var meta protocol.ForwardMeta
	if err := protocol.DecodeMeta(metadata, &meta); err != nil {
		return "", &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "bad forward metadata"}
	}
	if meta.Port == 0 {
		return "", &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "target port 0"}
	}

	host := meta.Host
	if host == "" {
		host = "127.0.0.1"
	}
	target := net.JoinHostPort(host, fmt.Sprint(meta.Port))

	if b.cfg.Secret != "" {
		grant, err := auth.VerifyTunnelToken(b.cfg.Secret, meta.Token)
		if err != nil {
			b.logger.Warn("tunnel token rejected",
				logging.KeyTarget, target,
				logging.KeyError, err)
			return "", &mux.Reject{Reason: protocol.ReasonNotAuthorized, Message: "invalid tunnel token"}
		}
		if grant.DeviceID != b.cfg.DeviceID || grant.Target != target {
			b.logger.Warn("tunnel token grant mismatch",
				logging.KeyTarget, target)
			return "", &mux.Reject{Reason: protocol.ReasonNotAuthorized, Message: "grant does not cover target"}
		}
	}
	return target, nil
}

// AcceptTCP is the device-side handler for forward-tcp channels.
func (b *Bridge) AcceptTCP(ch *mux.Channel, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	target, reject := b.target(metadata)
	if reject != nil {
		return nil, reject
	}

	conn, err := net.DialTimeout("tcp", target, b.cfg.ConnectTimeout)
	if err != nil {
		b.logger.Debug("forward dial failed",
			logging.KeyTarget, target,
			logging.KeyError, err)
		return nil, &mux.Reject{Reason: protocol.ReasonTargetUnreachable, Message: err.Error()}
	}

	b.logger.Debug("forward connected", logging.KeyTarget, target)
	return func(c *mux.Channel) {
		defer conn.Close()
		defer c.Close()
		relay(conn, c)
	}, nil
}

// AcceptUDP is the device-side handler for forward-udp channels. Each
// channel maps to one connected UDP socket; datagram boundaries are
// carried one-to-one in both directions.
func (b *Bridge) AcceptUDP(ch *mux.Channel, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	target, reject := b.target(metadata)
	if reject != nil {
		return nil, reject
	}

	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, &mux.Reject{Reason: protocol.ReasonTargetUnreachable, Message: err.Error()}
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, &mux.Reject{Reason: protocol.ReasonTargetUnreachable, Message: err.Error()}
	}

	return func(c *mux.Channel) {
		defer conn.Close()
		defer c.Close()
		b.pumpUDP(c, conn, target)
	}, nil
}

func (b *Bridge) pumpUDP(c *mux.Channel, conn *net.UDPConn, target string) {
	done := make(chan struct{})

	// Channel -> socket.
	go func() {
		defer close(done)
		for {
			dgram, err := c.ReadDatagram()
			if err != nil {
				return
			}
			if _, err := conn.Write(dgram); err != nil {
				return
			}
		}
	}()

	// Socket -> channel, with an idle deadline so dead flows don't
	// pin the socket forever.
	buf := make([]byte, maxDatagramSize)
	for {
		conn.SetReadDeadline(time.Now().Add(b.cfg.UDPIdleTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			break
		}
		dgram := make([]byte, n)
		copy(dgram, buf[:n])
		if err := c.WriteDatagram(dgram); err != nil {
			break
		}
	}

	conn.Close()
	c.CloseWrite()
	<-done
	b.logger.Debug("udp forward closed", logging.KeyTarget, target)
}
