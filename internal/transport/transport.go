// Package transport dials and accepts relay connections over several
// carrier protocols. Every carrier is reduced to a single net.Conn so
// the frame multiplexer on top never cares which one is underneath.
// QUIC and HTTP/2 have their own stream layers; edgewire uses exactly
// one bidirectional stream per connection and multiplexes channels
// with its own framing.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Kind identifies a carrier protocol.
type Kind string

const (
	KindTLS       Kind = "tls"
	KindWebSocket Kind = "ws"
	KindQUIC      Kind = "quic"
	KindHTTP2     Kind = "h2"
)

const (
	// ALPNProtocol is the ALPN / subprotocol identifier.
	ALPNProtocol = "edgewire/1"

	// ProtocolHeader carries the protocol identifier on HTTP carriers.
	ProtocolHeader = "X-Edgewire-Protocol"

	// DefaultPath is the HTTP path for WebSocket and HTTP/2 carriers.
	DefaultPath = "/tunnel"

	// DefaultDialTimeout bounds carrier dials.
	DefaultDialTimeout = 30 * time.Second
)

// DialConfig holds client-side carrier settings.
type DialConfig struct {
	// TLSConfig overrides the derived TLS client config.
	TLSConfig *tls.Config

	// ServerName overrides SNI when dialing through an IP address.
	ServerName string

	// CAFile pins the relay certificate to a CA bundle.
	CAFile string

	// Insecure skips certificate verification. Tunnel tokens and the
	// relay handshake still authenticate the application layer.
	Insecure bool

	// Timeout bounds the dial. Zero means DefaultDialTimeout.
	Timeout time.Duration

	// Path is the HTTP path for ws and h2 carriers.
	Path string

	// ProxyURL routes WebSocket dials through an HTTP proxy.
	ProxyURL string
}

// ListenConfig holds server-side carrier settings.
type ListenConfig struct {
	// TLSConfig must carry the relay certificate.
	TLSConfig *tls.Config

	// Path is the HTTP path for ws and h2 carriers.
	Path string
}

// ParseKind validates a carrier name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTLS, KindWebSocket, KindQUIC, KindHTTP2:
		return Kind(s), nil
	case "":
		return KindTLS, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Dial connects to addr over the given carrier and returns a single
// byte stream for the session.
func Dial(ctx context.Context, kind Kind, addr string, cfg DialConfig) (net.Conn, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	switch kind {
	case KindTLS:
		return dialTLS(ctx, addr, cfg)
	case KindWebSocket:
		return dialWS(ctx, addr, cfg)
	case KindQUIC:
		return dialQUIC(ctx, addr, cfg)
	case KindHTTP2:
		return dialH2(ctx, addr, cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Listen binds addr for the given carrier. The returned listener
// yields one net.Conn per device or operator session.
func Listen(kind Kind, addr string, cfg ListenConfig) (net.Listener, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("transport %s requires a TLS config", kind)
	}
	switch kind {
	case KindTLS:
		return listenTLS(addr, cfg)
	case KindWebSocket:
		return listenWS(addr, cfg)
	case KindQUIC:
		return listenQUIC(addr, cfg)
	case KindHTTP2:
		return listenH2(addr, cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// clientTLSConfig derives the TLS client config for a dial.
func clientTLSConfig(cfg DialConfig, nextProtos []string) (*tls.Config, error) {
	if cfg.TLSConfig != nil {
		c := cfg.TLSConfig.Clone()
		if len(c.NextProtos) == 0 {
			c.NextProtos = nextProtos
		}
		return c, nil
	}

	c := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         nextProtos,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.Insecure,
	}
	if cfg.CAFile != "" {
		pool, err := LoadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		c.RootCAs = pool
	}
	return c, nil
}
