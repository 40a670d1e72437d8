package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicIdleTimeout     = 60 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        quicIdleTimeout,
		KeepAlivePeriod:       quicKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}
}

func dialQUIC(ctx context.Context, addr string, cfg DialConfig) (net.Conn, error) {
	tlsCfg, err := clientTLSConfig(cfg, []string{ALPNProtocol})
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, addr, tlsCfg, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	// The session rides a single bidirectional stream; the peer sees it
	// once the handshake hello flows.
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicStreamConn{stream: stream, conn: conn}, nil
}

func listenQUIC(addr string, cfg ListenConfig) (net.Listener, error) {
	tlsCfg := cfg.TLSConfig.Clone()
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{ALPNProtocol}
	}

	ln, err := quic.ListenAddr(addr, tlsCfg, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &quicListener{inner: ln}, nil
}

type quicListener struct {
	inner *quic.Listener
}

func (l *quicListener) Accept() (net.Conn, error) {
	ctx := context.Background()
	for {
		conn, err := l.inner.Accept(ctx)
		if err != nil {
			return nil, err
		}

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			conn.CloseWithError(0, "no stream")
			continue
		}
		return &quicStreamConn{stream: stream, conn: conn}, nil
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.inner.Addr()
}

func (l *quicListener) Close() error {
	return l.inner.Close()
}

// quicStreamConn presents one QUIC stream as a net.Conn. Closing the
// conn tears down the whole QUIC connection since edgewire runs one
// session per connection.
type quicStreamConn struct {
	stream quic.Stream
	conn   quic.Connection
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicStreamConn) Close() error {
	c.stream.CancelRead(0)
	c.stream.Close()
	return c.conn.CloseWithError(0, "session closed")
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicStreamConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicStreamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicStreamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
