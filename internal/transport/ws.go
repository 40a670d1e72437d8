package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// wsReadLimit caps a single WebSocket message. Frames on the wire are
// at most header plus MaxPayloadSize, so this is generous.
const wsReadLimit = 1 << 20

func dialWS(ctx context.Context, addr string, cfg DialConfig) (net.Conn, error) {
	wsURL := addr
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		path := cfg.Path
		if path == "" {
			path = DefaultPath
		}
		wsURL = "wss://" + addr + path
	}

	tlsCfg, err := clientTLSConfig(cfg, nil)
	if err != nil {
		return nil, err
	}
	httpTransport := &http.Transport{TLSClientConfig: tlsCfg}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		httpTransport.Proxy = http.ProxyURL(proxyURL)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{ALPNProtocol},
		HTTPClient:   &http.Client{Transport: httpTransport},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", addr, err)
	}
	conn.SetReadLimit(wsReadLimit)

	return websocket.NetConn(context.Background(), conn, websocket.MessageBinary), nil
}

func listenWS(addr string, cfg ListenConfig) (net.Listener, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws listen %s: %w", addr, err)
	}

	wl := &wsListener{
		inner:   ln,
		conns:   make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
	}

	h := http.NewServeMux()
	h.HandleFunc(path, wl.handleUpgrade)
	wl.server = &http.Server{Handler: h, TLSConfig: cfg.TLSConfig}

	go wl.server.Serve(tls.NewListener(ln, cfg.TLSConfig))
	return wl, nil
}

// wsListener turns WebSocket upgrades into accepted net.Conns.
type wsListener struct {
	inner   net.Listener
	server  *http.Server
	conns   chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return
	}
	c.SetReadLimit(wsReadLimit)

	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	select {
	case l.conns <- conn:
	case <-l.closeCh:
		c.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.inner.Addr()
}

func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}
