package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// HTTP/2 carries a session as one streaming POST: the request body is
// the client-to-relay direction, the response body the reverse.

func dialH2(ctx context.Context, addr string, cfg DialConfig) (net.Conn, error) {
	baseURL, path := h2URL(addr, cfg.Path)

	tlsCfg, err := clientTLSConfig(cfg, []string{"h2"})
	if err != nil {
		return nil, err
	}
	tlsCfg = ensureH2(tlsCfg)

	// The request context must outlive the dial; it is cancelled when
	// the conn closes.
	connCtx, connCancel := context.WithCancel(context.Background())

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(connCtx, http.MethodPost, baseURL+path, pr)
	if err != nil {
		connCancel()
		return nil, fmt.Errorf("h2 request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(ProtocolHeader, ALPNProtocol)

	rt := &http2.Transport{TLSClientConfig: tlsCfg}

	type result struct {
		resp *http.Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := rt.RoundTrip(req)
		resCh <- result{resp, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			connCancel()
			pw.Close()
			return nil, fmt.Errorf("h2 dial %s: %w", addr, res.err)
		}
		if res.resp.StatusCode != http.StatusOK {
			connCancel()
			pw.Close()
			res.resp.Body.Close()
			return nil, fmt.Errorf("h2 dial %s: status %d", addr, res.resp.StatusCode)
		}
		return &h2Conn{reader: res.resp.Body, writer: pw, cancel: connCancel}, nil
	case <-ctx.Done():
		connCancel()
		pw.Close()
		return nil, fmt.Errorf("h2 dial %s: %w", addr, ctx.Err())
	}
}

func listenH2(addr string, cfg ListenConfig) (net.Listener, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	tlsCfg := ensureH2(cfg.TLSConfig.Clone())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("h2 listen %s: %w", addr, err)
	}

	hl := &h2Listener{
		inner:   ln,
		conns:   make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
	}

	h := http.NewServeMux()
	h.HandleFunc(path, hl.handleStream)
	hl.server = &http.Server{Handler: h, TLSConfig: tlsCfg}
	http2.ConfigureServer(hl.server, &http2.Server{})

	go hl.server.Serve(tls.NewListener(ln, tlsCfg))
	return hl, nil
}

type h2Listener struct {
	inner   net.Listener
	server  *http.Server
	conns   chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *h2Listener) handleStream(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if proto := r.Header.Get(ProtocolHeader); proto != "" && proto != ALPNProtocol {
		http.Error(w, "unsupported protocol", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Pump the conn's write side into the response; the handler must
	// stay on its goroutine until the session ends.
	pr, pw := io.Pipe()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer pr.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				flusher.Flush()
			}
			if err != nil {
				return
			}
		}
	}()

	done := make(chan struct{})
	conn := &h2Conn{
		reader: r.Body,
		writer: pw,
		remote: strAddr(r.RemoteAddr),
		done:   done,
	}

	select {
	case l.conns <- conn:
		<-done
	case <-l.closeCh:
	}
	pw.Close()
	<-pumpDone
}

func (l *h2Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *h2Listener) Addr() net.Addr {
	return l.inner.Addr()
}

func (l *h2Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// h2Conn presents the two body streams of one POST as a net.Conn.
type h2Conn struct {
	reader io.ReadCloser
	writer io.WriteCloser
	remote net.Addr
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

func (c *h2Conn) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *h2Conn) Write(p []byte) (int, error) { return c.writer.Write(p) }

func (c *h2Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.done != nil {
		close(c.done)
	}
	if c.cancel != nil {
		c.cancel()
	}
	err := c.writer.Close()
	if rerr := c.reader.Close(); err == nil {
		err = rerr
	}
	return err
}

func (c *h2Conn) LocalAddr() net.Addr { return strAddr("") }
func (c *h2Conn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return strAddr("")
}

// HTTP/2 body streams have no deadline support; the mux keepalive
// detects dead sessions instead.
func (c *h2Conn) SetDeadline(time.Time) error      { return nil }
func (c *h2Conn) SetReadDeadline(time.Time) error  { return nil }
func (c *h2Conn) SetWriteDeadline(time.Time) error { return nil }

// strAddr is a display-only net.Addr.
type strAddr string

func (a strAddr) Network() string { return "h2" }
func (a strAddr) String() string  { return string(a) }

func ensureH2(cfg *tls.Config) *tls.Config {
	for _, p := range cfg.NextProtos {
		if p == "h2" {
			return cfg
		}
	}
	cfg.NextProtos = append([]string{"h2"}, cfg.NextProtos...)
	return cfg
}

func h2URL(addr, path string) (string, string) {
	if path == "" {
		path = DefaultPath
	}
	if strings.HasPrefix(addr, "https://") || strings.HasPrefix(addr, "http://") {
		if u := strings.SplitN(strings.TrimPrefix(strings.TrimPrefix(addr, "https://"), "http://"), "/", 2); len(u) == 2 {
			scheme := "https://"
			if strings.HasPrefix(addr, "http://") {
				scheme = "http://"
			}
			return scheme + u[0], "/" + u[1]
		}
		return addr, path
	}
	return "https://" + addr, path
}
