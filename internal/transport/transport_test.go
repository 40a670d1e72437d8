package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/edgewire/edgewire/internal/certutil"
)

func testListenConfig(t *testing.T) ListenConfig {
	t.Helper()
	cert, err := certutil.Generate(certutil.ServerOptions("relay.test"))
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	tlsCfg, err := TLSConfigFromBytes(cert.CertPEM, cert.KeyPEM)
	if err != nil {
		t.Fatalf("build tls config: %v", err)
	}
	return ListenConfig{TLSConfig: tlsCfg}
}

// roundTrip dials the listener, echoes one payload off the accepted
// side, and verifies the bytes come back intact.
func roundTrip(t *testing.T, kind Kind) {
	t.Helper()

	ln, err := Listen(kind, "127.0.0.1:0", testListenConfig(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
		io.Copy(conn, conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Dial(ctx, kind, ln.Addr().String(), DialConfig{Insecure: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("edgewire transport probe")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %q, want %q", got, payload)
	}

	select {
	case server := <-accepted:
		server.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("accept never fired")
	}
}

func TestTLSRoundTrip(t *testing.T)       { roundTrip(t, KindTLS) }
func TestWebSocketRoundTrip(t *testing.T) { roundTrip(t, KindWebSocket) }
func TestQUICRoundTrip(t *testing.T)      { roundTrip(t, KindQUIC) }
func TestHTTP2RoundTrip(t *testing.T)     { roundTrip(t, KindHTTP2) }

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"tls", KindTLS, false},
		{"ws", KindWebSocket, false},
		{"quic", KindQUIC, false},
		{"h2", KindHTTP2, false},
		{"", KindTLS, false},
		{"carrier-pigeon", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestListenRequiresTLS(t *testing.T) {
	for _, kind := range []Kind{KindTLS, KindWebSocket, KindQUIC, KindHTTP2} {
		if _, err := Listen(kind, "127.0.0.1:0", ListenConfig{}); err == nil {
			t.Errorf("%s listener accepted nil TLS config", kind)
		}
	}
}

func TestH2URL(t *testing.T) {
	tests := []struct {
		addr     string
		path     string
		wantBase string
		wantPath string
	}{
		{"relay.example:8443", "", "https://relay.example:8443", DefaultPath},
		{"relay.example:8443", "/x", "https://relay.example:8443", "/x"},
		{"https://relay.example/custom", "", "https://relay.example", "/custom"},
	}
	for _, tt := range tests {
		base, path := h2URL(tt.addr, tt.path)
		if base != tt.wantBase || path != tt.wantPath {
			t.Errorf("h2URL(%q, %q) = %q, %q; want %q, %q",
				tt.addr, tt.path, base, path, tt.wantBase, tt.wantPath)
		}
	}
}
