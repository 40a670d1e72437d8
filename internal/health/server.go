// Package health serves the relay's local HTTP endpoint: liveness
// probes, Prometheus metrics, and the admin API the CLI talks to.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgewire/edgewire/internal/auth"
	"github.com/edgewire/edgewire/internal/deploy"
	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/relay"
	"github.com/edgewire/edgewire/internal/store"
	"github.com/edgewire/edgewire/internal/sysinfo"
	"github.com/edgewire/edgewire/internal/webui"
)

// ServerConfig contains HTTP endpoint configuration.
type ServerConfig struct {
	// Address to listen on (e.g. "127.0.0.1:9180").
	Address string

	// Metrics mounts /metrics when true.
	Metrics bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9180",
		Metrics:      true,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Deps are the relay components the endpoint exposes.
type Deps struct {
	Store     store.Store
	Registry  *relay.Registry
	Queue     *deploy.Queue
	Validator auth.TokenValidator
	Logger    *slog.Logger

	// Notify, when set, is called after a job is queued so an online
	// device receives it without waiting for a reconnect.
	Notify func(deviceID string)
}

// Server is the relay's HTTP endpoint.
type Server struct {
	cfg      ServerConfig
	deps     Deps
	log      *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates the endpoint. It does not bind until Start.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	s := &Server{cfg: cfg, deps: deps, log: logger}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", webui.Handler(s.statusSnapshot))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	if cfg.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	mux.Handle("GET /api/devices", s.auth(s.handleListDevices))
	mux.Handle("GET /api/devices/{id}", s.auth(s.handleGetDevice))
	mux.Handle("POST /api/devices/{id}/approve", s.auth(s.handleApprove))
	mux.Handle("POST /api/devices/{id}/reject", s.auth(s.handleReject))
	mux.Handle("GET /api/devices/{id}/jobs", s.auth(s.handleDeviceJobs))
	mux.Handle("GET /api/devices/{id}/audit", s.auth(s.handleDeviceAudit))
	mux.Handle("POST /api/deploy", s.auth(s.handleDeploy))
	mux.Handle("GET /api/jobs/{id}", s.auth(s.handleGetJob))
	mux.Handle("POST /api/jobs/{id}/undeploy", s.auth(s.handleUndeploy))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http endpoint failed", logging.KeyError, err)
		}
	}()

	s.log.Info("http endpoint started", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Address returns the bound address, or empty before Start.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": sysinfo.UptimeSeconds(),
		"devices_online": s.deps.Registry.Count(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// Ready means the store answers queries.
	if _, err := s.deps.Store.ListDevices(r.Context(), ""); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// auth wraps a handler with bearer-token validation. The verified
// identity is attached to the request context.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		ident, err := s.deps.Validator.ValidateToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next(w, r.WithContext(withIdentity(r.Context(), ident)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

type identityKey struct{}

func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey{}).(auth.Identity)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
