package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/edgewire/edgewire/internal/auth"
	"github.com/edgewire/edgewire/internal/identity"
	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/metrics"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/recovery"
	"github.com/edgewire/edgewire/internal/store"
)

// handshakeTimeout bounds how long a fresh connection may take to
// complete the hello exchange before being dropped.
const handshakeTimeout = 10 * time.Second

// Options configures a relay Server.
type Options struct {
	Store     store.Store
	Guard     *auth.Guard
	Validator auth.TokenValidator

	// EnrollKey is the shared key devices present at registration.
	EnrollKey string

	// Secret signs tunnel tokens and seals job specs.
	Secret string

	// DefaultOrg is assigned to devices on first registration.
	DefaultOrg string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Mux     mux.Config
}

// Server accepts device and operator connections, runs the session
// handshake, and hands live sessions to the registry and router.
type Server struct {
	opts     Options
	registry *Registry
	router   *Router
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewServer creates a relay server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	registry := NewRegistry(logger)
	router := NewRouter(registry, opts.Guard, opts.Secret, m, logger)

	return &Server{
		opts:     opts,
		registry: registry,
		router:   router,
		metrics:  m,
		log:      logger,
	}
}

// Registry exposes the live device sessions, for the deploy reconciler
// and status listings.
func (s *Server) Registry() *Registry { return s.registry }

// Serve accepts connections from l until it is closed. transport names
// the listener type for logging and metrics.
func (s *Server) Serve(l net.Listener, transport string) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			defer recovery.RecoverWithLog(s.log, "relay.Server.HandleConn")
			s.HandleConn(conn, transport)
		}()
	}
}

// HandleConn runs the handshake on one raw connection and then blocks
// until the resulting session ends. Transports that produce their own
// connections (websocket upgrades, QUIC streams) call this directly.
func (s *Server) HandleConn(conn net.Conn, transport string) {
	started := time.Now()
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	var hello protocol.Hello
	if err := protocol.ReadHandshake(conn, &hello); err != nil {
		s.metrics.RecordHandshakeError("read")
		s.log.Debug("handshake read failed",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err)
		conn.Close()
		return
	}

	if hello.Version != protocol.ProtocolVersion {
		s.refuse(conn, fmt.Sprintf("unsupported protocol version %d", hello.Version))
		return
	}

	switch hello.Role {
	case protocol.RoleDevice:
		s.handleDevice(conn, &hello, transport, started)
	case protocol.RoleOperator:
		s.handleOperator(conn, &hello, transport, started)
	default:
		s.refuse(conn, "unknown role")
	}
}

func (s *Server) refuse(conn net.Conn, reason string) {
	s.metrics.RecordHandshakeError("refused")
	_ = protocol.WriteHandshake(conn, &protocol.HelloAck{
		Version: protocol.ProtocolVersion,
		OK:      false,
		Reason:  reason,
	})
	conn.Close()
}

// ============================================================================
// Device registration
// ============================================================================

func (s *Server) handleDevice(conn net.Conn, hello *protocol.Hello, transport string, started time.Time) {
	ctx := context.Background()
	remote := conn.RemoteAddr().String()

	if subtle.ConstantTimeCompare([]byte(hello.Token), []byte(s.opts.EnrollKey)) != 1 {
		s.log.Warn("device presented bad enrollment key",
			logging.KeyRemoteAddr, remote)
		s.refuse(conn, "invalid enrollment key")
		return
	}
	if _, err := identity.ParseDeviceID(hello.DeviceID); err != nil {
		s.refuse(conn, "malformed device id")
		return
	}

	dev, err := s.opts.Store.GetDevice(ctx, hello.DeviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First contact: record the device as pending and tell it to
		// wait for approval.
		dev = &store.Device{
			ID:     hello.DeviceID,
			OrgID:  s.opts.DefaultOrg,
			Name:   hello.Name,
			Status: store.StatusPending,
		}
		applySystemInfo(dev, hello.System)
		dev.LastSeen = time.Now()
		if err := s.opts.Store.PutDevice(ctx, dev); err != nil {
			s.log.Error("persist pending device", logging.KeyDeviceID, hello.DeviceID, logging.KeyError, err)
			s.refuse(conn, "registration failed")
			return
		}
		s.log.Info("new device pending approval",
			logging.KeyDeviceID, hello.DeviceID,
			logging.KeyRemoteAddr, remote)
		_ = protocol.WriteHandshake(conn, &protocol.HelloAck{
			Version: protocol.ProtocolVersion,
			OK:      false,
			Reason:  "awaiting approval",
			Status:  store.StatusPending,
		})
		conn.Close()
		return
	case err != nil:
		s.log.Error("device lookup", logging.KeyDeviceID, hello.DeviceID, logging.KeyError, err)
		s.refuse(conn, "registration failed")
		return
	}

	switch dev.Status {
	case store.StatusPending:
		dev.LastSeen = time.Now()
		_ = s.opts.Store.PutDevice(ctx, dev)
		_ = protocol.WriteHandshake(conn, &protocol.HelloAck{
			Version: protocol.ProtocolVersion,
			OK:      false,
			Reason:  "awaiting approval",
			Status:  store.StatusPending,
		})
		conn.Close()
		return
	case store.StatusRejected:
		s.refuse(conn, "device rejected")
		return
	}

	// Approved. Refresh the record and bring the session up.
	if hello.Name != "" {
		dev.Name = hello.Name
	}
	applySystemInfo(dev, hello.System)
	dev.Status = store.StatusOnline
	dev.LastSeen = time.Now()
	if err := s.opts.Store.PutDevice(ctx, dev); err != nil {
		s.log.Error("persist device", logging.KeyDeviceID, dev.ID, logging.KeyError, err)
	}

	if err := protocol.WriteHandshake(conn, &protocol.HelloAck{
		Version: protocol.ProtocolVersion,
		OK:      true,
		Status:  store.StatusApproved,
	}); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	s.metrics.RecordHandshake(time.Since(started).Seconds())

	cfg := s.opts.Mux
	cfg.Logger = s.log
	sess := mux.NewSession(conn, mux.SideRelay, cfg)
	// Devices never open channels toward the relay; all channels are
	// relay-initiated.
	sess.SetOpenHandler(func(_ *mux.Channel, _ uint8, _ []byte) (func(*mux.Channel), *mux.Reject) {
		return nil, &mux.Reject{Reason: protocol.ReasonUnsupportedType, Message: "relay accepts no channels"}
	})
	sess.SetPongHandler(func(rtt time.Duration) {
		s.metrics.RecordKeepaliveRTT(rtt.Seconds())
	})

	id, _ := identity.ParseDeviceID(dev.ID)
	ds := &DeviceSession{
		DeviceID:    dev.ID,
		ShortID:     id.ShortID(),
		OrgID:       dev.OrgID,
		Name:        dev.Name,
		Transport:   transport,
		RemoteAddr:  remote,
		ConnectedAt: time.Now(),
		Session:     sess,
	}

	sess.SetCloseHandler(func(err error) {
		s.registry.Remove(ds)
		s.deviceOffline(ds, err)
	})

	// Register before the read loop starts. A transport that dies
	// during Start fires the close handler, and its Remove must find
	// the registry entry or the dead session lingers as online.
	s.registry.Register(ds)
	sess.Start()
	s.metrics.RecordDeviceOnline(transport)
	s.log.Info("device online",
		logging.KeyDeviceID, ds.ShortID,
		logging.KeyTransport, transport,
		logging.KeyRemoteAddr, remote)

	<-sess.Done()
}

func (s *Server) deviceOffline(ds *DeviceSession, err error) {
	reason := "closed"
	if err != nil {
		reason = "transport-lost"
	}
	s.metrics.RecordDeviceOffline(reason)
	s.log.Info("device offline",
		logging.KeyDeviceID, ds.ShortID,
		logging.KeyReason, reason,
		logging.KeyDuration, time.Since(ds.ConnectedAt).String())

	ctx := context.Background()
	dev, gerr := s.opts.Store.GetDevice(ctx, ds.DeviceID)
	if gerr != nil {
		return
	}
	// A replacement session may already have marked the device online
	// again; only flip online -> offline.
	if dev.Status == store.StatusOnline && s.registry.Lookup(ds.DeviceID) == nil {
		dev.Status = store.StatusOffline
		dev.LastSeen = time.Now()
		if perr := s.opts.Store.PutDevice(ctx, dev); perr != nil {
			s.log.Error("persist device offline", logging.KeyDeviceID, ds.DeviceID, logging.KeyError, perr)
		}
	}
}

func applySystemInfo(dev *store.Device, sys *protocol.SystemInfo) {
	if sys == nil {
		return
	}
	dev.OS = sys.OS
	dev.Architecture = sys.Architecture
	dev.Hostname = sys.Hostname
	dev.AgentVersion = sys.AgentVersion
}

// ============================================================================
// Operator sessions
// ============================================================================

func (s *Server) handleOperator(conn net.Conn, hello *protocol.Hello, transport string, started time.Time) {
	ident, err := s.opts.Validator.ValidateToken(context.Background(), hello.Token)
	if err != nil {
		s.log.Warn("operator auth failed",
			logging.KeyRemoteAddr, conn.RemoteAddr().String())
		s.refuse(conn, "invalid token")
		return
	}

	if err := protocol.WriteHandshake(conn, &protocol.HelloAck{
		Version: protocol.ProtocolVersion,
		OK:      true,
	}); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	s.metrics.RecordHandshake(time.Since(started).Seconds())

	cfg := s.opts.Mux
	cfg.Logger = s.log
	sess := mux.NewSession(conn, mux.SideRelay, cfg)
	sess.SetOpenHandler(s.router.OperatorHandler(hello.Token))
	sess.Start()

	s.log.Info("operator session started",
		logging.KeyActor, ident.Subject,
		logging.KeyTransport, transport,
		logging.KeyRemoteAddr, conn.RemoteAddr().String())

	<-sess.Done()
	s.log.Debug("operator session ended", logging.KeyActor, ident.Subject)
}
