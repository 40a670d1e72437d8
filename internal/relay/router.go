package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/edgewire/edgewire/internal/auth"
	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/metrics"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/recovery"
)

// ErrDeviceOffline is returned when routing targets a device with no
// live session.
var ErrDeviceOffline = errors.New("device offline")

// Router connects operator channels to device sessions. Every operator
// OPEN is authorized, then mirrored as an OPEN on the owning device
// session, and the two channels are spliced until either side closes.
type Router struct {
	registry *Registry
	guard    *auth.Guard
	secret   string
	tokenTTL time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewRouter creates a router. secret signs tunnel tokens attached to
// forward channel metadata.
func NewRouter(registry *Registry, guard *auth.Guard, secret string, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Router{
		registry: registry,
		guard:    guard,
		secret:   secret,
		tokenTTL: 5 * time.Minute,
		metrics:  m,
		log:      logger,
	}
}

// OperatorHandler returns the OPEN handler for one operator session,
// bound to that operator's bearer token.
func (r *Router) OperatorHandler(token string) mux.OpenHandler {
	return func(ch *mux.Channel, channelType uint8, metadata []byte) (func(*mux.Channel), *mux.Reject) {
		devCh, err := r.route(context.Background(), token, channelType, metadata)
		if err != nil {
			reason, msg := rejectFor(err)
			r.metrics.RecordChannelReject(protocol.ReasonName(reason))
			return nil, &mux.Reject{Reason: reason, Message: msg}
		}

		r.metrics.RecordChannelOpen(protocol.ChannelTypeName(channelType), 0)
		return func(opCh *mux.Channel) {
			defer r.metrics.RecordChannelClose()
			defer recovery.RecoverWithLog(r.log, "relay.Router.splice")
			r.splice(opCh, devCh, channelType)
		}, nil
	}
}

// route authorizes one operator OPEN and opens the mirrored channel on
// the device session.
func (r *Router) route(ctx context.Context, token string, channelType uint8, metadata []byte) (*mux.Channel, error) {
	var env protocol.OperatorMeta
	if err := protocol.DecodeMeta(metadata, &env); err != nil {
		return nil, err
	}
	if env.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", protocol.ErrInvalidFrame)
	}
	if channelType == protocol.ChannelDeploy {
		// The deploy channel is relay-initiated; operators enqueue jobs
		// out of band.
		return nil, fmt.Errorf("%w: deploy channel is relay-initiated", protocol.ErrInvalidFrame)
	}

	req := auth.Request{
		Token:       token,
		DeviceID:    env.DeviceID,
		ChannelType: channelType,
	}

	deviceMeta := []byte(env.Meta)
	var fwd protocol.ForwardMeta
	isForward := channelType == protocol.ChannelForwardTCP || channelType == protocol.ChannelForwardUDP
	if isForward {
		if err := protocol.DecodeMeta(env.Meta, &fwd); err != nil {
			return nil, err
		}
		req.TargetHost = fwd.Host
		req.Target = net.JoinHostPort(fwd.Host, strconv.Itoa(int(fwd.Port)))
	}

	identity, err := r.guard.Authorize(ctx, req)
	if err != nil {
		r.metrics.RecordAuthDecision("deny")
		return nil, err
	}
	r.metrics.RecordAuthDecision("allow")

	ds := r.registry.Lookup(env.DeviceID)
	if ds == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, env.DeviceID)
	}

	if isForward && r.secret != "" {
		// Attach a signed grant so the agent can verify the dial target
		// locally before connecting.
		tok, err := auth.IssueTunnelToken(r.secret, env.DeviceID, req.Target, r.tokenTTL)
		if err != nil {
			return nil, fmt.Errorf("issue tunnel token: %w", err)
		}
		fwd.Token = tok
		deviceMeta, err = protocol.EncodeMeta(fwd)
		if err != nil {
			return nil, err
		}
	}

	r.log.Info("routing channel",
		logging.KeyActor, identity.Subject,
		logging.KeyDeviceID, env.DeviceID,
		logging.KeyChannel, protocol.ChannelTypeName(channelType),
		logging.KeyTarget, req.Target)

	devCh, err := ds.Session.OpenChannel(ctx, channelType, deviceMeta)
	if err != nil {
		return nil, err
	}
	return devCh, nil
}

// rejectFor maps a routing error onto a wire reason code.
func rejectFor(err error) (uint16, string) {
	var openErr *mux.OpenError
	switch {
	case errors.As(err, &openErr):
		// Device-side rejection passes through unchanged.
		return openErr.Reason, openErr.Message
	case errors.Is(err, auth.ErrDenied):
		return protocol.ReasonNotAuthorized, err.Error()
	case errors.Is(err, ErrDeviceOffline):
		return protocol.ReasonDeviceOffline, "device offline"
	case errors.Is(err, protocol.ErrInvalidFrame):
		return protocol.ReasonProtocolError, err.Error()
	default:
		return protocol.ReasonInternalError, err.Error()
	}
}

// splice pumps bytes between the operator and device channels until
// both directions finish. UDP forward channels are copied datagram by
// datagram so message boundaries survive the hop.
func (r *Router) splice(op, dev *mux.Channel, channelType uint8) {
	if channelType == protocol.ChannelForwardUDP {
		r.spliceDatagrams(op, dev)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(dev, op)
		r.metrics.RecordBytesRelayed("to_device", int(n))
		dev.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(op, dev)
		r.metrics.RecordBytesRelayed("to_operator", int(n))
		op.CloseWrite()
	}()

	wg.Wait()
	op.Close()
	dev.Close()
}

func (r *Router) spliceDatagrams(op, dev *mux.Channel) {
	var wg sync.WaitGroup
	wg.Add(2)

	pump := func(dst, src *mux.Channel, direction string) {
		defer wg.Done()
		for {
			dgram, err := src.ReadDatagram()
			if err != nil {
				dst.CloseWrite()
				return
			}
			if err := dst.WriteDatagram(dgram); err != nil {
				return
			}
			r.metrics.RecordBytesRelayed(direction, len(dgram))
		}
	}

	go pump(dev, op, "to_device")
	go pump(op, dev, "to_operator")

	wg.Wait()
	op.Close()
	dev.Close()
}
