package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/store"
)

// ErrDenied is the base error for authorization denials.
var ErrDenied = errors.New("not authorized")

// DenyError carries the human-readable denial reason.
type DenyError struct {
	Reason string
}

func (e *DenyError) Error() string { return "not authorized: " + e.Reason }
func (e *DenyError) Unwrap() error { return ErrDenied }

// Posture is the per-session whitelist restricting which network
// targets a forward request may reach from a device. The default
// posture allows the device's own loopback and its directly attached
// private ranges; wider targets require an elevated grant.
type Posture struct {
	AllowLoopback bool
	AllowedCIDRs  []*net.IPNet

	// AllowHostnames permits non-IP hostnames, which the relay cannot
	// check against CIDRs (they resolve on the device's network).
	// Off by default.
	AllowHostnames bool
}

// DefaultPosture returns the default device network posture: loopback
// plus RFC1918 and link-local ranges.
func DefaultPosture() Posture {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"fd00::/8",
		"fe80::/10",
	}
	p := Posture{AllowLoopback: true}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		p.AllowedCIDRs = append(p.AllowedCIDRs, ipnet)
	}
	return p
}

// PermitsTarget checks a forward target host against the posture.
// An empty host means the device's own loopback.
func (p Posture) PermitsTarget(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return p.AllowLoopback
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return p.AllowHostnames
	}
	if ip.IsLoopback() {
		return p.AllowLoopback
	}
	for _, cidr := range p.AllowedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// PostureProvider resolves the posture for a device session. This is
// the extension point for elevated grants; the default provider
// returns DefaultPosture for every device.
type PostureProvider func(deviceID string) Posture

// Request is one operator request to be authorized.
type Request struct {
	Token       string
	DeviceID    string
	ChannelType uint8

	// Target is the resolved forward target ("host:port"), only set
	// for forward/tunnel channel types.
	Target     string
	TargetHost string
}

// Guard validates operator tokens and enforces per-session target
// restrictions. Every decision, allow or deny, produces an audit entry.
type Guard struct {
	validator TokenValidator
	devices   store.DeviceStore
	audit     store.AuditStore
	posture   PostureProvider
	log       *slog.Logger
}

// NewGuard creates a Guard.
func NewGuard(validator TokenValidator, devices store.DeviceStore, audit store.AuditStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Guard{
		validator: validator,
		devices:   devices,
		audit:     audit,
		posture:   func(string) Posture { return DefaultPosture() },
		log:       logger,
	}
}

// SetPostureProvider overrides the per-device posture resolution.
func (g *Guard) SetPostureProvider(p PostureProvider) {
	if p != nil {
		g.posture = p
	}
}

// Authorize validates the request's token and target. It returns the
// validated identity on allow, or a *DenyError on deny. Both outcomes
// are audited; only audit write failures are logged, never fatal to
// the decision.
func (g *Guard) Authorize(ctx context.Context, req Request) (Identity, error) {
	id, err := g.validator.ValidateToken(ctx, req.Token)
	if err != nil {
		g.record(ctx, "", req, store.ResultDeny, "invalid token")
		return Identity{}, &DenyError{Reason: "invalid token"}
	}

	dev, err := g.devices.GetDevice(ctx, req.DeviceID)
	if err != nil {
		// Unknown devices deny identically to foreign-org devices so
		// probing cannot distinguish them.
		g.record(ctx, id.Subject, req, store.ResultDeny, "device not in organization")
		return Identity{}, &DenyError{Reason: "device not in organization"}
	}
	if dev.OrgID != id.OrgID {
		g.record(ctx, id.Subject, req, store.ResultDeny, "device not in organization")
		return Identity{}, &DenyError{Reason: "device not in organization"}
	}
	if dev.Status == store.StatusRejected {
		g.record(ctx, id.Subject, req, store.ResultDeny, "device rejected")
		return Identity{}, &DenyError{Reason: "device rejected"}
	}

	if req.ChannelType == protocol.ChannelForwardTCP || req.ChannelType == protocol.ChannelForwardUDP {
		posture := g.posture(req.DeviceID)
		if !posture.PermitsTarget(req.TargetHost) {
			reason := fmt.Sprintf("target %s outside device network posture", req.Target)
			g.record(ctx, id.Subject, req, store.ResultDeny, reason)
			return Identity{}, &DenyError{Reason: reason}
		}
	}

	g.record(ctx, id.Subject, req, store.ResultAllow, "")
	return id, nil
}

func (g *Guard) record(ctx context.Context, actor string, req Request, result, reason string) {
	entry := &store.AuditEntry{
		Actor:    actor,
		DeviceID: req.DeviceID,
		Action:   protocol.ChannelTypeName(req.ChannelType),
		Target:   req.Target,
		Result:   result,
		Reason:   reason,
	}
	if err := g.audit.AppendAudit(ctx, entry); err != nil {
		g.log.Error("audit append failed",
			logging.KeyDeviceID, req.DeviceID,
			logging.KeyError, err)
	}
}
