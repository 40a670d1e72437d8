package auth

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/store"
)

func newTestGuard(t *testing.T) (*Guard, *store.Memory) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("op-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	validator := NewStaticValidator([]StaticToken{{
		Subject:   "operator@example.com",
		OrgID:     "org-a",
		TokenHash: string(hash),
	}})

	mem := store.NewMemory()
	ctx := context.Background()
	devices := []*store.Device{
		{ID: "dev-1", OrgID: "org-a", Status: store.StatusApproved},
		{ID: "dev-other", OrgID: "org-b", Status: store.StatusApproved},
		{ID: "dev-rejected", OrgID: "org-a", Status: store.StatusRejected},
	}
	for _, d := range devices {
		if err := mem.PutDevice(ctx, d); err != nil {
			t.Fatalf("PutDevice: %v", err)
		}
	}

	return NewGuard(validator, mem, mem, nil), mem
}

func auditCount(t *testing.T, s store.AuditStore, deviceID, result string) int {
	t.Helper()
	entries, err := s.ListAudit(context.Background(), deviceID, 100)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	n := 0
	for _, e := range entries {
		if e.Result == result {
			n++
		}
	}
	return n
}

func TestGuardAllowsLoopbackForward(t *testing.T) {
	g, mem := newTestGuard(t)
	ctx := context.Background()

	for _, host := range []string{"", "localhost", "127.0.0.1", "::1"} {
		id, err := g.Authorize(ctx, Request{
			Token:       "op-token",
			DeviceID:    "dev-1",
			ChannelType: protocol.ChannelForwardTCP,
			Target:      host + ":8080",
			TargetHost:  host,
		})
		if err != nil {
			t.Errorf("Authorize(host=%q): %v", host, err)
			continue
		}
		if id.OrgID != "org-a" {
			t.Errorf("identity = %+v", id)
		}
	}
	if n := auditCount(t, mem, "dev-1", store.ResultAllow); n != 4 {
		t.Errorf("allow audit entries = %d, want 4", n)
	}
}

func TestGuardAllowsPrivateRanges(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	for _, host := range []string{"192.168.1.50", "10.2.3.4", "172.20.0.1", "fe80::1"} {
		if _, err := g.Authorize(ctx, Request{
			Token:       "op-token",
			DeviceID:    "dev-1",
			ChannelType: protocol.ChannelForwardUDP,
			Target:      host + ":161",
			TargetHost:  host,
		}); err != nil {
			t.Errorf("Authorize(host=%q): %v", host, err)
		}
	}
}

func TestGuardDeniesOutsidePosture(t *testing.T) {
	g, mem := newTestGuard(t)
	ctx := context.Background()

	cases := []string{"8.8.8.8", "93.184.216.34", "internal.example.com"}
	for _, host := range cases {
		_, err := g.Authorize(ctx, Request{
			Token:       "op-token",
			DeviceID:    "dev-1",
			ChannelType: protocol.ChannelForwardTCP,
			Target:      host + ":443",
			TargetHost:  host,
		})
		if !errors.Is(err, ErrDenied) {
			t.Errorf("Authorize(host=%q) err = %v, want ErrDenied", host, err)
		}
	}

	// Exactly one deny entry per denied request, no allow entries.
	if n := auditCount(t, mem, "dev-1", store.ResultDeny); n != len(cases) {
		t.Errorf("deny audit entries = %d, want %d", n, len(cases))
	}
	if n := auditCount(t, mem, "dev-1", store.ResultAllow); n != 0 {
		t.Errorf("allow audit entries = %d, want 0", n)
	}
}

func TestGuardDeniesForeignOrgAndUnknownDevice(t *testing.T) {
	g, mem := newTestGuard(t)
	ctx := context.Background()

	for _, device := range []string{"dev-other", "dev-missing"} {
		_, err := g.Authorize(ctx, Request{
			Token:       "op-token",
			DeviceID:    device,
			ChannelType: protocol.ChannelShell,
		})
		var deny *DenyError
		if !errors.As(err, &deny) {
			t.Fatalf("Authorize(%s) err = %v, want DenyError", device, err)
		}
		// Unknown and foreign-org devices must be indistinguishable.
		if deny.Reason != "device not in organization" {
			t.Errorf("Authorize(%s) reason = %q", device, deny.Reason)
		}
		if n := auditCount(t, mem, device, store.ResultDeny); n != 1 {
			t.Errorf("deny audit entries for %s = %d, want 1", device, n)
		}
	}
}

func TestGuardDeniesRejectedDeviceAndBadToken(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	if _, err := g.Authorize(ctx, Request{
		Token:       "op-token",
		DeviceID:    "dev-rejected",
		ChannelType: protocol.ChannelExec,
	}); !errors.Is(err, ErrDenied) {
		t.Errorf("rejected device err = %v, want ErrDenied", err)
	}

	if _, err := g.Authorize(ctx, Request{
		Token:       "forged",
		DeviceID:    "dev-1",
		ChannelType: protocol.ChannelShell,
	}); !errors.Is(err, ErrDenied) {
		t.Errorf("bad token err = %v, want ErrDenied", err)
	}
}

func TestGuardPostureProviderOverride(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	// Elevated grant for dev-1: any hostname permitted.
	g.SetPostureProvider(func(deviceID string) Posture {
		p := DefaultPosture()
		if deviceID == "dev-1" {
			p.AllowHostnames = true
		}
		return p
	})

	if _, err := g.Authorize(ctx, Request{
		Token:       "op-token",
		DeviceID:    "dev-1",
		ChannelType: protocol.ChannelForwardTCP,
		Target:      "db.internal:5432",
		TargetHost:  "db.internal",
	}); err != nil {
		t.Errorf("elevated hostname forward: %v", err)
	}
}
