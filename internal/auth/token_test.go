package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestStaticValidator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	v := NewStaticValidator([]StaticToken{{
		Subject:   "operator@example.com",
		OrgID:     "org-a",
		Scopes:    []string{"shell", "forward"},
		TokenHash: string(hash),
	}})

	ctx := context.Background()

	id, err := v.ValidateToken(ctx, "secret-token")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.OrgID != "org-a" || id.Subject != "operator@example.com" {
		t.Errorf("identity = %+v", id)
	}
	if !id.HasScope("forward") || id.HasScope("deploy") {
		t.Errorf("scopes = %v", id.Scopes)
	}

	if _, err := v.ValidateToken(ctx, "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong token err = %v, want ErrInvalidToken", err)
	}
	if _, err := v.ValidateToken(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty token err = %v, want ErrInvalidToken", err)
	}
}

func TestTunnelTokenRoundTrip(t *testing.T) {
	tok, err := IssueTunnelToken("relay-secret", "dev-1", "192.168.1.50:554", time.Minute)
	if err != nil {
		t.Fatalf("IssueTunnelToken: %v", err)
	}

	grant, err := VerifyTunnelToken("relay-secret", tok)
	if err != nil {
		t.Fatalf("VerifyTunnelToken: %v", err)
	}
	if grant.DeviceID != "dev-1" || grant.Target != "192.168.1.50:554" {
		t.Errorf("grant = %+v", grant)
	}
	if !grant.Expiry.After(time.Now()) {
		t.Errorf("expiry %v not in the future", grant.Expiry)
	}
}

func TestTunnelTokenExpiry(t *testing.T) {
	tok, err := IssueTunnelToken("relay-secret", "dev-1", "127.0.0.1:22", -time.Minute)
	if err != nil {
		t.Fatalf("IssueTunnelToken: %v", err)
	}
	if _, err := VerifyTunnelToken("relay-secret", tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestTunnelTokenForgery(t *testing.T) {
	tok, err := IssueTunnelToken("relay-secret", "dev-1", "127.0.0.1:22", time.Minute)
	if err != nil {
		t.Fatalf("IssueTunnelToken: %v", err)
	}

	// Wrong relay secret.
	if _, err := VerifyTunnelToken("other-secret", tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret err = %v, want ErrInvalidToken", err)
	}

	// Tampered target.
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tampered := strings.Replace(string(raw), "127.0.0.1:22", "10.0.0.1:3389", 1)
	forged := base64.RawURLEncoding.EncodeToString([]byte(tampered))
	if _, err := VerifyTunnelToken("relay-secret", forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered target err = %v, want ErrInvalidToken", err)
	}

	// Garbage.
	if _, err := VerifyTunnelToken("relay-secret", "not-a-token!!"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage err = %v, want ErrInvalidToken", err)
	}
}

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("relay-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	plaintext := []byte(`{"image":"registry.example.com/app:v3","env":{"KEY":"hunter2"}}`)
	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip mismatch")
	}

	// Different secret cannot open.
	other, err := NewSealer("other-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	if _, err := other.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("foreign open err = %v, want ErrDecryptionFailed", err)
	}

	// Truncated ciphertext.
	if _, err := s.Open(sealed[:10]); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("truncated err = %v, want ErrInvalidCiphertext", err)
	}
}
