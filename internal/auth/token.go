// Package auth gates who may open a channel to which device, and to
// what network targets. Token validation is delegated to an external
// identity collaborator; this package owns the per-session whitelist,
// audit trail, and locally verifiable tunnel tokens.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"
	"io"
)

var (
	// ErrInvalidToken is returned for unparseable or forged tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
)

// Identity is the result of validating an opaque bearer token.
type Identity struct {
	OrgID   string
	Subject string
	Scopes  []string
}

// HasScope reports whether the identity carries the named scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenValidator is the external identity collaborator. The core never
// issues or refreshes bearer tokens itself.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Identity, error)
}

// StaticValidator validates bearer tokens against a config-declared
// table of bcrypt hashes. It stands in for a full identity provider on
// self-hosted relays.
type StaticValidator struct {
	entries []StaticToken
}

// StaticToken is one config-declared credential.
type StaticToken struct {
	Subject   string
	OrgID     string
	Scopes    []string
	TokenHash string // bcrypt hash of the bearer token
}

// NewStaticValidator creates a validator over config-declared tokens.
func NewStaticValidator(entries []StaticToken) *StaticValidator {
	return &StaticValidator{entries: entries}
}

// ValidateToken implements TokenValidator.
func (v *StaticValidator) ValidateToken(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	for _, e := range v.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.TokenHash), []byte(token)) == nil {
			return Identity{OrgID: e.OrgID, Subject: e.Subject, Scopes: e.Scopes}, nil
		}
	}
	return Identity{}, ErrInvalidToken
}

// ============================================================================
// Tunnel tokens
// ============================================================================

// A tunnel token lets the device agent re-validate a forwarded-connection
// dial locally, without a second round trip to the relay. Format:
//
//	base64url(device_id|target|expiry_unix|hex(hmac_sha256(device_id|target|expiry_unix)))
//
// The signing key is derived per device from the relay secret, so a
// leaked per-device key cannot sign grants for other devices.

// TunnelGrant is the verified content of a tunnel token.
type TunnelGrant struct {
	DeviceID string
	Target   string
	Expiry   time.Time
}

// tunnelSigningKey derives the per-device HMAC key from the relay
// secret via HKDF.
func tunnelSigningKey(secret, deviceID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("edgewire-tunnel-token-v1:"+deviceID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive tunnel key: %w", err)
	}
	return key, nil
}

// IssueTunnelToken signs a grant for dialing target from deviceID,
// valid for ttl.
func IssueTunnelToken(secret, deviceID, target string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("tunnel token secret not configured")
	}
	expiry := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%s|%d", deviceID, target, expiry)

	key, err := tunnelSigningKey(secret, deviceID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	raw := payload + "|" + sig
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// VerifyTunnelToken checks signature and expiry and returns the grant.
func VerifyTunnelToken(secret, token string) (*TunnelGrant, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrInvalidToken)
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: bad format", ErrInvalidToken)
	}
	deviceID, target, expiryStr, sigHex := parts[0], parts[1], parts[2], parts[3]

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad expiry", ErrInvalidToken)
	}
	if time.Now().Unix() > expiry {
		return nil, ErrTokenExpired
	}

	key, err := tunnelSigningKey(secret, deviceID)
	if err != nil {
		return nil, err
	}
	payload := fmt.Sprintf("%s|%s|%d", deviceID, target, expiry)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)

	sig, err := hex.DecodeString(sigHex)
	if err != nil || !hmac.Equal(sig, expected) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	return &TunnelGrant{
		DeviceID: deviceID,
		Target:   target,
		Expiry:   time.Unix(expiry, 0),
	}, nil
}
