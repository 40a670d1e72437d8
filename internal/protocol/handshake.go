package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Session handshake. Before any frames flow, the connecting side sends
// one length-prefixed JSON hello and reads one length-prefixed JSON
// response on the raw transport connection.

// MaxHandshakeSize bounds the handshake message size.
const MaxHandshakeSize = 64 * 1024

// Handshake roles.
const (
	RoleDevice   = "device"
	RoleOperator = "operator"
)

// Hello is sent by the connecting side (device agent or operator CLI).
type Hello struct {
	Version  uint16      `json:"version"`
	Role     string      `json:"role"`
	DeviceID string      `json:"device_id,omitempty"` // device role only
	Token    string      `json:"token"`               // opaque bearer token
	Name     string      `json:"name,omitempty"`
	System   *SystemInfo `json:"system,omitempty"`
}

// SystemInfo is the device system snapshot sent at registration.
type SystemInfo struct {
	Hostname     string  `json:"hostname"`
	OS           string  `json:"os"`
	Architecture string  `json:"architecture"`
	Cores        int     `json:"cores,omitempty"`
	MemoryGB     float64 `json:"memory_gb,omitempty"`
	AgentVersion string  `json:"agent_version,omitempty"`
}

// HelloAck is the relay's handshake response.
type HelloAck struct {
	Version uint16 `json:"version"`
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`

	// Status reflects the device lifecycle state after registration
	// ("approved" devices proceed; "pending" devices are told to wait).
	Status string `json:"status,omitempty"`
}

// WriteHandshake writes a length-prefixed JSON handshake message.
func WriteHandshake(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if len(data) > MaxHandshakeSize {
		return fmt.Errorf("handshake message too large: %d bytes", len(data))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadHandshake reads a length-prefixed JSON handshake message.
func ReadHandshake(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxHandshakeSize {
		return fmt.Errorf("handshake message too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	return nil
}
