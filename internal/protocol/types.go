// Package protocol defines the wire protocol for the edgewire device tunnel.
package protocol

// Frame type constants
const (
	FrameOpen         uint8 = 0x01 // Request to open a channel
	FrameOpenAck      uint8 = 0x02 // Channel open accepted or rejected
	FrameData         uint8 = 0x03 // Payload data
	FrameWindowUpdate uint8 = 0x04 // Flow-control window credit
	FrameClose        uint8 = 0x05 // Graceful close (half-close)
	FrameCloseAck     uint8 = 0x06 // Close acknowledgment
	FramePing         uint8 = 0x07 // Liveness probe, carries a nonce
	FramePong         uint8 = 0x08 // Liveness response, echoes the nonce
)

// Channel type constants. A channel's type is fixed at OPEN time and
// selects the handler on the device side.
const (
	ChannelShell         uint8 = 0x01 // Interactive PTY shell
	ChannelExec          uint8 = 0x02 // One-shot command execution
	ChannelForwardTCP    uint8 = 0x03 // TCP port forward
	ChannelForwardUDP    uint8 = 0x04 // UDP port forward (datagram-preserving)
	ChannelFileTransfer  uint8 = 0x05 // File upload/download
	ChannelDocker        uint8 = 0x06 // Docker/compose command passthrough
	ChannelLogStream     uint8 = 0x07 // Log follow/tail stream
	ChannelMetricsStream uint8 = 0x08 // Periodic system metrics stream
	ChannelSerial        uint8 = 0x09 // Serial device bridge
	ChannelDeploy        uint8 = 0x0A // Deployment job delivery
)

// Reason codes for OPEN-ACK rejects and CLOSE frames. User-visible
// failures carry one of these so operator remediation can differ per
// case.
const (
	ReasonNone              uint16 = 0
	ReasonTransportLost     uint16 = 1
	ReasonDeviceOffline     uint16 = 2
	ReasonTargetUnreachable uint16 = 3
	ReasonNotAuthorized     uint16 = 4
	ReasonProtocolError     uint16 = 5
	ReasonInternalError     uint16 = 6
	ReasonIdleTimeout       uint16 = 7
	ReasonBindFailed        uint16 = 8
	ReasonUnsupportedType   uint16 = 9
	ReasonRemoteEOF         uint16 = 10
	ReasonSessionReplaced   uint16 = 11
	ReasonResourceLimit     uint16 = 12
	ReasonCancelled         uint16 = 13
)

// Protocol constants
const (
	// ProtocolVersion is the current protocol version
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of a frame header in bytes:
	// channel_id (4) + type (1) + length (4) + sequence (4)
	HeaderSize = 13

	// MaxPayloadSize is the maximum frame payload size (16 KB).
	// DATA payloads larger than this are fragmented by the sender.
	MaxPayloadSize = 16384

	// MaxFrameSize is the maximum total frame size
	MaxFrameSize = HeaderSize + MaxPayloadSize

	// DefaultWindow is the initial per-direction flow-control window
	// in bytes for every channel.
	DefaultWindow = 256 * 1024

	// SessionChannelID is reserved for session-scoped frames
	// (PING/PONG); it never identifies a real channel.
	SessionChannelID uint32 = 0
)

// OpenStatus values carried in OPEN-ACK payloads.
const (
	OpenAccepted uint8 = 0x00
	OpenRejected uint8 = 0x01
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameOpen:
		return "OPEN"
	case FrameOpenAck:
		return "OPEN_ACK"
	case FrameData:
		return "DATA"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameClose:
		return "CLOSE"
	case FrameCloseAck:
		return "CLOSE_ACK"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// ChannelTypeName returns a human-readable name for a channel type.
func ChannelTypeName(t uint8) string {
	switch t {
	case ChannelShell:
		return "shell"
	case ChannelExec:
		return "exec"
	case ChannelForwardTCP:
		return "forward-tcp"
	case ChannelForwardUDP:
		return "forward-udp"
	case ChannelFileTransfer:
		return "file-transfer"
	case ChannelDocker:
		return "docker"
	case ChannelLogStream:
		return "log-stream"
	case ChannelMetricsStream:
		return "metrics-stream"
	case ChannelSerial:
		return "serial"
	case ChannelDeploy:
		return "deploy"
	default:
		return "unknown"
	}
}

// ReasonName returns a human-readable name for a reason code.
func ReasonName(code uint16) string {
	switch code {
	case ReasonNone:
		return "NONE"
	case ReasonTransportLost:
		return "TRANSPORT_LOST"
	case ReasonDeviceOffline:
		return "DEVICE_OFFLINE"
	case ReasonTargetUnreachable:
		return "TARGET_UNREACHABLE"
	case ReasonNotAuthorized:
		return "NOT_AUTHORIZED"
	case ReasonProtocolError:
		return "PROTOCOL_ERROR"
	case ReasonInternalError:
		return "INTERNAL_ERROR"
	case ReasonIdleTimeout:
		return "IDLE_TIMEOUT"
	case ReasonBindFailed:
		return "BIND_FAILED"
	case ReasonUnsupportedType:
		return "UNSUPPORTED_TYPE"
	case ReasonRemoteEOF:
		return "REMOTE_EOF"
	case ReasonSessionReplaced:
		return "SESSION_REPLACED"
	case ReasonResourceLimit:
		return "RESOURCE_LIMIT"
	case ReasonCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsValidChannelType returns true for a known channel type.
func IsValidChannelType(t uint8) bool {
	return t >= ChannelShell && t <= ChannelDeploy
}
