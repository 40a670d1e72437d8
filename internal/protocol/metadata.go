package protocol

import (
	"encoding/json"
	"fmt"
)

// Channel metadata carried in OPEN frames. The metadata bytes are a
// JSON document whose shape is selected by the channel type.

// ForwardMeta describes the remote target of a forward channel.
// Host empty means the device's own loopback.
type ForwardMeta struct {
	Host string `json:"host,omitempty"`
	Port uint16 `json:"port"`

	// Token is an optional signed tunnel grant that the device agent
	// verifies locally before dialing, avoiding a relay round trip.
	Token string `json:"token,omitempty"`
}

// ExecMeta describes a one-shot command execution.
type ExecMeta struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Stdin   bool              `json:"stdin,omitempty"`
	TTY     *TTYMeta          `json:"tty,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds, 0 = none
}

// TTYMeta carries initial terminal dimensions for PTY channels.
type TTYMeta struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
	Term string `json:"term,omitempty"`
}

// ShellMeta describes an interactive shell channel.
type ShellMeta struct {
	TTY  TTYMeta `json:"tty"`
	User string  `json:"user,omitempty"`
}

// FileMeta describes a file-transfer channel.
type FileMeta struct {
	// Direction is "upload" (operator -> device) or "download".
	Direction string `json:"direction"`
	Path      string `json:"path"`
	Mode      uint32 `json:"mode,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Offset    int64  `json:"offset,omitempty"` // resume point for downloads
}

// DockerMeta describes a docker/compose passthrough channel. The argv
// is executed verbatim by the device's docker binary; edgewire does
// not interpret compose semantics.
type DockerMeta struct {
	Args  []string `json:"args"`
	Stdin bool     `json:"stdin,omitempty"`
}

// LogMeta describes a log-stream channel.
type LogMeta struct {
	Follow bool   `json:"follow,omitempty"`
	Tail   int    `json:"tail,omitempty"`
	Unit   string `json:"unit,omitempty"` // optional service unit filter
}

// MetricsMeta describes a metrics-stream channel.
type MetricsMeta struct {
	IntervalSeconds int `json:"interval_seconds,omitempty"`
}

// SerialMeta describes a serial bridge channel.
type SerialMeta struct {
	Path string `json:"path"`
	Baud int    `json:"baud,omitempty"`
}

// DeployMeta marks the dedicated deploy channel opened by the relay's
// reconciler after a device registers.
type DeployMeta struct {
	PendingJobs int `json:"pending_jobs"`
}

// ExecEvent is one device-to-operator message on an exec or docker
// channel. Output is framed so stdout and stderr stay separated and
// the exit code survives the trip; operator-to-device stdin flows as
// raw bytes.
type ExecEvent struct {
	Stream string `json:"stream,omitempty"` // "stdout" or "stderr"
	Data   []byte `json:"data,omitempty"`
	Exit   *int32 `json:"exit,omitempty"`
}

// OperatorMeta is the envelope operators wrap around channel metadata
// when opening a channel through the relay. It names the target device;
// Meta is the device-facing metadata forwarded after authorization.
type OperatorMeta struct {
	DeviceID string          `json:"device_id"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

// EncodeMeta marshals channel metadata to JSON bytes.
func EncodeMeta(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode channel metadata: %w", err)
	}
	return data, nil
}

// DecodeMeta unmarshals channel metadata from JSON bytes.
func DecodeMeta(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: bad channel metadata: %v", ErrInvalidFrame, err)
	}
	return nil
}
