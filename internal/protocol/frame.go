package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame represents a wire protocol frame.
// Header format (13 bytes, big-endian):
//
//	ChannelID [4 bytes] - Channel identifier
//	Type      [1 byte]  - Frame type
//	Length    [4 bytes] - Payload length
//	Sequence  [4 bytes] - Per-channel sequence number
type Frame struct {
	ChannelID uint32
	Type      uint8
	Sequence  uint32
	Payload   []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))

	binary.BigEndian.PutUint32(buf[0:4], f.ChannelID)
	buf[4] = f.Type
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(buf[9:13], f.Sequence)

	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (channelID uint32, frameType uint8, length uint32, sequence uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	channelID = binary.BigEndian.Uint32(buf[0:4])
	frameType = buf[4]
	length = binary.BigEndian.Uint32(buf[5:9])
	sequence = binary.BigEndian.Uint32(buf[9:13])

	if length > MaxPayloadSize {
		return 0, 0, 0, 0, ErrFrameTooLarge
	}

	return
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, ChannelID=%d, Seq=%d, PayloadLen=%d}",
		FrameTypeName(f.Type), f.ChannelID, f.Sequence, len(f.Payload))
}

// ============================================================================
// Payload structures
// ============================================================================

// Open is the payload for OPEN frames:
// channel_type (1 byte) followed by length-prefixed metadata bytes.
// Metadata is a JSON document whose shape depends on the channel type.
type Open struct {
	ChannelType uint8
	Metadata    []byte
}

// Encode serializes Open to bytes.
func (o *Open) Encode() []byte {
	buf := make([]byte, 1+2+len(o.Metadata))
	buf[0] = o.ChannelType
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(o.Metadata)))
	copy(buf[3:], o.Metadata)
	return buf
}

// DecodeOpen deserializes Open from bytes.
func DecodeOpen(buf []byte) (*Open, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: Open too short", ErrInvalidFrame)
	}

	o := &Open{ChannelType: buf[0]}

	metaLen := int(binary.BigEndian.Uint16(buf[1:3]))
	if 3+metaLen > len(buf) {
		return nil, fmt.Errorf("%w: Open metadata truncated", ErrInvalidFrame)
	}
	o.Metadata = make([]byte, metaLen)
	copy(o.Metadata, buf[3:3+metaLen])

	return o, nil
}

// OpenAck is the payload for OPEN-ACK frames. Status is OpenAccepted or
// OpenRejected; Reason and Message are meaningful only on reject.
type OpenAck struct {
	Status  uint8
	Reason  uint16
	Message string
}

// Encode serializes OpenAck to bytes.
func (a *OpenAck) Encode() []byte {
	msg := []byte(a.Message)
	if len(msg) > 255 {
		msg = msg[:255]
	}

	buf := make([]byte, 1+2+1+len(msg))
	buf[0] = a.Status
	binary.BigEndian.PutUint16(buf[1:3], a.Reason)
	buf[3] = uint8(len(msg))
	copy(buf[4:], msg)
	return buf
}

// DecodeOpenAck deserializes OpenAck from bytes.
func DecodeOpenAck(buf []byte) (*OpenAck, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: OpenAck too short", ErrInvalidFrame)
	}

	a := &OpenAck{
		Status: buf[0],
		Reason: binary.BigEndian.Uint16(buf[1:3]),
	}

	msgLen := int(buf[3])
	if 4+msgLen > len(buf) {
		return nil, fmt.Errorf("%w: OpenAck message truncated", ErrInvalidFrame)
	}
	a.Message = string(buf[4 : 4+msgLen])

	return a, nil
}

// WindowUpdate is the payload for WINDOW-UPDATE frames.
type WindowUpdate struct {
	Increment uint32
}

// Encode serializes WindowUpdate to bytes.
func (w *WindowUpdate) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, w.Increment)
	return buf
}

// DecodeWindowUpdate deserializes WindowUpdate from bytes.
func DecodeWindowUpdate(buf []byte) (*WindowUpdate, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: WindowUpdate too short", ErrInvalidFrame)
	}
	return &WindowUpdate{Increment: binary.BigEndian.Uint32(buf)}, nil
}

// Close is the payload for CLOSE frames.
type Close struct {
	Reason uint16
}

// Encode serializes Close to bytes.
func (c *Close) Encode() []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, c.Reason)
	return buf
}

// DecodeClose deserializes Close from bytes.
func DecodeClose(buf []byte) (*Close, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: Close too short", ErrInvalidFrame)
	}
	return &Close{Reason: binary.BigEndian.Uint16(buf)}, nil
}

// Ping is the payload for PING and PONG frames. The nonce is monotonic
// per session and echoed back verbatim in the PONG.
type Ping struct {
	Nonce uint64
}

// Encode serializes Ping to bytes.
func (p *Ping) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, p.Nonce)
	return buf
}

// DecodePing deserializes Ping from bytes.
func DecodePing(buf []byte) (*Ping, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Ping too short", ErrInvalidFrame)
	}
	return &Ping{Nonce: binary.BigEndian.Uint64(buf)}, nil
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	channelID, frameType, length, sequence, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		ChannelID: channelID,
		Type:      frameType,
		Sequence:  sequence,
		Payload:   payload,
	}, nil
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(channelID uint32, frameType uint8, sequence uint32, payload []byte) error {
	return fw.Write(&Frame{
		ChannelID: channelID,
		Type:      frameType,
		Sequence:  sequence,
		Payload:   payload,
	})
}
