package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"data", Frame{ChannelID: 7, Type: FrameData, Sequence: 42, Payload: []byte("hello")}},
		{"empty payload", Frame{ChannelID: 1, Type: FrameCloseAck, Sequence: 0}},
		{"max payload", Frame{ChannelID: 0xFFFFFFFF, Type: FrameData, Sequence: 0xFFFFFFFF, Payload: make([]byte, MaxPayloadSize)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewFrameWriter(&buf).Write(&tt.frame); err != nil {
				t.Fatalf("write: %v", err)
			}

			got, err := NewFrameReader(&buf).Read()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got.ChannelID != tt.frame.ChannelID || got.Type != tt.frame.Type || got.Sequence != tt.frame.Sequence {
				t.Errorf("header mismatch: got %v, want %v", got, &tt.frame)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("payload mismatch: %d bytes vs %d", len(got.Payload), len(tt.frame.Payload))
			}
		})
	}
}

func TestFrameEncodeOversized(t *testing.T) {
	f := Frame{Type: FrameData, Payload: make([]byte, MaxPayloadSize+1)}
	if _, err := f.Encode(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	if _, _, _, _, err := DecodeHeader(make([]byte, HeaderSize-1)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("short header: err = %v, want ErrInvalidFrame", err)
	}

	oversized := Frame{Type: FrameData, Payload: []byte("x")}
	buf, err := oversized.Encode()
	if err != nil {
		t.Fatal(err)
	}
	buf[5], buf[6], buf[7], buf[8] = 0xFF, 0xFF, 0xFF, 0xFF
	if _, _, _, _, err := DecodeHeader(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized length: err = %v, want ErrFrameTooLarge", err)
	}
}

func TestOpenRoundTrip(t *testing.T) {
	o := Open{ChannelType: ChannelForwardTCP, Metadata: []byte(`{"host":"10.0.0.5","port":5432}`)}
	got, err := DecodeOpen(o.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ChannelType != o.ChannelType || !bytes.Equal(got.Metadata, o.Metadata) {
		t.Errorf("got %+v, want %+v", got, o)
	}

	if _, err := DecodeOpen([]byte{ChannelShell}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("truncated open: err = %v", err)
	}
	if _, err := DecodeOpen([]byte{ChannelShell, 0x00, 0x10, 'x'}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("truncated metadata: err = %v", err)
	}
}

func TestOpenAckRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ack  OpenAck
	}{
		{"accepted", OpenAck{Status: OpenAccepted}},
		{"rejected", OpenAck{Status: OpenRejected, Reason: ReasonTargetUnreachable, Message: "dial tcp 10.0.0.5:5432: connection refused"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeOpenAck(tt.ack.Encode())
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if *got != tt.ack {
				t.Errorf("got %+v, want %+v", got, tt.ack)
			}
		})
	}
}

func TestOpenAckTruncatesLongMessage(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'm'
	}
	ack := OpenAck{Status: OpenRejected, Reason: ReasonInternalError, Message: string(long)}

	got, err := DecodeOpenAck(ack.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Message) != 255 {
		t.Errorf("message length = %d, want 255", len(got.Message))
	}
}

func TestControlPayloadRoundTrips(t *testing.T) {
	wu, err := DecodeWindowUpdate((&WindowUpdate{Increment: 65536}).Encode())
	if err != nil || wu.Increment != 65536 {
		t.Errorf("window update: %+v, %v", wu, err)
	}

	cl, err := DecodeClose((&Close{Reason: ReasonIdleTimeout}).Encode())
	if err != nil || cl.Reason != ReasonIdleTimeout {
		t.Errorf("close: %+v, %v", cl, err)
	}

	pi, err := DecodePing((&Ping{Nonce: 0xDEADBEEF}).Encode())
	if err != nil || pi.Nonce != 0xDEADBEEF {
		t.Errorf("ping: %+v, %v", pi, err)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	hello := Hello{
		Version:  ProtocolVersion,
		Role:     RoleDevice,
		DeviceID: "a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5",
		Token:    "enroll-key",
		Name:     "pump-station-3",
		System:   &SystemInfo{Hostname: "pump3", OS: "linux", Architecture: "arm64", Cores: 4},
	}

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, &hello); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got Hello
	if err := ReadHandshake(&buf, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Role != hello.Role || got.DeviceID != hello.DeviceID || got.Name != hello.Name {
		t.Errorf("got %+v, want %+v", got, hello)
	}
	if got.System == nil || got.System.Hostname != "pump3" {
		t.Errorf("system info not preserved: %+v", got.System)
	}
}

func TestReadHandshakeRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	var got Hello
	if err := ReadHandshake(&buf, &got); err == nil {
		t.Error("expected error for oversized handshake")
	}
}

func TestNames(t *testing.T) {
	if got := FrameTypeName(FrameWindowUpdate); got != "WINDOW_UPDATE" {
		t.Errorf("frame name = %q", got)
	}
	if got := FrameTypeName(0xEE); got != "UNKNOWN" {
		t.Errorf("unknown frame name = %q", got)
	}
	if got := ChannelTypeName(ChannelSerial); got != "serial" {
		t.Errorf("channel name = %q", got)
	}
	if got := ReasonName(ReasonTargetUnreachable); got != "TARGET_UNREACHABLE" {
		t.Errorf("reason name = %q", got)
	}
}

func TestIsValidChannelType(t *testing.T) {
	for ct := ChannelShell; ct <= ChannelDeploy; ct++ {
		if !IsValidChannelType(ct) {
			t.Errorf("type 0x%02x should be valid", ct)
		}
	}
	if IsValidChannelType(0x00) || IsValidChannelType(0x0B) {
		t.Error("out-of-range types should be invalid")
	}
}
