package mux

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/edgewire/edgewire/internal/protocol"
)

// sessionPair wires a relay-side and device-side session over net.Pipe.
func sessionPair(t *testing.T, relayCfg, deviceCfg Config) (*Session, *Session) {
	t.Helper()

	relayConn, deviceConn := net.Pipe()

	relay := NewSession(relayConn, SideRelay, relayCfg)
	device := NewSession(deviceConn, SideDevice, deviceCfg)

	t.Cleanup(func() {
		relay.Close()
		device.Close()
	})

	return relay, device
}

// echoHandler accepts every channel and echoes data back.
func echoHandler(ch *Channel, channelType uint8, metadata []byte) (func(*Channel), *Reject) {
	return func(c *Channel) {
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				if _, werr := c.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				c.CloseWrite()
				return
			}
		}
	}, nil
}

func TestOpenChannelAccepted(t *testing.T) {
	relay, device := sessionPair(t, DefaultConfig(), DefaultConfig())
	device.SetOpenHandler(echoHandler)
	relay.Start()
	device.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := relay.OpenChannel(ctx, protocol.ChannelExec, []byte(`{}`))
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if ch.State() != StateOpen {
		t.Errorf("state = %s, want OPEN", ch.State())
	}
	if ch.ID()%2 != 0 {
		t.Errorf("relay-opened channel id %d is odd, want even", ch.ID())
	}

	msg := []byte("hello device")
	if _, err := ch.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(ch, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo = %q, want %q", got, msg)
	}
}

// An acceptor may put DATA on the wire right behind its OPEN-ACK. Both
// frames can land in the opener's read loop before the OpenChannel
// goroutine resumes; the data must still reach the channel.
func TestDataImmediatelyAfterOpenAck(t *testing.T) {
	for i := 0; i < 50; i++ {
		relayConn, rawConn := net.Pipe()
		cfg := DefaultConfig()
		cfg.KeepaliveInterval = 0

		relay := NewSession(relayConn, SideRelay, cfg)
		relay.Start()

		go func() {
			fr := protocol.NewFrameReader(rawConn)
			open, err := fr.Read()
			if err != nil {
				return
			}

			ack := protocol.OpenAck{Status: protocol.OpenAccepted}
			ackFrame := protocol.Frame{ChannelID: open.ChannelID, Type: protocol.FrameOpenAck, Payload: ack.Encode()}
			dataFrame := protocol.Frame{ChannelID: open.ChannelID, Type: protocol.FrameData, Sequence: 0, Payload: []byte("hello")}

			ackBytes, _ := ackFrame.Encode()
			dataBytes, _ := dataFrame.Encode()
			if _, err := rawConn.Write(append(ackBytes, dataBytes...)); err != nil {
				return
			}
			io.Copy(io.Discard, rawConn)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ch, err := relay.OpenChannel(ctx, protocol.ChannelExec, nil)
		if err != nil {
			cancel()
			t.Fatalf("iteration %d: OpenChannel: %v", i, err)
		}

		ch.SetReadDeadline(time.Now().Add(2 * time.Second))
		got := make([]byte, 5)
		if _, err := io.ReadFull(ch, got); err != nil {
			cancel()
			t.Fatalf("iteration %d: data behind OPEN-ACK not delivered: %v", i, err)
		}
		if string(got) != "hello" {
			cancel()
			t.Fatalf("iteration %d: got %q, want %q", i, got, "hello")
		}

		cancel()
		relay.Close()
		rawConn.Close()
	}
}

func TestOpenChannelRejected(t *testing.T) {
	relay, device := sessionPair(t, DefaultConfig(), DefaultConfig())
	device.SetOpenHandler(func(ch *Channel, channelType uint8, metadata []byte) (func(*Channel), *Reject) {
		return nil, &Reject{Reason: protocol.ReasonTargetUnreachable, Message: "dial refused"}
	})
	relay.Start()
	device.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := relay.OpenChannel(ctx, protocol.ChannelForwardTCP, []byte(`{"port":80}`))
	if err == nil {
		t.Fatal("OpenChannel succeeded, want reject")
	}
	openErr, ok := err.(*OpenError)
	if !ok {
		t.Fatalf("error type %T, want *OpenError", err)
	}
	if openErr.Reason != protocol.ReasonTargetUnreachable {
		t.Errorf("reason = %s, want TARGET_UNREACHABLE", protocol.ReasonName(openErr.Reason))
	}
}

// Per-channel FIFO: data on each channel arrives in send order even
// with many channels interleaving frames.
func TestPerChannelOrdering(t *testing.T) {
	relay, device := sessionPair(t, DefaultConfig(), DefaultConfig())

	const numChannels = 8
	const numMessages = 50

	type received struct {
		mu   sync.Mutex
		msgs [][]byte
	}
	results := make(map[uint8]*received)

	var setup sync.Mutex
	device.SetOpenHandler(func(ch *Channel, channelType uint8, metadata []byte) (func(*Channel), *Reject) {
		return func(c *Channel) {
			for {
				data, err := c.ReadDatagram()
				if err != nil {
					return
				}
				setup.Lock()
				r := results[uint8(c.ID()%256)]
				setup.Unlock()
				r.mu.Lock()
				r.msgs = append(r.msgs, data)
				r.mu.Unlock()
			}
		}, nil
	})
	relay.Start()
	device.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	channels := make([]*Channel, numChannels)
	for i := range channels {
		ch, err := relay.OpenChannel(ctx, protocol.ChannelForwardUDP, nil)
		if err != nil {
			t.Fatalf("OpenChannel %d: %v", i, err)
		}
		channels[i] = ch
		setup.Lock()
		results[uint8(ch.ID()%256)] = &received{}
		setup.Unlock()
	}

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch *Channel) {
			defer wg.Done()
			for j := 0; j < numMessages; j++ {
				msg := fmt.Appendf(nil, "ch%d-msg%04d", i, j)
				if err := ch.WriteDatagram(msg); err != nil {
					t.Errorf("WriteDatagram: %v", err)
					return
				}
			}
		}(i, ch)
	}
	wg.Wait()

	// Wait for all messages to land.
	deadline := time.Now().Add(5 * time.Second)
	for {
		done := true
		setup.Lock()
		for _, r := range results {
			r.mu.Lock()
			if len(r.msgs) < numMessages {
				done = false
			}
			r.mu.Unlock()
		}
		setup.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i, ch := range channels {
		r := results[uint8(ch.ID()%256)]
		r.mu.Lock()
		if len(r.msgs) != numMessages {
			t.Fatalf("channel %d: got %d messages, want %d", i, len(r.msgs), numMessages)
		}
		for j, msg := range r.msgs {
			want := fmt.Sprintf("ch%d-msg%04d", i, j)
			if string(msg) != want {
				t.Errorf("channel %d message %d = %q, want %q", i, j, msg, want)
			}
		}
		r.mu.Unlock()
	}
}

// Flow control: a channel whose consumer stops reading causes its
// sender to stall within one window of data, never unbounded growth.
func TestFlowControlBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 64 * 1024
	cfg.KeepaliveInterval = 0

	relay, device := sessionPair(t, cfg, cfg)

	blocked := make(chan struct{})
	device.SetOpenHandler(func(ch *Channel, channelType uint8, metadata []byte) (func(*Channel), *Reject) {
		return func(c *Channel) {
			<-blocked // never reads until released
		}, nil
	})
	relay.Start()
	device.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := relay.OpenChannel(ctx, protocol.ChannelForwardTCP, nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	sent := make(chan int, 1)
	go func() {
		chunk := make([]byte, 8192)
		total := 0
		ch.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
		for {
			n, err := ch.Write(chunk)
			total += n
			if err != nil {
				break
			}
		}
		sent <- total
	}()

	select {
	case total := <-sent:
		// The sender must stall after at most one window (plus one
		// in-flight frame of slack).
		if total > int(cfg.Window)+protocol.MaxPayloadSize {
			t.Errorf("sender wrote %d bytes past a %d-byte window", total, cfg.Window)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sender never stalled")
	}
	close(blocked)
}

// UDP boundary preservation: datagrams of sizes [10, 1400, 64] yield
// exactly three DATA frames of the same sizes in the same order.
func TestDatagramBoundaryPreservation(t *testing.T) {
	relay, device := sessionPair(t, DefaultConfig(), DefaultConfig())

	sizes := []int{10, 1400, 64}
	got := make(chan []byte, len(sizes))

	device.SetOpenHandler(func(ch *Channel, channelType uint8, metadata []byte) (func(*Channel), *Reject) {
		return func(c *Channel) {
			for {
				data, err := c.ReadDatagram()
				if err != nil {
					return
				}
				got <- data
			}
		}, nil
	})
	relay.Start()
	device.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := relay.OpenChannel(ctx, protocol.ChannelForwardUDP, nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	for i, size := range sizes {
		dgram := bytes.Repeat([]byte{byte(i + 1)}, size)
		if err := ch.WriteDatagram(dgram); err != nil {
			t.Fatalf("WriteDatagram %d: %v", size, err)
		}
	}

	for i, size := range sizes {
		select {
		case data := <-got:
			if len(data) != size {
				t.Errorf("datagram %d: got %d bytes, want %d", i, len(data), size)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("datagram %d never arrived", i)
		}
	}
}

// Half-close: CloseWrite propagates EOF to the peer's reader while the
// reverse direction keeps flowing.
func TestHalfClose(t *testing.T) {
	relay, device := sessionPair(t, DefaultConfig(), DefaultConfig())

	device.SetOpenHandler(func(ch *Channel, channelType uint8, metadata []byte) (func(*Channel), *Reject) {
		return func(c *Channel) {
			// Drain until EOF, then send a final message back.
			data, err := io.ReadAll(c)
			if err != nil {
				return
			}
			c.Write([]byte(fmt.Sprintf("got %d bytes", len(data))))
			c.CloseWrite()
		}, nil
	})
	relay.Start()
	device.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := relay.OpenChannel(ctx, protocol.ChannelForwardTCP, nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	if _, err := ch.Write(bytes.Repeat([]byte("x"), 1000)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ch.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	reply, err := io.ReadAll(ch)
	if err != nil {
		t.Fatalf("ReadAll after half-close: %v", err)
	}
	if string(reply) != "got 1000 bytes" {
		t.Errorf("reply = %q, want %q", reply, "got 1000 bytes")
	}
}

// Transport loss closes all channels with reason transport-lost.
func TestTransportLossClosesChannels(t *testing.T) {
	relayConn, deviceConn := net.Pipe()
	cfg := DefaultConfig()
	cfg.KeepaliveInterval = 0

	relay := NewSession(relayConn, SideRelay, cfg)
	device := NewSession(deviceConn, SideDevice, cfg)
	device.SetOpenHandler(echoHandler)
	relay.Start()
	device.Start()
	defer relay.Close()
	defer device.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := relay.OpenChannel(ctx, protocol.ChannelShell, nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	deviceConn.Close()

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after transport loss")
	}
	if ch.CloseReason() != protocol.ReasonTransportLost {
		t.Errorf("close reason = %s, want TRANSPORT_LOST", protocol.ReasonName(ch.CloseReason()))
	}
	if relay.ChannelCount() != 0 {
		t.Errorf("channel table not empty after teardown: %d", relay.ChannelCount())
	}
}

// DATA for an unknown channel id is a protocol error; past the
// threshold the connection is torn down as misbehaving.
func TestMisbehaviorThreshold(t *testing.T) {
	relayConn, rawConn := net.Pipe()
	cfg := DefaultConfig()
	cfg.KeepaliveInterval = 0
	cfg.MaxProtocolErrors = 4

	relay := NewSession(relayConn, SideRelay, cfg)
	relay.Start()
	defer relay.Close()

	fw := protocol.NewFrameWriter(rawConn)
	go io.Copy(io.Discard, rawConn)

	// Flood DATA frames for a channel that was never opened.
	for i := 0; i < 10; i++ {
		if err := fw.WriteFrame(7, protocol.FrameData, uint32(i), []byte("junk")); err != nil {
			break
		}
	}

	select {
	case <-relay.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not torn down after repeated protocol errors")
	}
}

func TestChannelIDPartition(t *testing.T) {
	relay, device := sessionPair(t, DefaultConfig(), DefaultConfig())
	relay.SetOpenHandler(echoHandler)
	device.SetOpenHandler(echoHandler)
	relay.Start()
	device.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		rch, err := relay.OpenChannel(ctx, protocol.ChannelExec, nil)
		if err != nil {
			t.Fatalf("relay OpenChannel: %v", err)
		}
		if rch.ID()%2 != 0 {
			t.Errorf("relay channel id %d odd, want even", rch.ID())
		}

		dch, err := device.OpenChannel(ctx, protocol.ChannelExec, nil)
		if err != nil {
			t.Fatalf("device OpenChannel: %v", err)
		}
		if dch.ID()%2 != 1 {
			t.Errorf("device channel id %d even, want odd", dch.ID())
		}
	}
}
