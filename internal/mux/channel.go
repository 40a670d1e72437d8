// Package mux turns one ordered, reliable byte stream into N independent
// logical channels with per-channel flow control. One Session owns the
// transport connection and performs all frame demultiplexing; each
// Channel is consumed by its own goroutine so a slow consumer on one
// channel cannot starve others beyond its own window filling up.
package mux

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgewire/edgewire/internal/protocol"
)

// ChannelState represents the state of a channel.
type ChannelState int32

const (
	StateOpening ChannelState = iota
	StateOpen
	StateHalfClosedLocal  // We sent CLOSE, still reading
	StateHalfClosedRemote // Received CLOSE from peer, still writing
	StateClosed
)

// String returns a human-readable state name.
func (s ChannelState) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrChannelClosed is returned on operations against a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrDatagramTooLarge is returned when a datagram exceeds one frame.
	ErrDatagramTooLarge = errors.New("datagram exceeds maximum frame payload")

	// ErrWindowStall is returned when a write deadline expires while
	// waiting for flow-control credit.
	ErrWindowStall = errors.New("flow-control window exhausted")
)

// Channel is one logical bidirectional stream multiplexed on a Session.
// It implements net.Conn; CloseWrite provides half-close. The parent
// Session owns the Channel; the Channel holds the session only to route
// frames and close notifications.
type Channel struct {
	id    uint32
	ctype uint8
	sess  *Session

	state atomic.Int32

	// Receive path. The read loop appends whole DATA payloads; Read
	// may consume them partially, ReadDatagram consumes one entry.
	recvMu    sync.Mutex
	recvQueue [][]byte
	recvNotify chan struct{} // signaled when recvQueue gains an entry
	readLeft  []byte         // partially consumed head entry
	consumed  uint32         // bytes read by app, not yet credited to peer

	// Send path.
	sendMu     sync.Mutex
	sendWindow int64
	sendNotify chan struct{} // signaled when credit arrives
	seq        uint32        // next outgoing DATA sequence
	expectSeq  uint32        // next expected incoming DATA sequence

	// Lifecycle.
	ackCh       chan *protocol.OpenAck // OPEN-ACK delivery for opener
	closed      chan struct{}
	closeOnce   sync.Once
	closeReason atomic.Uint32
	localFin    atomic.Bool
	remoteFin   atomic.Bool
	remoteFinCh chan struct{}
	finOnce     sync.Once

	readDeadline  atomic.Pointer[time.Time]
	writeDeadline atomic.Pointer[time.Time]

	createdAt time.Time
	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
}

func newChannel(id uint32, ctype uint8, sess *Session, window uint32) *Channel {
	c := &Channel{
		id:          id,
		ctype:       ctype,
		sess:        sess,
		recvNotify:  make(chan struct{}, 1),
		sendNotify:  make(chan struct{}, 1),
		sendWindow:  int64(window),
		ackCh:       make(chan *protocol.OpenAck, 1),
		closed:      make(chan struct{}),
		remoteFinCh: make(chan struct{}),
		createdAt:   time.Now(),
	}
	c.state.Store(int32(StateOpening))
	return c
}

// ID returns the channel identifier.
func (c *Channel) ID() uint32 { return c.id }

// Type returns the channel type.
func (c *Channel) Type() uint8 { return c.ctype }

// State returns the current channel state.
func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// CloseReason returns the reason code the channel closed with.
func (c *Channel) CloseReason() uint16 {
	return uint16(c.closeReason.Load())
}

// Done returns a channel that's closed when the channel fully closes.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// BytesSent returns the number of payload bytes sent on the channel.
func (c *Channel) BytesSent() uint64 { return c.bytesSent.Load() }

// BytesReceived returns the number of payload bytes received.
func (c *Channel) BytesReceived() uint64 { return c.bytesRecv.Load() }

// ============================================================================
// Receive path
// ============================================================================

// pushData is called by the session read loop with one DATA payload.
// It never blocks: an honest sender cannot exceed the advertised
// window, and a dishonest one is a protocol violation.
func (c *Channel) pushData(data []byte) error {
	if c.State() == StateClosed {
		return ErrChannelClosed
	}

	c.recvMu.Lock()
	queued := 0
	for _, b := range c.recvQueue {
		queued += len(b)
	}
	// Slack of one extra frame beyond the window covers bytes the
	// reader holds in its partially consumed head entry.
	if queued+len(data) > int(c.sess.cfg.Window)+2*protocol.MaxPayloadSize {
		c.recvMu.Unlock()
		return fmt.Errorf("receive window overflow on channel %d", c.id)
	}
	c.recvQueue = append(c.recvQueue, data)
	c.recvMu.Unlock()

	c.bytesRecv.Add(uint64(len(data)))
	select {
	case c.recvNotify <- struct{}{}:
	default:
	}
	return nil
}

// takeEntry removes the next whole receive entry, or nil.
func (c *Channel) takeEntry() []byte {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if len(c.recvQueue) == 0 {
		return nil
	}
	entry := c.recvQueue[0]
	c.recvQueue[0] = nil
	c.recvQueue = c.recvQueue[1:]
	return entry
}

// credit accounts bytes consumed by the application and returns window
// credit to the peer once half the window has been consumed.
func (c *Channel) credit(n int) {
	c.recvMu.Lock()
	c.consumed += uint32(n)
	increment := uint32(0)
	if c.consumed >= c.sess.cfg.Window/2 {
		increment = c.consumed
		c.consumed = 0
	}
	c.recvMu.Unlock()

	if increment > 0 && !c.remoteFin.Load() {
		upd := protocol.WindowUpdate{Increment: increment}
		_ = c.sess.writeFrame(c.id, protocol.FrameWindowUpdate, 0, upd.Encode())
	}
}

// Read reads stream data, consuming queued entries partially as needed.
// Returns io.EOF after the peer half-closes and the queue drains.
func (c *Channel) Read(p []byte) (int, error) {
	for {
		if len(c.readLeft) > 0 {
			n := copy(p, c.readLeft)
			c.readLeft = c.readLeft[n:]
			c.credit(n)
			return n, nil
		}

		if entry := c.takeEntry(); entry != nil {
			n := copy(p, entry)
			c.readLeft = entry[n:]
			c.credit(n)
			return n, nil
		}

		if err := c.waitReadable(); err != nil {
			return 0, err
		}
	}
}

// ReadDatagram reads exactly one DATA frame payload, preserving
// datagram boundaries for forward-udp channels.
func (c *Channel) ReadDatagram() ([]byte, error) {
	for {
		if entry := c.takeEntry(); entry != nil {
			c.credit(len(entry))
			return entry, nil
		}
		if err := c.waitReadable(); err != nil {
			return nil, err
		}
	}
}

// waitReadable blocks until data may be queued, the peer half-closes,
// the channel closes, or the read deadline expires. A drained queue
// after remote FIN or close yields io.EOF.
func (c *Channel) waitReadable() error {
	var deadlineCh <-chan time.Time
	if d := c.readDeadline.Load(); d != nil && !d.IsZero() {
		remaining := time.Until(*d)
		if remaining <= 0 {
			return os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		deadlineCh = timer.C
	}

	// Re-check the queue under the notify channel to avoid lost wakeups.
	c.recvMu.Lock()
	hasData := len(c.recvQueue) > 0
	c.recvMu.Unlock()
	if hasData {
		return nil
	}

	select {
	case <-c.recvNotify:
		return nil
	case <-c.remoteFinCh:
		// Drain any entries that raced in before the FIN.
		c.recvMu.Lock()
		hasData := len(c.recvQueue) > 0
		c.recvMu.Unlock()
		if hasData {
			return nil
		}
		return io.EOF
	case <-c.closed:
		c.recvMu.Lock()
		hasData := len(c.recvQueue) > 0
		c.recvMu.Unlock()
		if hasData {
			return nil
		}
		return io.EOF
	case <-deadlineCh:
		return os.ErrDeadlineExceeded
	}
}

// ============================================================================
// Send path
// ============================================================================

// Write fragments p into bounded DATA frames, blocking for window
// credit as needed. This is the sole backpressure mechanism: when the
// peer stops reading, Write stalls within one window's worth of data.
func (c *Channel) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if !c.canWrite() {
			return total, ErrChannelClosed
		}

		chunk := len(p)
		if chunk > protocol.MaxPayloadSize {
			chunk = protocol.MaxPayloadSize
		}

		n, err := c.writeFrameWindowed(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}

// WriteDatagram sends p as exactly one DATA frame, never coalesced or
// split, so the remote side reproduces the datagram boundary.
func (c *Channel) WriteDatagram(p []byte) error {
	if len(p) > protocol.MaxPayloadSize {
		return ErrDatagramTooLarge
	}
	if !c.canWrite() {
		return ErrChannelClosed
	}
	_, err := c.writeFrameWindowed(p)
	return err
}

// writeFrameWindowed acquires window credit for up to len(p) bytes and
// sends one DATA frame. It may send fewer bytes than requested when
// only partial credit is available.
func (c *Channel) writeFrameWindowed(p []byte) (int, error) {
	n, err := c.acquireWindow(len(p))
	if err != nil {
		return 0, err
	}

	c.sendMu.Lock()
	seq := c.seq
	c.seq++
	c.sendMu.Unlock()

	if err := c.sess.writeFrame(c.id, protocol.FrameData, seq, p[:n]); err != nil {
		return 0, err
	}
	c.bytesSent.Add(uint64(n))
	return n, nil
}

// acquireWindow blocks until at least one byte of credit is available
// and takes up to want bytes of it.
func (c *Channel) acquireWindow(want int) (int, error) {
	for {
		c.sendMu.Lock()
		if c.sendWindow > 0 {
			n := int64(want)
			if n > c.sendWindow {
				n = c.sendWindow
			}
			c.sendWindow -= n
			c.sendMu.Unlock()
			return int(n), nil
		}
		c.sendMu.Unlock()

		var deadlineCh <-chan time.Time
		if d := c.writeDeadline.Load(); d != nil && !d.IsZero() {
			remaining := time.Until(*d)
			if remaining <= 0 {
				return 0, ErrWindowStall
			}
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			deadlineCh = timer.C
		}

		select {
		case <-c.sendNotify:
		case <-c.closed:
			return 0, ErrChannelClosed
		case <-deadlineCh:
			return 0, ErrWindowStall
		}
	}
}

// handleWindowUpdate credits the send window.
func (c *Channel) handleWindowUpdate(increment uint32) {
	c.sendMu.Lock()
	c.sendWindow += int64(increment)
	c.sendMu.Unlock()

	select {
	case c.sendNotify <- struct{}{}:
	default:
	}
}

func (c *Channel) canWrite() bool {
	state := c.State()
	return state == StateOpen || state == StateHalfClosedRemote
}

// ============================================================================
// Close handling
// ============================================================================

// CloseWrite half-closes the channel: a CLOSE frame is emitted and no
// further Writes are accepted, but reading continues until the peer
// closes its direction. Mirrors TCP shutdown(SHUT_WR) so protocols
// with asymmetric shutdown keep working through a forward.
func (c *Channel) CloseWrite() error {
	if !c.localFin.CompareAndSwap(false, true) {
		return nil
	}

	switch c.State() {
	case StateOpen:
		c.state.Store(int32(StateHalfClosedLocal))
	case StateHalfClosedRemote:
		// Peer already finished; full close after our CLOSE is acked.
	}

	cl := protocol.Close{Reason: protocol.ReasonNone}
	return c.sess.writeFrame(c.id, protocol.FrameClose, 0, cl.Encode())
}

// CloseWithReason closes the channel, reporting reason to the peer.
func (c *Channel) CloseWithReason(reason uint16) error {
	if c.localFin.CompareAndSwap(false, true) && c.State() != StateClosed {
		cl := protocol.Close{Reason: reason}
		_ = c.sess.writeFrame(c.id, protocol.FrameClose, 0, cl.Encode())
	}
	c.destroy(reason)
	return nil
}

// Close closes the channel with no error reason.
func (c *Channel) Close() error {
	return c.CloseWithReason(protocol.ReasonNone)
}

// handleRemoteClose processes a CLOSE frame from the peer. The first
// CLOSE marks the remote direction finished; readers drain and get EOF.
// A CLOSE-ACK is always returned. If we had already sent our own CLOSE,
// the channel is fully removed.
func (c *Channel) handleRemoteClose(reason uint16) {
	c.remoteFin.Store(true)
	c.finOnce.Do(func() { close(c.remoteFinCh) })

	if reason != protocol.ReasonNone {
		c.closeReason.CompareAndSwap(0, uint32(reason))
	}

	_ = c.sess.writeFrame(c.id, protocol.FrameCloseAck, 0, nil)

	switch c.State() {
	case StateOpen:
		c.state.Store(int32(StateHalfClosedRemote))
	case StateHalfClosedLocal:
		c.sess.removeChannel(c.id)
		c.destroy(reason)
	}
}

// handleCloseAck finalizes removal after the peer acknowledged our
// CLOSE. A CLOSE-ACK for a half-close leaves the channel readable;
// full teardown happens once both directions have finished.
func (c *Channel) handleCloseAck() {
	if c.localFin.Load() && c.remoteFin.Load() {
		c.sess.removeChannel(c.id)
		c.destroy(uint16(c.closeReason.Load()))
	}
}

// destroy transitions to CLOSED and wakes all waiters exactly once.
func (c *Channel) destroy(reason uint16) {
	c.closeOnce.Do(func() {
		if reason != protocol.ReasonNone {
			c.closeReason.CompareAndSwap(0, uint32(reason))
		}
		c.state.Store(int32(StateClosed))
		close(c.closed)
	})
}

// ============================================================================
// net.Conn implementation
// ============================================================================

type channelAddr struct {
	id    uint32
	ctype uint8
}

func (a channelAddr) Network() string { return "edgewire" }
func (a channelAddr) String() string {
	return fmt.Sprintf("channel/%d/%s", a.id, protocol.ChannelTypeName(a.ctype))
}

// LocalAddr implements net.Conn.
func (c *Channel) LocalAddr() net.Addr { return channelAddr{c.id, c.ctype} }

// RemoteAddr implements net.Conn.
func (c *Channel) RemoteAddr() net.Addr { return channelAddr{c.id, c.ctype} }

// SetDeadline implements net.Conn.
func (c *Channel) SetDeadline(t time.Time) error {
	c.readDeadline.Store(&t)
	c.writeDeadline.Store(&t)
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *Channel) SetReadDeadline(t time.Time) error {
	c.readDeadline.Store(&t)
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *Channel) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Store(&t)
	return nil
}

// String returns a debug representation.
func (c *Channel) String() string {
	return fmt.Sprintf("Channel{id=%d, type=%s, state=%s}",
		c.id, protocol.ChannelTypeName(c.ctype), c.State())
}
