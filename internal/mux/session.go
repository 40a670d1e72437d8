package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/recovery"
)

// Side identifies which end of the transport connection a Session is.
// Channel ids are partitioned so the two sides never collide: the
// device side allocates odd ids, the relay side even ids.
type Side int

const (
	SideDevice Side = iota // odd channel ids
	SideRelay              // even channel ids
)

// Config contains session tuning parameters.
type Config struct {
	// Window is the initial per-direction flow-control window in bytes.
	Window uint32

	// KeepaliveInterval is the PING cadence on an idle connection.
	KeepaliveInterval time.Duration

	// KeepaliveMisses is the number of unanswered PINGs tolerated
	// before the session is torn down.
	KeepaliveMisses int

	// MaxProtocolErrors is the misbehavior threshold: past it the
	// connection is torn down rather than tolerating more bad frames.
	MaxProtocolErrors int

	// OpenTimeout bounds how long OpenChannel waits for an OPEN-ACK.
	OpenTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible session defaults.
func DefaultConfig() Config {
	return Config{
		Window:            protocol.DefaultWindow,
		KeepaliveInterval: 15 * time.Second,
		KeepaliveMisses:   3,
		MaxProtocolErrors: 16,
		OpenTimeout:       30 * time.Second,
	}
}

// OpenError is returned when the peer rejects an OPEN.
type OpenError struct {
	Reason  uint16
	Message string
}

func (e *OpenError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("channel open rejected: %s (%s)", e.Message, protocol.ReasonName(e.Reason))
	}
	return fmt.Sprintf("channel open rejected: %s", protocol.ReasonName(e.Reason))
}

// Reject describes a refused OPEN.
type Reject struct {
	Reason  uint16
	Message string
}

// OpenHandler decides whether to accept a remote OPEN. Returning a
// nil Reject accepts the channel; handle is then invoked on its own
// goroutine after the OPEN-ACK is on the wire. The handler may block
// (e.g. to dial the forward target); it runs outside the read loop.
type OpenHandler func(ch *Channel, channelType uint8, metadata []byte) (handle func(*Channel), reject *Reject)

// ErrSessionClosed is returned on operations against a closed session.
var ErrSessionClosed = errors.New("session closed")

// Session multiplexes channels over one transport connection. Exactly
// one goroutine (the read loop) demultiplexes incoming frames; writes
// are serialized by a mutex.
type Session struct {
	conn io.ReadWriteCloser
	side Side
	cfg  Config
	log  *slog.Logger

	writeMu sync.Mutex
	fw      *protocol.FrameWriter
	fr      *protocol.FrameReader

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32

	onOpen  OpenHandler
	onClose func(err error)
	onPong  func(rtt time.Duration)

	pingNonce   atomic.Uint64
	pingMisses  atomic.Int32
	pingSentAt  atomic.Int64 // unix nanos of last PING
	protoErrors atomic.Int32

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewSession creates a session over conn. The caller must Start it.
func NewSession(conn io.ReadWriteCloser, side Side, cfg Config) *Session {
	if cfg.Window == 0 {
		cfg.Window = protocol.DefaultWindow
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.MaxProtocolErrors == 0 {
		cfg.MaxProtocolErrors = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	first := uint32(2)
	if side == SideDevice {
		first = 1
	}

	return &Session{
		conn:     conn,
		side:     side,
		cfg:      cfg,
		log:      logger,
		fw:       protocol.NewFrameWriter(conn),
		fr:       protocol.NewFrameReader(conn),
		channels: make(map[uint32]*Channel),
		nextID:   first,
		closed:   make(chan struct{}),
	}
}

// SetOpenHandler installs the handler for remote OPEN frames. Without
// one, every incoming OPEN is rejected as unsupported.
func (s *Session) SetOpenHandler(h OpenHandler) { s.onOpen = h }

// SetCloseHandler installs a callback invoked once on session teardown.
func (s *Session) SetCloseHandler(f func(err error)) { s.onClose = f }

// SetPongHandler installs a callback invoked on each PONG with the RTT.
func (s *Session) SetPongHandler(f func(rtt time.Duration)) { s.onPong = f }

// Start launches the read loop and keepalive timer.
func (s *Session) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.log, "mux.Session.readLoop")
		s.readLoop()
	}()

	if s.cfg.KeepaliveInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer recovery.RecoverWithLog(s.log, "mux.Session.keepaliveLoop")
			s.keepaliveLoop()
		}()
	}
}

// Done returns a channel closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the teardown cause after Done is closed.
func (s *Session) Err() error { return s.closeErr }

// ChannelCount returns the number of open channels.
func (s *Session) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Channels returns a snapshot of open channels.
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	return out
}

// OpenChannel opens a new channel of the given type and blocks until
// the peer accepts or rejects it. Metadata is a JSON document whose
// shape depends on the channel type.
func (s *Session) OpenChannel(ctx context.Context, channelType uint8, metadata []byte) (*Channel, error) {
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID += 2
	ch := newChannel(id, channelType, s, s.cfg.Window)
	s.channels[id] = ch
	s.mu.Unlock()

	open := protocol.Open{ChannelType: channelType, Metadata: metadata}
	if err := s.writeFrame(id, protocol.FrameOpen, 0, open.Encode()); err != nil {
		s.removeChannel(id)
		ch.destroy(protocol.ReasonTransportLost)
		return nil, err
	}

	timer := time.NewTimer(s.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch.ackCh:
		if ack.Status != protocol.OpenAccepted {
			s.removeChannel(id)
			ch.destroy(ack.Reason)
			return nil, &OpenError{Reason: ack.Reason, Message: ack.Message}
		}
		ch.state.Store(int32(StateOpen))
		return ch, nil
	case <-ctx.Done():
		s.removeChannel(id)
		ch.destroy(protocol.ReasonCancelled)
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSessionClosed
	case <-timer.C:
		s.removeChannel(id)
		ch.destroy(protocol.ReasonInternalError)
		return nil, fmt.Errorf("channel open timeout after %s", s.cfg.OpenTimeout)
	}
}

// Close tears down the session and all channels.
func (s *Session) Close() error {
	s.teardown(nil)
	s.wg.Wait()
	return nil
}

// ============================================================================
// Internals
// ============================================================================

// writeFrame serializes one frame onto the transport. A write error is
// connection-fatal.
func (s *Session) writeFrame(channelID uint32, frameType uint8, sequence uint32, payload []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	err := s.fw.WriteFrame(channelID, frameType, sequence, payload)
	s.writeMu.Unlock()

	if err != nil {
		s.teardown(fmt.Errorf("transport write: %w", err))
	}
	return err
}

// readLoop owns all frame demultiplexing for the session.
func (s *Session) readLoop() {
	for {
		frame, err := s.fr.Read()
		if err != nil {
			s.teardown(fmt.Errorf("transport read: %w", err))
			return
		}

		if err := s.dispatch(frame); err != nil {
			s.log.Debug("protocol error",
				logging.KeyChannelID, frame.ChannelID,
				logging.KeyError, err)
			if s.protoErrors.Add(1) > int32(s.cfg.MaxProtocolErrors) {
				s.teardown(fmt.Errorf("misbehaving peer: %w", err))
				return
			}
		}

		select {
		case <-s.closed:
			return
		default:
		}
	}
}

// dispatch routes one frame. Returned errors are counted against the
// misbehavior threshold; they never tear the session down directly.
func (s *Session) dispatch(frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.FramePing:
		return s.handlePing(frame)
	case protocol.FramePong:
		return s.handlePong(frame)
	case protocol.FrameOpen:
		return s.handleOpen(frame)
	case protocol.FrameOpenAck:
		return s.handleOpenAck(frame)
	case protocol.FrameData:
		return s.handleData(frame)
	case protocol.FrameWindowUpdate:
		return s.handleWindowUpdate(frame)
	case protocol.FrameClose:
		return s.handleClose(frame)
	case protocol.FrameCloseAck:
		return s.handleCloseAck(frame)
	default:
		return fmt.Errorf("unknown frame type 0x%02x", frame.Type)
	}
}

func (s *Session) handlePing(frame *protocol.Frame) error {
	ping, err := protocol.DecodePing(frame.Payload)
	if err != nil {
		return err
	}
	return s.writeFrame(protocol.SessionChannelID, protocol.FramePong, 0, ping.Encode())
}

func (s *Session) handlePong(frame *protocol.Frame) error {
	pong, err := protocol.DecodePing(frame.Payload)
	if err != nil {
		return err
	}
	if pong.Nonce != s.pingNonce.Load() {
		// Stale pong; ignore but don't count as a miss.
		return nil
	}
	s.pingMisses.Store(0)
	if s.onPong != nil {
		rtt := time.Duration(time.Now().UnixNano() - s.pingSentAt.Load())
		s.onPong(rtt)
	}
	return nil
}

func (s *Session) handleOpen(frame *protocol.Frame) error {
	open, err := protocol.DecodeOpen(frame.Payload)
	if err != nil {
		return err
	}

	id := frame.ChannelID
	if !s.validRemoteID(id) {
		return fmt.Errorf("OPEN with wrong id parity: %d", id)
	}

	s.mu.Lock()
	if _, exists := s.channels[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("OPEN for existing channel %d", id)
	}
	ch := newChannel(id, open.ChannelType, s, s.cfg.Window)
	s.channels[id] = ch
	s.mu.Unlock()

	if !protocol.IsValidChannelType(open.ChannelType) {
		s.removeChannel(id)
		ch.destroy(protocol.ReasonUnsupportedType)
		s.sendOpenReject(id, protocol.ReasonUnsupportedType, "unknown channel type")
		return fmt.Errorf("OPEN with unknown channel type 0x%02x", open.ChannelType)
	}

	if s.onOpen == nil {
		s.removeChannel(id)
		ch.destroy(protocol.ReasonUnsupportedType)
		s.sendOpenReject(id, protocol.ReasonUnsupportedType, "no channel handler")
		return nil
	}

	// The accept decision may block (dialing the target, auth); run it
	// off the read loop so other channels keep flowing.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.log, "mux.Session.acceptChannel")
		s.acceptChannel(ch, open)
	}()

	return nil
}

func (s *Session) acceptChannel(ch *Channel, open *protocol.Open) {
	handle, reject := s.onOpen(ch, open.ChannelType, open.Metadata)
	if reject != nil {
		s.removeChannel(ch.id)
		ch.destroy(reject.Reason)
		s.sendOpenReject(ch.id, reject.Reason, reject.Message)
		return
	}

	ack := protocol.OpenAck{Status: protocol.OpenAccepted}
	if err := s.writeFrame(ch.id, protocol.FrameOpenAck, 0, ack.Encode()); err != nil {
		return
	}
	ch.state.Store(int32(StateOpen))

	if handle != nil {
		handle(ch)
	}
}

func (s *Session) sendOpenReject(id uint32, reason uint16, message string) {
	ack := protocol.OpenAck{Status: protocol.OpenRejected, Reason: reason, Message: message}
	_ = s.writeFrame(id, protocol.FrameOpenAck, 0, ack.Encode())
}

func (s *Session) handleOpenAck(frame *protocol.Frame) error {
	ack, err := protocol.DecodeOpenAck(frame.Payload)
	if err != nil {
		return err
	}

	ch := s.getChannel(frame.ChannelID)
	if ch == nil {
		return fmt.Errorf("OPEN_ACK for unknown channel %d", frame.ChannelID)
	}
	if ch.State() != StateOpening {
		return fmt.Errorf("OPEN_ACK for channel %d in state %s", ch.id, ch.State())
	}

	// The peer may put DATA on the wire right behind its OPEN-ACK, and
	// the read loop dispatches that frame before the opener goroutine
	// runs. The channel must leave StateOpening here, not in
	// OpenChannel.
	if ack.Status == protocol.OpenAccepted {
		ch.state.Store(int32(StateOpen))
	}

	select {
	case ch.ackCh <- ack:
	default:
	}
	return nil
}

func (s *Session) handleData(frame *protocol.Frame) error {
	ch := s.getChannel(frame.ChannelID)
	if ch == nil {
		return fmt.Errorf("DATA for unknown channel %d", frame.ChannelID)
	}

	// OPEN-ACK must arrive before any DATA is accepted for a channel.
	if ch.State() == StateOpening {
		return fmt.Errorf("DATA before OPEN_ACK on channel %d", ch.id)
	}

	if frame.Sequence != ch.expectSeq {
		// Out-of-sequence data closes only the owning channel.
		s.removeChannel(ch.id)
		ch.CloseWithReason(protocol.ReasonProtocolError)
		return fmt.Errorf("channel %d sequence gap: got %d, want %d", ch.id, frame.Sequence, ch.expectSeq)
	}
	ch.expectSeq++

	if err := ch.pushData(frame.Payload); err != nil {
		s.removeChannel(ch.id)
		ch.CloseWithReason(protocol.ReasonProtocolError)
		return err
	}
	return nil
}

func (s *Session) handleWindowUpdate(frame *protocol.Frame) error {
	upd, err := protocol.DecodeWindowUpdate(frame.Payload)
	if err != nil {
		return err
	}

	ch := s.getChannel(frame.ChannelID)
	if ch == nil {
		return fmt.Errorf("WINDOW_UPDATE for unknown channel %d", frame.ChannelID)
	}
	ch.handleWindowUpdate(upd.Increment)
	return nil
}

func (s *Session) handleClose(frame *protocol.Frame) error {
	cl, err := protocol.DecodeClose(frame.Payload)
	if err != nil {
		return err
	}

	ch := s.getChannel(frame.ChannelID)
	if ch == nil {
		// CLOSE for a channel we already removed is benign.
		_ = s.writeFrame(frame.ChannelID, protocol.FrameCloseAck, 0, nil)
		return nil
	}
	ch.handleRemoteClose(cl.Reason)
	return nil
}

func (s *Session) handleCloseAck(frame *protocol.Frame) error {
	ch := s.getChannel(frame.ChannelID)
	if ch == nil {
		return nil
	}
	ch.handleCloseAck()
	return nil
}

// validRemoteID checks id parity: each side may only open ids from its
// own partition.
func (s *Session) validRemoteID(id uint32) bool {
	if id == protocol.SessionChannelID {
		return false
	}
	if s.side == SideRelay {
		return id%2 == 1 // device opens odd ids
	}
	return id%2 == 0 // relay opens even ids
}

func (s *Session) getChannel(id uint32) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

func (s *Session) removeChannel(id uint32) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

// keepaliveLoop sends PINGs on an idle cadence and tears the session
// down after the configured number of misses.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if int(s.pingMisses.Add(1)) > s.cfg.KeepaliveMisses {
				s.teardown(fmt.Errorf("keepalive: %d pings unanswered", s.cfg.KeepaliveMisses))
				return
			}
			ping := protocol.Ping{Nonce: s.pingNonce.Add(1)}
			s.pingSentAt.Store(time.Now().UnixNano())
			if err := s.writeFrame(protocol.SessionChannelID, protocol.FramePing, 0, ping.Encode()); err != nil {
				return
			}
		}
	}
}

// teardown closes the transport and force-closes every channel with
// reason transport-lost. Idempotent.
func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
		s.conn.Close()

		s.mu.Lock()
		channels := make([]*Channel, 0, len(s.channels))
		for _, c := range s.channels {
			channels = append(channels, c)
		}
		s.channels = make(map[uint32]*Channel)
		s.mu.Unlock()

		for _, c := range channels {
			c.destroy(protocol.ReasonTransportLost)
		}

		if s.onClose != nil {
			s.onClose(err)
		}

		if err != nil {
			s.log.Debug("session torn down", logging.KeyError, err)
		}
	})
}
