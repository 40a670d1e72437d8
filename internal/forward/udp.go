package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/recovery"
)

// DefaultUDPIdleTimeout is how long a datagram flow may stay silent
// before its channel is reclaimed.
const DefaultUDPIdleTimeout = 60 * time.Second

// maxDatagramSize bounds local reads. Larger datagrams than the
// channel payload limit cannot cross the tunnel anyway.
const maxDatagramSize = protocol.MaxPayloadSize

// UDPListenerConfig holds operator-side UDP listener configuration.
type UDPListenerConfig struct {
	DeviceID string
	Rule     Rule
	BindAddr string

	// IdleTimeout reclaims flows with no traffic in either direction.
	IdleTimeout time.Duration

	Logger *slog.Logger
}

// udpFlow is the per-source-endpoint state: one tunnel channel per
// local peer address, so datagram boundaries and reply routing are
// preserved end to end.
type udpFlow struct {
	addr       net.Addr
	ch         *mux.Channel
	lastActive atomic.Int64 // unix nanos
}

func (f *udpFlow) touch() { f.lastActive.Store(time.Now().UnixNano()) }

func (f *udpFlow) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, f.lastActive.Load()))
}

// UDPListener binds a local UDP port and maps each source endpoint to
// its own tunnel channel.
type UDPListener struct {
	cfg    UDPListenerConfig
	opener ChannelOpener
	pc     net.PacketConn
	logger *slog.Logger

	mu    sync.Mutex
	flows map[string]*udpFlow

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewUDPListener creates an operator-side UDP forward listener.
func NewUDPListener(cfg UDPListenerConfig, opener ChannelOpener) *UDPListener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1"
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultUDPIdleTimeout
	}

	return &UDPListener{
		cfg:    cfg,
		opener: opener,
		logger: logger,
		flows:  make(map[string]*udpFlow),
		stopCh: make(chan struct{}),
	}
}

// Start binds the local port and begins reading datagrams.
func (l *UDPListener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	addr := net.JoinHostPort(l.cfg.BindAddr, fmt.Sprint(l.cfg.Rule.LocalPort))
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	l.pc = pc
	l.running.Store(true)

	l.wg.Add(2)
	go l.readLoop()
	go l.gcLoop()

	l.logger.Info("udp forward listener started",
		logging.KeyTarget, l.cfg.Rule.Target(),
		logging.KeyLocalAddr, pc.LocalAddr().String())

	return nil
}

// Stop closes the socket and all flows.
func (l *UDPListener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.pc != nil {
			err = l.pc.Close()
		}

		l.mu.Lock()
		for key, f := range l.flows {
			f.ch.Close()
			delete(l.flows, key)
		}
		l.mu.Unlock()

		l.logger.Info("udp forward listener stopped",
			logging.KeyTarget, l.cfg.Rule.Target())
	})

	l.wg.Wait()
	return err
}

// Address returns the listening address.
func (l *UDPListener) Address() net.Addr {
	if l.pc == nil {
		return nil
	}
	return l.pc.LocalAddr()
}

// FlowCount returns the number of live flows.
func (l *UDPListener) FlowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.flows)
}

func (l *UDPListener) readLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.UDPListener.readLoop")

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.stopCh:
			default:
				l.logger.Debug("udp read error", logging.KeyError, err)
			}
			return
		}

		flow, err := l.flowFor(addr)
		if err != nil {
			l.logger.Warn("udp flow open failed",
				logging.KeyRemoteAddr, addr.String(),
				logging.KeyError, err)
			continue
		}

		dgram := make([]byte, n)
		copy(dgram, buf[:n])
		if err := flow.ch.WriteDatagram(dgram); err != nil {
			l.dropFlow(addr.String())
			continue
		}
		flow.touch()
	}
}

// flowFor returns the flow for a source endpoint, opening a channel on
// first sight.
func (l *UDPListener) flowFor(addr net.Addr) (*udpFlow, error) {
	key := addr.String()

	l.mu.Lock()
	if f, ok := l.flows[key]; ok {
		l.mu.Unlock()
		return f, nil
	}
	l.mu.Unlock()

	meta, err := encodeForwardEnvelope(l.cfg.DeviceID, l.cfg.Rule)
	if err != nil {
		return nil, err
	}
	ch, err := l.opener.OpenChannel(context.Background(), protocol.ChannelForwardUDP, meta)
	if err != nil {
		return nil, err
	}

	f := &udpFlow{addr: addr, ch: ch}
	f.touch()

	l.mu.Lock()
	l.flows[key] = f
	l.mu.Unlock()

	l.logger.Debug("udp flow opened",
		logging.KeyRemoteAddr, key,
		logging.KeyTarget, l.cfg.Rule.Target())

	l.wg.Add(1)
	go l.returnLoop(f, key)
	return f, nil
}

// returnLoop pumps reply datagrams from the channel back to the flow's
// source endpoint.
func (l *UDPListener) returnLoop(f *udpFlow, key string) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.UDPListener.returnLoop")

	for {
		dgram, err := f.ch.ReadDatagram()
		if err != nil {
			l.dropFlow(key)
			return
		}
		if _, err := l.pc.WriteTo(dgram, f.addr); err != nil {
			l.dropFlow(key)
			return
		}
		f.touch()
	}
}

func (l *UDPListener) dropFlow(key string) {
	l.mu.Lock()
	f, ok := l.flows[key]
	if ok {
		delete(l.flows, key)
	}
	l.mu.Unlock()
	if ok {
		f.ch.Close()
	}
}

// gcLoop reclaims idle flows.
func (l *UDPListener) gcLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			var stale []string
			l.mu.Lock()
			for key, f := range l.flows {
				if f.idleSince(now) > l.cfg.IdleTimeout {
					stale = append(stale, key)
				}
			}
			l.mu.Unlock()
			for _, key := range stale {
				l.logger.Debug("udp flow idle, reclaiming", logging.KeyRemoteAddr, key)
				l.dropFlow(key)
			}
		}
	}
}
