// Package relay implements the rendezvous side of the tunnel: it
// accepts device and operator sessions, tracks which devices are
// online, and routes operator channels to the owning device session.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
)

// DeviceSession is one live device connection.
type DeviceSession struct {
	DeviceID    string
	ShortID     string
	OrgID       string
	Name        string
	Transport   string
	RemoteAddr  string
	ConnectedAt time.Time

	Session *mux.Session
}

// StatusEvent announces a device session coming up or going away.
type StatusEvent struct {
	DeviceID string
	OrgID    string
	Online   bool
}

// Registry is the authoritative map from device id to live session.
// At most one session per device: a newer registration displaces the
// old one (last writer wins).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*DeviceSession
	watchers []func(StatusEvent)
	log      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		sessions: make(map[string]*DeviceSession),
		log:      logger,
	}
}

// Watch registers a callback for device status events. Callbacks run
// synchronously on the registering goroutine and must not block.
func (r *Registry) Watch(f func(StatusEvent)) {
	r.mu.Lock()
	r.watchers = append(r.watchers, f)
	r.mu.Unlock()
}

// Register installs a device session. If the device already has a live
// session, the old one is torn down with reason session-replaced and
// the new one wins.
func (r *Registry) Register(ds *DeviceSession) (replaced bool) {
	r.mu.Lock()
	old := r.sessions[ds.DeviceID]
	r.sessions[ds.DeviceID] = ds
	watchers := r.watchers
	r.mu.Unlock()

	if old != nil {
		r.log.Info("device session replaced",
			logging.KeyDeviceID, ds.DeviceID,
			logging.KeyRemoteAddr, old.RemoteAddr)
		for _, ch := range old.Session.Channels() {
			ch.CloseWithReason(protocol.ReasonSessionReplaced)
		}
		old.Session.Close()
	}

	for _, f := range watchers {
		f(StatusEvent{DeviceID: ds.DeviceID, OrgID: ds.OrgID, Online: true})
	}
	return old != nil
}

// Lookup returns the live session for a device, or nil when offline.
func (r *Registry) Lookup(deviceID string) *DeviceSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[deviceID]
}

// Remove drops a device session, but only if it is still the current
// one. A session displaced by Register must not remove its successor.
func (r *Registry) Remove(ds *DeviceSession) {
	r.mu.Lock()
	current, ok := r.sessions[ds.DeviceID]
	if !ok || current != ds {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, ds.DeviceID)
	watchers := r.watchers
	r.mu.Unlock()

	for _, f := range watchers {
		f(StatusEvent{DeviceID: ds.DeviceID, OrgID: ds.OrgID, Online: false})
	}
}

// Online returns a snapshot of live device sessions.
func (r *Registry) Online() []*DeviceSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DeviceSession, 0, len(r.sessions))
	for _, ds := range r.sessions {
		out = append(out, ds)
	}
	return out
}

// Count returns the number of live device sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
