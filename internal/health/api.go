package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/edgewire/edgewire/internal/identity"
	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/store"
	"github.com/edgewire/edgewire/internal/webui"
)

// DeviceView is the admin API projection of a device record.
type DeviceView struct {
	store.Device
	ShortID string `json:"short_id"`
	Online  bool   `json:"online"`
}

// DeployRequest enqueues a deployment job for a device.
type DeployRequest struct {
	DeviceID string          `json:"device_id"`
	Name     string          `json:"name"`
	Manifest json.RawMessage `json:"manifest"`
}

func (s *Server) deviceView(d *store.Device) DeviceView {
	view := DeviceView{Device: *d, Online: s.deps.Registry.Lookup(d.ID) != nil}
	if id, err := identity.ParseDeviceID(d.ID); err == nil {
		view.ShortID = id.ShortID()
	}
	return view
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	orgID := identityFrom(r.Context()).OrgID
	devices, err := s.deps.Store.ListDevices(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list devices: %v", err)
		return
	}
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.deviceView(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Store.GetDevice(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get device: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, s.deviceView(d))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Store.GetDevice(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get device: %v", err)
		return
	}

	switch d.Status {
	case store.StatusPending:
		d.Status = store.StatusApproved
		if err := s.deps.Store.PutDevice(r.Context(), d); err != nil {
			writeError(w, http.StatusInternalServerError, "persist device: %v", err)
			return
		}
		s.audit(r, d.ID, "approve")
		s.log.Info("device approved",
			logging.KeyDeviceID, d.ID,
			logging.KeyActor, identityFrom(r.Context()).Subject)
	case store.StatusApproved, store.StatusOnline, store.StatusOffline:
		// Already approved; idempotent.
	case store.StatusRejected:
		writeError(w, http.StatusConflict, "device is rejected")
		return
	}
	writeJSON(w, http.StatusOK, s.deviceView(d))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Store.GetDevice(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get device: %v", err)
		return
	}

	d.Status = store.StatusRejected
	if err := s.deps.Store.PutDevice(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "persist device: %v", err)
		return
	}
	s.audit(r, d.ID, "reject")

	// An active session of a rejected device is torn down immediately.
	if ds := s.deps.Registry.Lookup(d.ID); ds != nil {
		ds.Session.Close()
	}

	s.log.Info("device rejected",
		logging.KeyDeviceID, d.ID,
		logging.KeyActor, identityFrom(r.Context()).Subject)
	writeJSON(w, http.StatusOK, s.deviceView(d))
}

func (s *Server) handleDeviceJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListJobsByDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list jobs: %v", err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleDeviceAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.deps.Store.ListAudit(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list audit: %v", err)
		return
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: %v", err)
		return
	}
	if req.DeviceID == "" || len(req.Manifest) == 0 {
		writeError(w, http.StatusBadRequest, "device_id and manifest are required")
		return
	}
	if _, err := s.deps.Store.GetDevice(r.Context(), req.DeviceID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}

	job, err := s.deps.Queue.Enqueue(r.Context(), req.DeviceID, req.Name, req.Manifest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue: %v", err)
		return
	}
	s.audit(r, req.DeviceID, "deploy")
	s.notify(req.DeviceID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get job: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	orig, err := s.deps.Queue.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get job: %v", err)
		return
	}

	job, err := s.deps.Queue.Undeploy(r.Context(), orig.ID)
	if err != nil {
		writeError(w, http.StatusConflict, "undeploy: %v", err)
		return
	}
	s.audit(r, orig.DeviceID, "undeploy")

	// A still-queued job is cancelled outright; no compensating job.
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	s.notify(orig.DeviceID)
	writeJSON(w, http.StatusAccepted, job)
}

// notify pokes the deploy notifier so online devices receive fresh
// jobs without waiting for a reconnect.
func (s *Server) notify(deviceID string) {
	if s.deps.Notify != nil {
		s.deps.Notify(deviceID)
	}
}

// statusSnapshot feeds the status page from the store and registry.
func (s *Server) statusSnapshot(ctx context.Context) (webui.Snapshot, error) {
	devices, err := s.deps.Store.ListDevices(ctx, "")
	if err != nil {
		return webui.Snapshot{}, err
	}

	snap := webui.Snapshot{Total: len(devices), GeneratedAt: time.Now()}
	for _, d := range devices {
		online := s.deps.Registry.Lookup(d.ID) != nil
		if online {
			snap.Online++
		}
		id := d.ID
		if parsed, err := identity.ParseDeviceID(d.ID); err == nil {
			id = parsed.ShortID()
		}
		snap.Devices = append(snap.Devices, webui.Device{
			ID:       id,
			Name:     d.Name,
			Status:   d.Status,
			Online:   online,
			OS:       d.OS,
			Arch:     d.Architecture,
			LastSeen: d.LastSeen,
		})
	}
	return snap, nil
}

func (s *Server) audit(r *http.Request, deviceID, action string) {
	entry := &store.AuditEntry{
		Actor:     identityFrom(r.Context()).Subject,
		DeviceID:  deviceID,
		Action:    action,
		Result:    store.ResultAllow,
		Timestamp: time.Now(),
	}
	if err := s.deps.Store.AppendAudit(r.Context(), entry); err != nil {
		s.log.Warn("append audit entry", logging.KeyError, err)
	}
}
