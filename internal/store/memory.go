package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Store used by tests and by relays running
// without a data directory. Not durable across restarts.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]*Device
	jobs    map[string]*Job
	jobSeq  map[string]int64
	nextSeq int64
	audit   []*AuditEntry
	auditID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*Device),
		jobs:    make(map[string]*Job),
		jobSeq:  make(map[string]int64),
	}
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// GetDevice implements DeviceStore.
func (m *Memory) GetDevice(_ context.Context, id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// PutDevice implements DeviceStore.
func (m *Memory) PutDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

// ListDevices implements DeviceStore.
func (m *Memory) ListDevices(_ context.Context, orgID string) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Device
	for _, d := range m.devices {
		if orgID != "" && d.OrgID != orgID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetJob implements JobStore.
func (m *Memory) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// PutJob implements JobStore.
func (m *Memory) PutJob(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if _, ok := m.jobSeq[j.ID]; !ok {
		m.nextSeq++
		m.jobSeq[j.ID] = m.nextSeq
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

// DeleteJob implements JobStore.
func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.jobSeq, id)
	return nil
}

// ListJobsByDevice implements JobStore.
func (m *Memory) ListJobsByDevice(_ context.Context, deviceID string, statuses ...string) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.DeviceID != deviceID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, j.Status) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	// Insertion sequence, not timestamp: jobs created in the same
	// instant must still list in creation order.
	sort.Slice(out, func(i, j int) bool {
		return m.jobSeq[out[i].ID] < m.jobSeq[out[j].ID]
	})
	return out, nil
}

func containsStatus(statuses []string, s string) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// AppendAudit implements AuditStore.
func (m *Memory) AppendAudit(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditID++
	cp := *e
	cp.ID = m.auditID
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	m.audit = append(m.audit, &cp)
	return nil
}

// ListAudit implements AuditStore.
func (m *Memory) ListAudit(_ context.Context, deviceID string, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if m.audit[i].DeviceID == deviceID {
			cp := *m.audit[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
