// Package store provides persistent storage for devices, deployment
// jobs, and audit entries. The rest of the system depends only on the
// CRUD interfaces here, not on the storage engine.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Device lifecycle statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusRejected = "rejected"
)

// Device is the persistent device record. Devices are created on first
// registration attempt and never deleted, only deactivated via reject.
type Device struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Hostname     string    `json:"hostname"`
	AgentVersion string    `json:"agent_version"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Deployment job statuses.
const (
	JobQueued     = "queued"
	JobDelivered  = "delivered"
	JobAcked      = "acked"
	JobFailed     = "failed"
	JobSuperseded = "superseded"
)

// Job is a durable, device-scoped unit of deferred work delivered on
// reconnect.
type Job struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Spec      []byte    `json:"spec"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry is an immutable record of an authorization decision or
// operator action. Append-only, never mutated.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	DeviceID  string    `json:"device_id"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit results.
const (
	ResultAllow = "allow"
	ResultDeny  = "deny"
)

// DeviceStore persists device records.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	PutDevice(ctx context.Context, d *Device) error
	ListDevices(ctx context.Context, orgID string) ([]*Device, error)
}

// JobStore persists deployment jobs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	PutJob(ctx context.Context, j *Job) error
	DeleteJob(ctx context.Context, id string) error

	// ListJobsByDevice returns jobs for a device in creation order,
	// optionally filtered by status (empty = all).
	ListJobsByDevice(ctx context.Context, deviceID string, statuses ...string) ([]*Job, error)
}

// AuditStore appends immutable audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, deviceID string, limit int) ([]*AuditEntry, error)
}

// Store combines all persistence concerns.
type Store interface {
	DeviceStore
	JobStore
	AuditStore
	Close() error
}
