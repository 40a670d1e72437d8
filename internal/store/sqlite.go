package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Store on a single-file sqlite database. The pool
// is capped at one connection: sqlite is a file database and a single
// writer avoids lock contention.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id            TEXT PRIMARY KEY,
	org_id        TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	os            TEXT NOT NULL DEFAULT '',
	architecture  TEXT NOT NULL DEFAULT '',
	hostname      TEXT NOT NULL DEFAULT '',
	agent_version TEXT NOT NULL DEFAULT '',
	last_seen     INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_devices_org ON devices(org_id);

CREATE TABLE IF NOT EXISTS jobs (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	device_id  TEXT NOT NULL,
	spec       BLOB NOT NULL,
	status     TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_device ON jobs(device_id, seq);

CREATE TABLE IF NOT EXISTS audit_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	actor     TEXT NOT NULL,
	device_id TEXT NOT NULL,
	action    TEXT NOT NULL,
	target    TEXT NOT NULL DEFAULT '',
	result    TEXT NOT NULL,
	reason    TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_log(device_id, timestamp);
`

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ============================================================================
// Devices
// ============================================================================

// GetDevice returns the device record or ErrNotFound.
func (s *SQLite) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, status, os, architecture, hostname, agent_version,
		       last_seen, created_at, updated_at
		FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// PutDevice inserts or replaces a device record.
func (s *SQLite) PutDevice(ctx context.Context, d *Device) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, org_id, name, status, os, architecture, hostname,
		                     agent_version, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			org_id = excluded.org_id,
			name = excluded.name,
			status = excluded.status,
			os = excluded.os,
			architecture = excluded.architecture,
			hostname = excluded.hostname,
			agent_version = excluded.agent_version,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		d.ID, d.OrgID, d.Name, d.Status, d.OS, d.Architecture, d.Hostname,
		d.AgentVersion, d.LastSeen.UnixMilli(), d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

// ListDevices returns devices for an org (all orgs when orgID is empty),
// ordered by creation time.
func (s *SQLite) ListDevices(ctx context.Context, orgID string) ([]*Device, error) {
	query := `
		SELECT id, org_id, name, status, os, architecture, hostname, agent_version,
		       last_seen, created_at, updated_at
		FROM devices`
	args := []any{}
	if orgID != "" {
		query += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&d.ID, &d.OrgID, &d.Name, &d.Status, &d.OS, &d.Architecture,
		&d.Hostname, &d.AgentVersion, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.LastSeen = time.UnixMilli(lastSeen)
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	return &d, nil
}

// ============================================================================
// Jobs
// ============================================================================

// GetJob returns a job or ErrNotFound.
func (s *SQLite) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, spec, status, attempts, error, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// PutJob inserts or replaces a job record.
func (s *SQLite) PutJob(ctx context.Context, j *Job) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, device_id, spec, status, attempts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		j.ID, j.DeviceID, j.Spec, j.Status, j.Attempts, j.Error,
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

// DeleteJob removes a job record.
func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ListJobsByDevice returns a device's jobs in creation order, filtered
// by status when any are given. Ordering uses the insertion sequence:
// millisecond timestamps collide under back-to-back enqueues and job
// ids carry no order.
func (s *SQLite) ListJobsByDevice(ctx context.Context, deviceID string, statuses ...string) ([]*Job, error) {
	query := `
		SELECT id, device_id, spec, status, attempts, error, created_at, updated_at
		FROM jobs WHERE device_id = ?`
	args := []any{deviceID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var createdAt, updatedAt int64
	err := row.Scan(&j.ID, &j.DeviceID, &j.Spec, &j.Status, &j.Attempts, &j.Error,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	return &j, nil
}

// ============================================================================
// Audit
// ============================================================================

// AppendAudit appends one immutable audit entry.
func (s *SQLite) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, device_id, action, target, result, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Actor, e.DeviceID, e.Action, e.Target, e.Result, e.Reason, e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries for a device.
func (s *SQLite) ListAudit(ctx context.Context, deviceID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, device_id, action, target, result, reason, timestamp
		FROM audit_log WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Actor, &e.DeviceID, &e.Action, &e.Target,
			&e.Result, &e.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
