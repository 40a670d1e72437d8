// Package deploy implements the offline deployment queue: operators
// enqueue jobs whether or not the device is reachable, and a
// reconciler replays pending jobs in order whenever the device
// (re)connects, advancing only on acknowledgment.
package deploy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/edgewire/edgewire/internal/auth"
	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/metrics"
	"github.com/edgewire/edgewire/internal/store"
)

// Job actions carried in the stored spec envelope.
const (
	ActionApply  = "apply"
	ActionRemove = "remove"
)

// Spec is the stored job payload. Apply jobs carry the deployment
// manifest; remove jobs name the deployment they compensate.
type Spec struct {
	Action   string          `json:"action"`
	Name     string          `json:"name,omitempty"`
	Manifest json.RawMessage `json:"manifest,omitempty"`

	// Removes names the apply job this remove job compensates.
	Removes string `json:"removes,omitempty"`
}

// Queue persists deployment jobs. Enqueue always succeeds regardless
// of device connectivity; delivery is the reconciler's problem.
type Queue struct {
	store   store.Store
	sealer  *auth.Sealer
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewQueue creates a queue. sealer, when non-nil, encrypts job specs
// at rest.
func NewQueue(st store.Store, sealer *auth.Sealer, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Queue{store: st, sealer: sealer, metrics: m, log: logger}
}

// Enqueue stores an apply job for a device and returns it. The device
// does not need to be online.
func (q *Queue) Enqueue(ctx context.Context, deviceID, name string, manifest []byte) (*store.Job, error) {
	spec := Spec{Action: ActionApply, Name: name, Manifest: manifest}
	return q.push(ctx, deviceID, spec)
}

// Undeploy removes a deployment. A still-queued job is deleted before
// it ever reaches the device; a delivered or acked job gets a
// compensating remove job queued behind everything else.
func (q *Queue) Undeploy(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case store.JobQueued:
		if err := q.store.DeleteJob(ctx, jobID); err != nil {
			return nil, err
		}
		q.log.Info("queued job removed before delivery", logging.KeyJobID, jobID)
		return nil, nil
	case store.JobDelivered, store.JobAcked, store.JobFailed:
		spec, err := q.openSpec(job)
		if err != nil {
			return nil, err
		}
		comp := Spec{Action: ActionRemove, Name: spec.Name, Removes: job.ID}

		job.Status = store.JobSuperseded
		if err := q.store.PutJob(ctx, job); err != nil {
			return nil, err
		}
		return q.push(ctx, job.DeviceID, comp)
	default:
		return nil, fmt.Errorf("job %s is %s, cannot undeploy", jobID, job.Status)
	}
}

// Pending returns the jobs awaiting (re)delivery for a device, in
// creation order. Delivered-but-unacked jobs are included: a relay
// crash between delivery and the ack would otherwise strand them, and
// the device applier deduplicates by job id.
func (q *Queue) Pending(ctx context.Context, deviceID string) ([]*store.Job, error) {
	return q.store.ListJobsByDevice(ctx, deviceID, store.JobQueued, store.JobDelivered, store.JobFailed)
}

// Status returns one job.
func (q *Queue) Status(ctx context.Context, jobID string) (*store.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

func (q *Queue) push(ctx context.Context, deviceID string, spec Spec) (*store.Job, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode job spec: %w", err)
	}
	if q.sealer != nil {
		raw, err = q.sealer.Seal(raw)
		if err != nil {
			return nil, fmt.Errorf("seal job spec: %w", err)
		}
	}

	job := &store.Job{
		ID:       newJobID(),
		DeviceID: deviceID,
		Spec:     raw,
		Status:   store.JobQueued,
	}
	if err := q.store.PutJob(ctx, job); err != nil {
		return nil, err
	}

	q.metrics.RecordJobEnqueued()
	q.log.Info("job enqueued",
		logging.KeyJobID, job.ID,
		logging.KeyDeviceID, deviceID,
		"action", spec.Action)
	return job, nil
}

// openSpec decodes (and unseals, when sealed) a stored job spec.
func (q *Queue) openSpec(job *store.Job) (*Spec, error) {
	raw := job.Spec
	if q.sealer != nil {
		var err error
		raw, err = q.sealer.Open(raw)
		if err != nil {
			return nil, fmt.Errorf("unseal job %s: %w", job.ID, err)
		}
	}
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode job %s spec: %w", job.ID, err)
	}
	return &spec, nil
}

func newJobID() string {
	var b [6]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		panic(fmt.Sprintf("job id entropy: %v", err))
	}
	return "job-" + hex.EncodeToString(b[:])
}
