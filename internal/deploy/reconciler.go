package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/metrics"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/store"
)

// Delivery is one job pushed to the device over the deploy channel.
// Messages are newline-delimited JSON on the channel stream.
type Delivery struct {
	JobID string `json:"job_id"`
	Spec  *Spec  `json:"spec"`
}

// Ack is the device's response to a Delivery. The reconciler never
// advances past a job without one.
type Ack struct {
	JobID string `json:"job_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ChannelOpener opens channels on a device session.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, channelType uint8, metadata []byte) (*mux.Channel, error)
}

// ReconcilerConfig tunes replay behavior.
type ReconcilerConfig struct {
	// AckTimeout bounds the wait for each job acknowledgment.
	AckTimeout time.Duration

	// MaxAttempts gives up on a job after this many deliveries.
	MaxAttempts int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Reconciler replays pending jobs to a device after it registers.
type Reconciler struct {
	queue   *Queue
	cfg     ReconcilerConfig
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewReconciler creates a reconciler over the queue.
func NewReconciler(queue *Queue, cfg ReconcilerConfig) *Reconciler {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Reconciler{queue: queue, cfg: cfg, metrics: m, log: logger}
}

// Replay delivers every pending job for the device, oldest first, over
// one dedicated deploy channel. It stops at the first job whose ack
// never arrives; remaining jobs stay pending for the next reconnect.
func (r *Reconciler) Replay(ctx context.Context, deviceID string, opener ChannelOpener) error {
	jobs, err := r.queue.Pending(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	meta, err := protocol.EncodeMeta(protocol.DeployMeta{PendingJobs: len(jobs)})
	if err != nil {
		return err
	}
	ch, err := opener.OpenChannel(ctx, protocol.ChannelDeploy, meta)
	if err != nil {
		return fmt.Errorf("open deploy channel: %w", err)
	}
	defer ch.Close()

	r.log.Info("replaying pending jobs",
		logging.KeyDeviceID, deviceID,
		logging.KeyCount, len(jobs))

	enc := json.NewEncoder(ch)
	dec := json.NewDecoder(ch)

	for _, job := range jobs {
		if job.Attempts >= r.cfg.MaxAttempts {
			// Exhausted earlier; leave it failed rather than hammering
			// the device on every reconnect.
			continue
		}
		if err := r.deliver(ctx, job, enc, dec, ch); err != nil {
			return err
		}
	}
	return nil
}

// deliver pushes one job and waits for its ack.
func (r *Reconciler) deliver(ctx context.Context, job *store.Job, enc *json.Encoder, dec *json.Decoder, ch *mux.Channel) error {
	spec, err := r.queue.openSpec(job)
	if err != nil {
		// A spec that cannot be decoded will never apply; fail it so
		// it stops blocking the queue.
		job.Status = store.JobFailed
		job.Error = err.Error()
		_ = r.queue.store.PutJob(ctx, job)
		r.metrics.RecordJobFailed()
		return nil
	}

	job.Attempts++
	job.Status = store.JobDelivered
	job.Error = ""
	if err := r.queue.store.PutJob(ctx, job); err != nil {
		return err
	}

	if err := enc.Encode(Delivery{JobID: job.ID, Spec: spec}); err != nil {
		r.markFailed(ctx, job, fmt.Sprintf("send: %v", err))
		return fmt.Errorf("send job %s: %w", job.ID, err)
	}
	r.metrics.RecordJobDelivered()

	ch.SetReadDeadline(time.Now().Add(r.cfg.AckTimeout))
	var ack Ack
	if err := dec.Decode(&ack); err != nil {
		r.markFailed(ctx, job, fmt.Sprintf("ack not received: %v", err))
		return fmt.Errorf("await ack for job %s: %w", job.ID, err)
	}
	ch.SetReadDeadline(time.Time{})

	if ack.JobID != job.ID {
		r.markFailed(ctx, job, fmt.Sprintf("ack for wrong job %s", ack.JobID))
		return fmt.Errorf("ack mismatch: sent %s, got %s", job.ID, ack.JobID)
	}

	if !ack.OK {
		r.markFailed(ctx, job, ack.Error)
		r.log.Warn("job rejected by device",
			logging.KeyJobID, job.ID,
			logging.KeyError, ack.Error)
		return nil
	}

	job.Status = store.JobAcked
	if err := r.queue.store.PutJob(ctx, job); err != nil {
		return err
	}
	r.metrics.RecordJobAcked()
	r.log.Info("job acknowledged", logging.KeyJobID, job.ID)
	return nil
}

func (r *Reconciler) markFailed(ctx context.Context, job *store.Job, reason string) {
	job.Status = store.JobFailed
	job.Error = reason
	if err := r.queue.store.PutJob(ctx, job); err != nil {
		r.log.Error("persist failed job", logging.KeyJobID, job.ID, logging.KeyError, err)
	}
	r.metrics.RecordJobFailed()
}
