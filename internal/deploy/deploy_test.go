package deploy

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/edgewire/edgewire/internal/auth"
	"github.com/edgewire/edgewire/internal/metrics"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

const testDevice = "dev-1"

func newQueue(t *testing.T, sealer *auth.Sealer) (*Queue, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return NewQueue(mem, sealer, m, nil), mem
}

// recordingApplier wraps an Applier whose ApplyFunc records every
// applied job in order.
type recordingApplier struct {
	*Applier
	mu      sync.Mutex
	order   []string
	failIDs map[string]bool
}

func newRecordingApplier(t *testing.T) *recordingApplier {
	t.Helper()
	a, err := NewApplier(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewApplier: %v", err)
	}
	ra := &recordingApplier{Applier: a, failIDs: make(map[string]bool)}
	a.SetApplyFunc(func(jobID string, spec *Spec) error {
		ra.mu.Lock()
		defer ra.mu.Unlock()
		if ra.failIDs[jobID] {
			return errContrived
		}
		ra.order = append(ra.order, jobID)
		return nil
	})
	return ra
}

var errContrived = errors.New("contrived apply failure")

func (ra *recordingApplier) appliedOrder() []string {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	out := make([]string, len(ra.order))
	copy(out, ra.order)
	return out
}

// sessionPair wires a relay-side session to a device-side session that
// serves deploy channels with the applier.
func sessionPair(t *testing.T, a *Applier) *mux.Session {
	t.Helper()
	relayConn, devConn := net.Pipe()

	dev := mux.NewSession(devConn, mux.SideDevice, mux.Config{KeepaliveInterval: 0})
	dev.SetOpenHandler(func(ch *mux.Channel, channelType uint8, metadata []byte) (func(*mux.Channel), *mux.Reject) {
		if channelType != protocol.ChannelDeploy {
			return nil, &mux.Reject{Reason: protocol.ReasonUnsupportedType}
		}
		return a.HandleChannel, nil
	})
	dev.Start()

	relay := mux.NewSession(relayConn, mux.SideRelay, mux.Config{KeepaliveInterval: 0})
	relay.Start()

	t.Cleanup(func() {
		relay.Close()
		dev.Close()
	})
	return relay
}

func enqueueN(t *testing.T, q *Queue, names ...string) []*store.Job {
	t.Helper()
	ctx := context.Background()
	jobs := make([]*store.Job, 0, len(names))
	for _, name := range names {
		j, err := q.Enqueue(ctx, testDevice, name, []byte(`{"image":"app:v1"}`))
		if err != nil {
			t.Fatalf("Enqueue(%s): %v", name, err)
		}
		jobs = append(jobs, j)
		time.Sleep(2 * time.Millisecond) // distinct creation times
	}
	return jobs
}

func TestEnqueueWhileOffline(t *testing.T) {
	q, _ := newQueue(t, nil)
	jobs := enqueueN(t, q, "web", "db", "cache")

	pending, err := q.Pending(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d jobs, want 3", len(pending))
	}
	for i, j := range jobs {
		if pending[i].ID != j.ID {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, j.ID)
		}
		if pending[i].Status != store.JobQueued {
			t.Errorf("status = %s, want queued", pending[i].Status)
		}
	}
}

func TestReplayDeliversInOrder(t *testing.T) {
	q, _ := newQueue(t, nil)
	jobs := enqueueN(t, q, "first", "second", "third")

	ra := newRecordingApplier(t)
	relay := sessionPair(t, ra.Applier)
	rec := NewReconciler(q, ReconcilerConfig{
		Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})

	if err := rec.Replay(context.Background(), testDevice, relay); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	got := ra.appliedOrder()
	if len(got) != 3 {
		t.Fatalf("applied %d jobs, want 3", len(got))
	}
	for i, j := range jobs {
		if got[i] != j.ID {
			t.Errorf("applied[%d] = %s, want %s", i, got[i], j.ID)
		}
		final, err := q.Status(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if final.Status != store.JobAcked {
			t.Errorf("job %s status = %s, want acked", j.ID, final.Status)
		}
		if final.Attempts != 1 {
			t.Errorf("job %s attempts = %d, want 1", j.ID, final.Attempts)
		}
	}

	// Nothing left to replay.
	pending, _ := q.Pending(context.Background(), testDevice)
	if len(pending) != 0 {
		t.Errorf("pending after replay = %d, want 0", len(pending))
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	q, mem := newQueue(t, nil)
	jobs := enqueueN(t, q, "web")

	ra := newRecordingApplier(t)
	relay := sessionPair(t, ra.Applier)
	rec := NewReconciler(q, ReconcilerConfig{
		Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	ctx := context.Background()

	if err := rec.Replay(ctx, testDevice, relay); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	// Simulate a lost ack: requeue the job and replay again.
	j, _ := mem.GetJob(ctx, jobs[0].ID)
	j.Status = store.JobQueued
	if err := mem.PutJob(ctx, j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	if err := rec.Replay(ctx, testDevice, relay); err != nil {
		t.Fatalf("second Replay: %v", err)
	}

	// Device re-acked without reapplying.
	if n := len(ra.appliedOrder()); n != 1 {
		t.Errorf("apply count = %d, want 1", n)
	}
	final, _ := q.Status(ctx, jobs[0].ID)
	if final.Status != store.JobAcked {
		t.Errorf("status = %s, want acked", final.Status)
	}
}

func TestNackMarksFailedAndContinues(t *testing.T) {
	q, _ := newQueue(t, nil)
	jobs := enqueueN(t, q, "bad", "good")

	ra := newRecordingApplier(t)
	ra.failIDs[jobs[0].ID] = true
	relay := sessionPair(t, ra.Applier)
	rec := NewReconciler(q, ReconcilerConfig{
		Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	ctx := context.Background()

	if err := rec.Replay(ctx, testDevice, relay); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	failed, _ := q.Status(ctx, jobs[0].ID)
	if failed.Status != store.JobFailed {
		t.Errorf("failed job status = %s, want failed", failed.Status)
	}
	if failed.Error != errContrived.Error() {
		t.Errorf("failed job error = %q", failed.Error)
	}

	// The rejection of one job must not block the next.
	ok, _ := q.Status(ctx, jobs[1].ID)
	if ok.Status != store.JobAcked {
		t.Errorf("second job status = %s, want acked", ok.Status)
	}
}

// A crash between delivery and the ack leaves a job in delivered with
// no ack recorded. The next replay must pick it up again instead of
// stranding it.
func TestStrandedDeliveredJobReplays(t *testing.T) {
	q, mem := newQueue(t, nil)
	jobs := enqueueN(t, q, "web")
	ctx := context.Background()

	j, _ := mem.GetJob(ctx, jobs[0].ID)
	j.Status = store.JobDelivered
	j.Attempts = 1
	if err := mem.PutJob(ctx, j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	ra := newRecordingApplier(t)
	relay := sessionPair(t, ra.Applier)
	rec := NewReconciler(q, ReconcilerConfig{
		Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})

	if err := rec.Replay(ctx, testDevice, relay); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	final, _ := q.Status(ctx, jobs[0].ID)
	if final.Status != store.JobAcked {
		t.Errorf("status = %s, want acked", final.Status)
	}
	if final.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", final.Attempts)
	}
	if n := len(ra.appliedOrder()); n != 1 {
		t.Errorf("apply count = %d, want 1", n)
	}
}

func TestMaxAttemptsExhausted(t *testing.T) {
	q, mem := newQueue(t, nil)
	jobs := enqueueN(t, q, "flaky")
	ctx := context.Background()

	j, _ := mem.GetJob(ctx, jobs[0].ID)
	j.Status = store.JobFailed
	j.Attempts = 3
	if err := mem.PutJob(ctx, j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	ra := newRecordingApplier(t)
	relay := sessionPair(t, ra.Applier)
	rec := NewReconciler(q, ReconcilerConfig{
		MaxAttempts: 3,
		Metrics:     metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})

	if err := rec.Replay(ctx, testDevice, relay); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n := len(ra.appliedOrder()); n != 0 {
		t.Errorf("exhausted job was redelivered %d times", n)
	}
}

func TestUndeployQueuedJobIsDeleted(t *testing.T) {
	q, _ := newQueue(t, nil)
	jobs := enqueueN(t, q, "web")
	ctx := context.Background()

	comp, err := q.Undeploy(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	if comp != nil {
		t.Errorf("queued undeploy created compensating job %s", comp.ID)
	}
	if _, err := q.Status(ctx, jobs[0].ID); err != store.ErrNotFound {
		t.Errorf("job still present after undeploy: err = %v", err)
	}
}

func TestUndeployAckedJobCompensates(t *testing.T) {
	q, mem := newQueue(t, nil)
	jobs := enqueueN(t, q, "web")
	ctx := context.Background()

	j, _ := mem.GetJob(ctx, jobs[0].ID)
	j.Status = store.JobAcked
	if err := mem.PutJob(ctx, j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	comp, err := q.Undeploy(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	if comp == nil {
		t.Fatal("no compensating job created")
	}

	spec, err := q.openSpec(comp)
	if err != nil {
		t.Fatalf("openSpec: %v", err)
	}
	if spec.Action != ActionRemove || spec.Removes != jobs[0].ID || spec.Name != "web" {
		t.Errorf("compensating spec = %+v", spec)
	}

	orig, _ := q.Status(ctx, jobs[0].ID)
	if orig.Status != store.JobSuperseded {
		t.Errorf("original status = %s, want superseded", orig.Status)
	}
}

func TestSealedSpecsAtRest(t *testing.T) {
	sealer, err := auth.NewSealer("relay-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	q, mem := newQueue(t, sealer)

	manifest := []byte(`{"image":"registry.example.com/app:v3","env":{"KEY":"hunter2"}}`)
	job, err := q.Enqueue(context.Background(), testDevice, "web", manifest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stored, _ := mem.GetJob(context.Background(), job.ID)
	if bytes.Contains(stored.Spec, []byte("hunter2")) {
		t.Error("stored spec leaks plaintext secret")
	}

	// Replay still delivers the plaintext manifest.
	var delivered []byte
	a, err := NewApplier(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewApplier: %v", err)
	}
	a.SetApplyFunc(func(jobID string, spec *Spec) error {
		delivered = spec.Manifest
		return nil
	})
	relay := sessionPair(t, a)
	rec := NewReconciler(q, ReconcilerConfig{
		Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	if err := rec.Replay(context.Background(), testDevice, relay); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !bytes.Equal(delivered, manifest) {
		t.Errorf("delivered manifest = %s", delivered)
	}
}
