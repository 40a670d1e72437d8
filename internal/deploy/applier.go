package deploy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/recovery"
)

const appliedStateFile = "applied.json"

// ApplyFunc materializes one deployment spec on the device. The
// default writes manifests under the applier's directory; agents can
// install their own (compose up, service restart).
type ApplyFunc func(jobID string, spec *Spec) error

// Applier is the device side of the deploy channel. It applies each
// delivered job exactly once: job ids are recorded durably, and a
// redelivered job is acknowledged without reapplying.
type Applier struct {
	dir   string
	apply ApplyFunc
	log   *slog.Logger

	mu      sync.Mutex
	applied map[string]bool
}

// NewApplier creates an applier rooted at dir, loading the applied-job
// record from previous runs.
func NewApplier(dir string, logger *slog.Logger) (*Applier, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create deploy dir: %w", err)
	}

	a := &Applier{
		dir:     dir,
		log:     logger,
		applied: make(map[string]bool),
	}
	a.apply = a.applyToDisk

	data, err := os.ReadFile(filepath.Join(dir, appliedStateFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read applied state: %w", err)
	default:
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("decode applied state: %w", err)
		}
		for _, id := range ids {
			a.applied[id] = true
		}
	}
	return a, nil
}

// SetApplyFunc replaces the default manifest-to-disk behavior.
func (a *Applier) SetApplyFunc(f ApplyFunc) {
	if f != nil {
		a.apply = f
	}
}

// Applied reports whether a job id has already been applied.
func (a *Applier) Applied(jobID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied[jobID]
}

// HandleChannel serves one deploy channel: decode deliveries, apply,
// acknowledge. Runs until the channel closes.
func (a *Applier) HandleChannel(ch *mux.Channel) {
	defer recovery.RecoverWithLog(a.log, "deploy.Applier.HandleChannel")
	defer ch.Close()

	dec := json.NewDecoder(ch)
	enc := json.NewEncoder(ch)

	for {
		var d Delivery
		if err := dec.Decode(&d); err != nil {
			return
		}

		ack := Ack{JobID: d.JobID, OK: true}
		if err := a.applyOnce(d); err != nil {
			ack.OK = false
			ack.Error = err.Error()
			a.log.Warn("job apply failed",
				logging.KeyJobID, d.JobID,
				logging.KeyError, err)
		} else {
			a.log.Info("job applied", logging.KeyJobID, d.JobID)
		}

		if err := enc.Encode(ack); err != nil {
			return
		}
	}
}

// applyOnce applies a delivery unless its job id was already applied.
func (a *Applier) applyOnce(d Delivery) error {
	if d.Spec == nil {
		return fmt.Errorf("job %s has no spec", d.JobID)
	}

	a.mu.Lock()
	done := a.applied[d.JobID]
	a.mu.Unlock()
	if done {
		// Redelivery after a lost ack; confirm without reapplying.
		a.log.Debug("job already applied, re-acking", logging.KeyJobID, d.JobID)
		return nil
	}

	if err := a.apply(d.JobID, d.Spec); err != nil {
		return err
	}

	a.mu.Lock()
	a.applied[d.JobID] = true
	err := a.persistLocked()
	a.mu.Unlock()
	return err
}

// applyToDisk is the default ApplyFunc: manifests land as files under
// the applier directory.
func (a *Applier) applyToDisk(jobID string, spec *Spec) error {
	name := spec.Name
	if name == "" {
		name = jobID
	}
	// Confine manifests to the deploy dir.
	path := filepath.Join(a.dir, filepath.Base(name)+".json")

	switch spec.Action {
	case ActionApply:
		return os.WriteFile(path, spec.Manifest, 0o600)
	case ActionRemove:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown job action %q", spec.Action)
	}
}

func (a *Applier) persistLocked() error {
	ids := make([]string, 0, len(a.applied))
	for id := range a.applied {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	path := filepath.Join(a.dir, appliedStateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
