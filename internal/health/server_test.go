package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/edgewire/edgewire/internal/auth"
	"github.com/edgewire/edgewire/internal/deploy"
	"github.com/edgewire/edgewire/internal/relay"
	"github.com/edgewire/edgewire/internal/store"
)

const testToken = "operator-test-token"

func newTestServer(t *testing.T) (*Server, store.Store, *deploy.Queue) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	validator := auth.NewStaticValidator([]auth.StaticToken{
		{Subject: "alice", OrgID: "", TokenHash: string(hash)},
	})

	st := store.NewMemory()
	queue := deploy.NewQueue(st, nil, nil, nil)

	srv := NewServer(ServerConfig{
		Address:      "127.0.0.1:0",
		Metrics:      true,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, Deps{
		Store:     st,
		Registry:  relay.NewRegistry(nil),
		Queue:     queue,
		Validator: validator,
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, st, queue
}

func doRequest(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	base := "http://" + srv.Address()

	resp, data := doRequest(t, http.MethodGet, base+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("healthz body: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("status = %v", out["status"])
	}

	resp, _ = doRequest(t, http.MethodGet, base+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d", resp.StatusCode)
	}
}

func TestStatusPage(t *testing.T) {
	srv, st, _ := newTestServer(t)

	ctx := context.Background()
	if err := st.PutDevice(ctx, &store.Device{ID: "ew-page", Name: "gate", Status: store.StatusApproved, OS: "linux"}); err != nil {
		t.Fatal(err)
	}

	resp, data := doRequest(t, http.MethodGet, "http://"+srv.Address()+"/", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status page = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Contains(data, []byte("gate")) {
		t.Error("status page missing device name")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, data := doRequest(t, http.MethodGet, "http://"+srv.Address()+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if len(data) == 0 {
		t.Error("metrics body is empty")
	}
}

func TestAPIRequiresToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	base := "http://" + srv.Address()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/devices"},
		{http.MethodGet, "/api/devices/dev-1"},
		{http.MethodPost, "/api/devices/dev-1/approve"},
		{http.MethodPost, "/api/deploy"},
	}
	for _, tt := range tests {
		resp, _ := doRequest(t, tt.method, base+tt.path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want 401", tt.method, tt.path, resp.StatusCode)
		}
		resp, _ = doRequest(t, tt.method, base+tt.path, "wrong-token", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: status = %d, want 401", tt.method, tt.path, resp.StatusCode)
		}
	}
}

func TestDeviceListAndGet(t *testing.T) {
	srv, st, _ := newTestServer(t)
	base := "http://" + srv.Address()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		dev := &store.Device{
			ID:     fmt.Sprintf("ew-device-%d", i),
			OrgID:  "default",
			Name:   fmt.Sprintf("node-%d", i),
			Status: store.StatusApproved,
		}
		if err := st.PutDevice(ctx, dev); err != nil {
			t.Fatal(err)
		}
	}

	resp, data := doRequest(t, http.MethodGet, base+"/api/devices", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, data)
	}
	var views []DeviceView
	if err := json.Unmarshal(data, &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 3 {
		t.Fatalf("listed %d devices, want 3", len(views))
	}
	for _, v := range views {
		if v.Online {
			t.Errorf("device %s reported online with empty registry", v.ID)
		}
	}

	resp, data = doRequest(t, http.MethodGet, base+"/api/devices/ew-device-1", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var view DeviceView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatal(err)
	}
	if view.Name != "node-1" {
		t.Errorf("device name = %q", view.Name)
	}

	resp, _ = doRequest(t, http.MethodGet, base+"/api/devices/no-such-device", testToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", resp.StatusCode)
	}
}

func TestApproveRejectFlow(t *testing.T) {
	srv, st, _ := newTestServer(t)
	base := "http://" + srv.Address()
	ctx := context.Background()

	dev := &store.Device{ID: "ew-pending", OrgID: "default", Status: store.StatusPending}
	if err := st.PutDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	resp, data := doRequest(t, http.MethodPost, base+"/api/devices/ew-pending/approve", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d: %s", resp.StatusCode, data)
	}
	stored, err := st.GetDevice(ctx, "ew-pending")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.StatusApproved {
		t.Errorf("status after approve = %q", stored.Status)
	}

	// Approving again is a no-op, not an error.
	resp, _ = doRequest(t, http.MethodPost, base+"/api/devices/ew-pending/approve", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("repeat approve status = %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, base+"/api/devices/ew-pending/reject", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject status = %d", resp.StatusCode)
	}
	stored, err = st.GetDevice(ctx, "ew-pending")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.StatusRejected {
		t.Errorf("status after reject = %q", stored.Status)
	}

	// A rejected device cannot be approved.
	resp, _ = doRequest(t, http.MethodPost, base+"/api/devices/ew-pending/approve", testToken, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("approve of rejected device status = %d, want 409", resp.StatusCode)
	}

	// Both actions left audit entries attributed to the operator.
	entries, err := st.ListAudit(ctx, "ew-pending", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Fatalf("audit entries = %d, want at least 2", len(entries))
	}
	for _, e := range entries {
		if e.Actor != "alice" {
			t.Errorf("audit actor = %q, want alice", e.Actor)
		}
	}
}

func TestDeployLifecycle(t *testing.T) {
	srv, st, _ := newTestServer(t)
	base := "http://" + srv.Address()
	ctx := context.Background()

	dev := &store.Device{ID: "ew-target", OrgID: "default", Status: store.StatusApproved}
	if err := st.PutDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	manifest := json.RawMessage(`{"services":{"app":{"image":"app:1"}}}`)
	resp, data := doRequest(t, http.MethodPost, base+"/api/deploy", testToken, DeployRequest{
		DeviceID: "ew-target",
		Name:     "app",
		Manifest: manifest,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("deploy status = %d: %s", resp.StatusCode, data)
	}
	var job store.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || job.Status != store.JobQueued {
		t.Fatalf("job = %+v", job)
	}

	resp, data = doRequest(t, http.MethodGet, base+"/api/jobs/"+job.ID, testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job status fetch = %d", resp.StatusCode)
	}

	resp, data = doRequest(t, http.MethodGet, base+"/api/devices/ew-target/jobs", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("device jobs status = %d", resp.StatusCode)
	}
	var jobs []*store.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("device jobs = %d, want 1", len(jobs))
	}

	// Undeploying a still-queued job cancels it without a compensating job.
	resp, data = doRequest(t, http.MethodPost, base+"/api/jobs/"+job.ID+"/undeploy", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("undeploy of queued job status = %d: %s", resp.StatusCode, data)
	}
	if _, err := st.GetJob(ctx, job.ID); err == nil {
		t.Error("cancelled job still present in store")
	}

	// A delivered job gets a removal job queued instead.
	resp, data = doRequest(t, http.MethodPost, base+"/api/deploy", testToken, DeployRequest{
		DeviceID: "ew-target", Name: "app", Manifest: manifest,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("second deploy status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatal(err)
	}
	delivered, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	delivered.Status = store.JobDelivered
	if err := st.PutJob(ctx, delivered); err != nil {
		t.Fatal(err)
	}

	resp, data = doRequest(t, http.MethodPost, base+"/api/jobs/"+job.ID+"/undeploy", testToken, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("undeploy of delivered job status = %d: %s", resp.StatusCode, data)
	}
	var removal store.Job
	if err := json.Unmarshal(data, &removal); err != nil {
		t.Fatal(err)
	}
	if removal.ID == job.ID || removal.Status != store.JobQueued {
		t.Errorf("removal job = %+v", removal)
	}
	superseded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if superseded.Status != store.JobSuperseded {
		t.Errorf("original job status = %q, want superseded", superseded.Status)
	}
}

func TestDeployValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	base := "http://" + srv.Address()

	resp, _ := doRequest(t, http.MethodPost, base+"/api/deploy", testToken, DeployRequest{
		Name: "app", Manifest: json.RawMessage(`{}`),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("deploy without device_id status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, base+"/api/deploy", testToken, DeployRequest{
		DeviceID: "no-such-device", Name: "app", Manifest: json.RawMessage(`{}`),
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deploy to unknown device status = %d, want 404", resp.StatusCode)
	}
}

func TestNotifyCalledOnDeploy(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	notified := make(chan string, 2)

	srv := NewServer(ServerConfig{Address: "127.0.0.1:0"}, Deps{
		Store:     st,
		Registry:  relay.NewRegistry(nil),
		Queue:     deploy.NewQueue(st, nil, nil, nil),
		Validator: auth.NewStaticValidator([]auth.StaticToken{{Subject: "alice", TokenHash: string(hash)}}),
		Notify:    func(deviceID string) { notified <- deviceID },
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())

	ctx := context.Background()
	if err := st.PutDevice(ctx, &store.Device{ID: "ew-n", Status: store.StatusApproved}); err != nil {
		t.Fatal(err)
	}

	resp, data := doRequest(t, http.MethodPost, "http://"+srv.Address()+"/api/deploy", testToken, DeployRequest{
		DeviceID: "ew-n", Name: "app", Manifest: json.RawMessage(`{}`),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("deploy status = %d: %s", resp.StatusCode, data)
	}
	select {
	case id := <-notified:
		if id != "ew-n" {
			t.Errorf("notified device = %q", id)
		}
	case <-time.After(time.Second):
		t.Error("notify was not called")
	}
}
