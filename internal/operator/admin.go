package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/edgewire/edgewire/internal/health"
	"github.com/edgewire/edgewire/internal/store"
)

// AdminClient talks to the relay's HTTP admin API.
type AdminClient struct {
	base  string
	token string
	http  *http.Client
}

// NewAdminClient creates a client for the given base URL, e.g.
// "http://127.0.0.1:9180".
func NewAdminClient(baseURL, token string) *AdminClient {
	return &AdminClient{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ListDevices returns all devices visible to the operator.
func (c *AdminClient) ListDevices(ctx context.Context) ([]health.DeviceView, error) {
	var out []health.DeviceView
	err := c.do(ctx, http.MethodGet, "/api/devices", nil, &out)
	return out, err
}

// GetDevice returns one device.
func (c *AdminClient) GetDevice(ctx context.Context, deviceID string) (*health.DeviceView, error) {
	var out health.DeviceView
	if err := c.do(ctx, http.MethodGet, "/api/devices/"+url.PathEscape(deviceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve moves a pending device to approved.
func (c *AdminClient) Approve(ctx context.Context, deviceID string) (*health.DeviceView, error) {
	var out health.DeviceView
	if err := c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(deviceID)+"/approve", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reject marks a device rejected and tears down its session.
func (c *AdminClient) Reject(ctx context.Context, deviceID string) (*health.DeviceView, error) {
	var out health.DeviceView
	if err := c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(deviceID)+"/reject", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeviceJobs lists all jobs recorded for a device.
func (c *AdminClient) DeviceJobs(ctx context.Context, deviceID string) ([]*store.Job, error) {
	var out []*store.Job
	err := c.do(ctx, http.MethodGet, "/api/devices/"+url.PathEscape(deviceID)+"/jobs", nil, &out)
	return out, err
}

// DeviceAudit lists the most recent audit entries for a device.
func (c *AdminClient) DeviceAudit(ctx context.Context, deviceID string, limit int) ([]*store.AuditEntry, error) {
	path := "/api/devices/" + url.PathEscape(deviceID) + "/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []*store.AuditEntry
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Deploy queues a deployment job for a device.
func (c *AdminClient) Deploy(ctx context.Context, deviceID, name string, manifest []byte) (*store.Job, error) {
	req := health.DeployRequest{DeviceID: deviceID, Name: name, Manifest: manifest}
	var out store.Job
	if err := c.do(ctx, http.MethodPost, "/api/deploy", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobStatus returns one job.
func (c *AdminClient) JobStatus(ctx context.Context, jobID string) (*store.Job, error) {
	var out store.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Undeploy cancels or reverses a deployment. The returned job is the
// compensating remove job, or nil when a still-queued job was simply
// cancelled.
func (c *AdminClient) Undeploy(ctx context.Context, jobID string) (*store.Job, error) {
	var out store.Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/undeploy", nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("relay api: %s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("relay api: status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode relay api response: %w", err)
	}
	return nil
}
