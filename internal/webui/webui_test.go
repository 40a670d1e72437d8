package webui

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRendersDevices(t *testing.T) {
	h := Handler(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{
			Online: 1,
			Total:  2,
			Devices: []Device{
				{ID: "ew-1", Name: "gate", Status: "online", Online: true, OS: "linux", Arch: "arm64", LastSeen: time.Now()},
				{ID: "ew-2", Name: "pump", Status: "pending"},
			},
		}, nil
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"ew-1", "gate", "1 of 2 devices online", `class="pending"`, "linux/arm64"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHandlerProviderError(t *testing.T) {
	h := Handler(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{}, errors.New("store down")
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
