package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"dproxy/internal/model"
)

type fakeSource struct {
	summary model.ProxyStatus
	status  model.ProxyStatus
	err     error
}

func (f *fakeSource) Summary() model.ProxyStatus { return f.summary }

func (f *fakeSource) Status(context.Context) (model.ProxyStatus, error) {
	return f.status, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&fakeSource{}, "test", discardLogger())
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus_Summary(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	src := &fakeSource{summary: model.ProxyStatus{ActiveChannels: 2, TotalChannels: 7, Throttled: 1}}
	h := NewHealthHandler(src, "1.2.3", discardLogger())
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if body.ActiveChannels != 2 || body.TotalChannels != 7 || body.Throttled != 1 {
		t.Errorf("body = %+v, want 2 active, 7 total, 1 throttled", body.ProxyStatus)
	}
	if len(body.Channels) != 0 {
		t.Errorf("body.channels = %v, want none without ?channels", body.Channels)
	}
}

func TestStatus_Channels(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status?channels=1", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	src := &fakeSource{status: model.ProxyStatus{
		ActiveChannels: 1,
		Channels: []model.ChannelStatus{{
			ID:          4,
			Client:      "10.0.0.1:5000",
			Destination: "http://example.com:80",
			State:       "relaying",
			Requests:    3,
			Responses:   2,
		}},
	}}
	h := NewHealthHandler(src, "test", discardLogger())
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Channels) != 1 {
		t.Fatalf("len(body.channels) = %d, want 1", len(body.Channels))
	}
	if got := body.Channels[0]; got.ID != 4 || got.State != "relaying" || got.Requests != 3 {
		t.Errorf("channel = %+v", got)
	}
}

func TestStatus_SnapshotFailure(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status?channels=1", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&fakeSource{err: errors.New("proxy status: context deadline exceeded")}, "test", discardLogger())
	err := h.Status(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusServiceUnavailable {
		t.Errorf("Status() error = %v, want HTTP 503", err)
	}
}
