package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthz_AlwaysOK(t *testing.T) {
	h := New(nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHealth_Summary(t *testing.T) {
	h := New(func() int { return 3 })
	h.now = func() time.Time { return h.startedAt.Add(90 * time.Second) }
	h.ConnectionOpened()
	h.ConnectionOpened()

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		Status           string `json:"status"`
		Uptime           int64  `json:"uptime"`
		ActiveSessions   int    `json:"activeSessions"`
		TotalConnections int64  `json:"totalConnections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Uptime != 90 {
		t.Errorf("uptime = %d, want 90", body.Uptime)
	}
	if body.ActiveSessions != 3 {
		t.Errorf("activeSessions = %d, want 3", body.ActiveSessions)
	}
	if body.TotalConnections != 2 {
		t.Errorf("totalConnections = %d, want 2", body.TotalConnections)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	h := New(nil, Checker{Name: "stt", Check: func(ctx context.Context) error { return nil }})
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadyz_FailingCheck(t *testing.T) {
	h := New(nil,
		Checker{Name: "stt", Check: func(ctx context.Context) error { return nil }},
		Checker{Name: "llm", Check: func(ctx context.Context) error { return errors.New("down") }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	if body.Checks["stt"] != "ok" {
		t.Errorf("stt check = %q", body.Checks["stt"])
	}
	if body.Checks["llm"] != "fail: down" {
		t.Errorf("llm check = %q", body.Checks["llm"])
	}
}

func TestRegister_Routes(t *testing.T) {
	h := New(nil)
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code == http.StatusNotFound {
			t.Errorf("%s not registered", path)
		}
	}
}
