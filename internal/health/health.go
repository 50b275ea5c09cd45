// Package health provides HTTP health and readiness check handlers.
//
// The package exposes three endpoints:
//
//   - /health  is the service status summary: uptime, live sessions, total
//     connections accepted.
//   - /healthz is the liveness probe; always returns 200 OK.
//   - /readyz  is the readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "stt",
	// "llm"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// statusBody is the JSON response body for /health. Uptime is whole seconds.
type statusBody struct {
	Status           string `json:"status"`
	Uptime           int64  `json:"uptime"`
	ActiveSessions   int    `json:"activeSessions"`
	TotalConnections int64  `json:"totalConnections"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	startedAt time.Time
	checkers  []Checker

	// sessionCount reports the current number of live sessions. May be nil.
	sessionCount func() int

	totalConnections atomic.Int64

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. sessionCount may be nil when session accounting is unavailable.
func New(sessionCount func() int, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	h := &Handler{
		startedAt:    time.Now(),
		checkers:     c,
		sessionCount: sessionCount,
		now:          time.Now,
	}
	return h
}

// ConnectionOpened increments the lifetime connection counter.
func (h *Handler) ConnectionOpened() {
	h.totalConnections.Add(1)
}

// Health reports the service status summary.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	body := statusBody{
		Status:           "ok",
		Uptime:           int64(h.now().Sub(h.startedAt).Seconds()),
		TotalConnections: h.totalConnections.Load(),
	}
	if h.sessionCount != nil {
		body.ActiveSessions = h.sessionCount()
	}
	writeJSON(w, http.StatusOK, body)
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
