// Package status exposes the assistant's runtime state over HTTP.
//
// Four endpoints share one mux:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /statusz — JSON report combining the engine snapshot, the audio
//     statistics from [Collector], and a coarse health score.
//   - /metrics — Prometheus exposition of the OpenTelemetry instruments.
//
// Health and readiness responses are JSON objects with a top-level "status"
// field ("ok" or "fail") and a "checks" map containing the result of each
// named checker.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cronovoice/crono/internal/engine"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g.
	// "capture_device", "journal"). It appears as a key in the JSON
	// response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for the health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Report is the /statusz response body.
type Report struct {
	Status       string          `json:"status"`
	HealthScore  int             `json:"health_score"`
	Timestamp    time.Time       `json:"timestamp"`
	Engine       engine.Snapshot `json:"engine"`
	AudioMetrics Stats           `json:"audio_metrics"`
	BreakerOpen  bool            `json:"transcriber_breaker_open"`
	Recent       []Activity      `json:"recent_activity,omitempty"`
}

// HealthScore computes the coarse 0-100 score reported on /statusz. The
// success-rate penalty applies only once at least five transcriptions have
// been attempted, so a single cold-start failure does not flag the system.
func HealthScore(s Stats, engineRunning, breakerOpen bool) int {
	score := 100
	if s.STTRequests >= 5 && s.STTSuccessRate < 80 {
		score -= 20
	}
	if !engineRunning {
		score -= 20
	}
	if breakerOpen {
		score -= 10
	}
	return score
}

// Handler serves the status endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	collector   *Collector
	checkers    []Checker
	snapshot    func() engine.Snapshot
	breakerOpen func() bool
}

// Option is a functional option for configuring a Handler.
type Option func(*Handler)

// WithCheckers registers readiness checks, evaluated sequentially in the
// order provided.
func WithCheckers(checkers ...Checker) Option {
	return func(h *Handler) {
		h.checkers = append(h.checkers, checkers...)
	}
}

// WithEngineSnapshot wires the capture engine's state into /statusz.
func WithEngineSnapshot(fn func() engine.Snapshot) Option {
	return func(h *Handler) {
		h.snapshot = fn
	}
}

// WithBreakerProbe wires the transcriber circuit breaker's state into
// /statusz and the health score.
func WithBreakerProbe(fn func() bool) Option {
	return func(h *Handler) {
		h.breakerOpen = fn
	}
}

// NewHandler creates a Handler reporting the given collector's statistics.
// A nil collector is replaced with an empty one.
func NewHandler(c *Collector, opts ...Option) *Handler {
	if c == nil {
		c = NewCollector(0)
	}
	h := &Handler{collector: c}
	for _, o := range opts {
		o(h)
	}
	return h
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

// Statusz reports the engine snapshot, audio statistics, and health score.
func (h *Handler) Statusz(w http.ResponseWriter, _ *http.Request) {
	stats := h.collector.Stats()
	var snap engine.Snapshot
	if h.snapshot != nil {
		snap = h.snapshot()
	}
	breakerOpen := h.breakerOpen != nil && h.breakerOpen()

	score := HealthScore(stats, snap.Running, breakerOpen)
	rep := Report{
		Status:       "healthy",
		HealthScore:  score,
		Timestamp:    time.Now().UTC(),
		Engine:       snap,
		AudioMetrics: stats,
		BreakerOpen:  breakerOpen,
		Recent:       h.collector.Recent(10),
	}
	if score < 80 {
		rep.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, rep)
}

// Register adds the status routes to mux, including the Prometheus
// exposition endpoint backed by the default registry.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
	mux.Handle("GET /metrics", promhttp.Handler())
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
