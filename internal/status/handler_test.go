package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cronovoice/crono/internal/engine"
)

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := NewHandler(nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := NewHandler(nil, WithCheckers(
		Checker{Name: "capture_device", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "journal", Check: func(_ context.Context) error { return nil }},
	))

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Checks["capture_device"] != "ok" {
		t.Errorf("capture_device check = %q, want %q", body.Checks["capture_device"], "ok")
	}
	if body.Checks["journal"] != "ok" {
		t.Errorf("journal check = %q, want %q", body.Checks["journal"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := NewHandler(nil, WithCheckers(
		Checker{Name: "journal", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "capture_device", Check: func(_ context.Context) error { return nil }},
	))

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["journal"] != "fail: connection refused" {
		t.Errorf("journal check = %q", body.Checks["journal"])
	}
	if body.Checks["capture_device"] != "ok" {
		t.Errorf("capture_device check = %q, want %q", body.Checks["capture_device"], "ok")
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := NewHandler(nil, WithCheckers(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestStatusz_ReportsHealthy(t *testing.T) {
	c := NewCollector(10)
	for range 5 {
		c.RecordSTT(true, 100*time.Millisecond)
	}
	c.RecordListening(2 * time.Second)

	h := NewHandler(c, WithEngineSnapshot(func() engine.Snapshot {
		return engine.Snapshot{Running: true, Listening: true, State: engine.StateIdle}
	}))

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	h.Statusz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if rep.Status != "healthy" {
		t.Errorf("report status = %q, want %q", rep.Status, "healthy")
	}
	if rep.HealthScore != 100 {
		t.Errorf("health score = %d, want 100", rep.HealthScore)
	}
	if !rep.Engine.Running {
		t.Error("engine.running = false, want true")
	}
	if rep.AudioMetrics.STTRequests != 5 {
		t.Errorf("stt requests = %d, want 5", rep.AudioMetrics.STTRequests)
	}
	if rep.AudioMetrics.ListeningSeconds != 2 {
		t.Errorf("listening seconds = %v, want 2", rep.AudioMetrics.ListeningSeconds)
	}
	if len(rep.Recent) != 5 {
		t.Errorf("recent activity entries = %d, want 5", len(rep.Recent))
	}
}

func TestStatusz_DegradedWhenEngineDown(t *testing.T) {
	h := NewHandler(NewCollector(10), WithBreakerProbe(func() bool { return true }))

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	h.Statusz(rec, req)

	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	// No snapshot wired means the engine reads as not running (-20), and the
	// open breaker costs another 10.
	if rep.HealthScore != 70 {
		t.Errorf("health score = %d, want 70", rep.HealthScore)
	}
	if rep.Status != "degraded" {
		t.Errorf("report status = %q, want %q", rep.Status, "degraded")
	}
	if !rep.BreakerOpen {
		t.Error("transcriber_breaker_open = false, want true")
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := NewHandler(nil, WithCheckers(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	))

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/statusz", http.StatusOK},
		{"/metrics", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}
