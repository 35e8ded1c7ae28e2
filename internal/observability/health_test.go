package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code
}

func TestHandleHealth(t *testing.T) {
	prevVersion, prevCommit := Version, Commit
	Version, Commit = "0.4.0", "9f1c2e7"
	t.Cleanup(func() { Version, Commit = prevVersion, prevCommit })

	var got HealthResponse
	if code := getJSON(t, HandleHealth(), "/health", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	want := HealthResponse{Status: "ok", Version: "0.4.0", Commit: "9f1c2e7"}
	if got != want {
		t.Errorf("body = %+v, want %+v", got, want)
	}
}

var (
	healthy = CheckFunc(func(context.Context) error { return nil })
	failing = CheckFunc(func(context.Context) error { return errors.New("connection refused") })
)

func loaded() bool { return true }

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "templates only",
			checks:     ReadinessChecks{TemplatesLoaded: loaded},
			wantCode:   http.StatusOK,
			wantStatus: StatusReady,
			wantChecks: map[string]string{"templates": "ok"},
		},
		{
			name:       "no templates",
			checks:     ReadinessChecks{TemplatesLoaded: func() bool { return false }},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
			wantChecks: map[string]string{"templates": "error"},
		},
		{
			name:       "nil templates func",
			checks:     ReadinessChecks{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
			wantChecks: map[string]string{"templates": "error"},
		},
		{
			name: "all dependencies healthy",
			checks: ReadinessChecks{
				TemplatesLoaded: loaded,
				Database:        healthy,
				Idempotency:     healthy,
				Scheduler:       healthy,
				Escalation:      healthy,
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusReady,
			wantChecks: map[string]string{
				"templates": "ok", "database": "ok", "idempotency_store": "ok",
				"scheduler": "ok", "escalation": "ok",
			},
		},
		{
			name:       "database down",
			checks:     ReadinessChecks{TemplatesLoaded: loaded, Database: failing, Escalation: healthy},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
			wantChecks: map[string]string{"templates": "ok", "database": "error", "escalation": "ok"},
		},
		{
			name:       "stalled scheduler",
			checks:     ReadinessChecks{TemplatesLoaded: loaded, Scheduler: failing},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
			wantChecks: map[string]string{"templates": "ok", "scheduler": "error"},
		},
		{
			name:       "escalation sink down degrades",
			checks:     ReadinessChecks{TemplatesLoaded: loaded, Database: healthy, Escalation: failing},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"templates": "ok", "database": "ok", "escalation": "error"},
		},
		{
			name:       "critical failure outranks degraded",
			checks:     ReadinessChecks{TemplatesLoaded: loaded, Idempotency: failing, Escalation: failing},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
			wantChecks: map[string]string{"templates": "ok", "idempotency_store": "error", "escalation": "error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ReadinessResponse
			code := getJSON(t, HandleReady(tt.checks), "/ready", &got)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if len(got.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", got.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				res := got.Checks[name]
				if res.Status != want {
					t.Errorf("%s = %q, want %q", name, res.Status, want)
				}
				if want == "error" && res.Error == "" {
					t.Errorf("%s failed without an error message", name)
				}
			}
		})
	}
}

func TestHandleReady_criticalFlag(t *testing.T) {
	var got ReadinessResponse
	getJSON(t, HandleReady(ReadinessChecks{TemplatesLoaded: loaded, Scheduler: healthy, Escalation: healthy}), "/ready", &got)

	if !got.Checks["scheduler"].Critical {
		t.Error("scheduler should be critical")
	}
	if got.Checks["escalation"].Critical {
		t.Error("escalation should not be critical")
	}
}

func TestHandleReady_slowCheckTimesOut(t *testing.T) {
	hung := CheckFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Minute):
			return nil
		}
	})

	start := time.Now()
	var got ReadinessResponse
	code := getJSON(t, HandleReady(ReadinessChecks{TemplatesLoaded: loaded, Database: hung}), "/ready", &got)

	if elapsed := time.Since(start); elapsed > checkTimeout+time.Second {
		t.Errorf("readiness took %v", elapsed)
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if got.Checks["database"].Error != context.DeadlineExceeded.Error() {
		t.Errorf("database error = %q", got.Checks["database"].Error)
	}
}
