package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function, such as pgxpool.Pool.Ping, to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
// Nil checkers are skipped.
type ReadinessChecks struct {
	// TemplatesLoaded is always checked.
	TemplatesLoaded func() bool

	Database    HealthChecker
	Idempotency HealthChecker
	Scheduler   HealthChecker

	// Escalation failing only degrades readiness. Violations are still
	// recorded while the sink is unavailable.
	Escalation HealthChecker
}

type namedCheck struct {
	name     string
	critical bool
	checker  HealthChecker
}

func (c ReadinessChecks) list() []namedCheck {
	checks := []namedCheck{{
		name:     "templates",
		critical: true,
		checker: CheckFunc(func(context.Context) error {
			if c.TemplatesLoaded == nil || !c.TemplatesLoaded() {
				return errors.New("no templates loaded")
			}
			return nil
		}),
	}}
	for _, nc := range []namedCheck{
		{"database", true, c.Database},
		{"idempotency_store", true, c.Idempotency},
		{"scheduler", true, c.Scheduler},
		{"escalation", false, c.Escalation},
	} {
		if nc.checker != nil {
			checks = append(checks, nc)
		}
	}
	return checks
}

const checkTimeout = 2 * time.Second

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns an HTTP handler for the readiness endpoint. Checks run
// concurrently, each bounded by checkTimeout. Any failing critical check
// answers 503; failing non-critical checks report degraded with 200.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := checks.list()
		results := make(map[string]CheckResult, len(list))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, nc := range list {
			wg.Go(func() {
				result := runCheck(r.Context(), nc.checker)
				result.Critical = nc.critical
				mu.Lock()
				results[nc.name] = result
				mu.Unlock()
			})
		}
		wg.Wait()

		status := StatusReady
		for _, res := range results {
			if res.Status == "ok" {
				continue
			}
			if res.Critical {
				status = StatusNotReady
				break
			}
			status = StatusDegraded
		}

		code := http.StatusOK
		if status == StatusNotReady {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{Status: "error", LatencyMs: latency, Error: err.Error()}
	}
	return CheckResult{Status: "ok", LatencyMs: latency}
}
