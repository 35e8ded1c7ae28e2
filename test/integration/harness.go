// Package integration provides a reusable test harness for end-to-end
// testing of wardflow. It starts the full HTTP stack over in-memory stores
// with a controllable clock, a test JWT issuer and a recording escalation
// sink.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/wardflow/internal/approval"
	"github.com/pitabwire/wardflow/internal/config"
	"github.com/pitabwire/wardflow/internal/directory"
	"github.com/pitabwire/wardflow/internal/escalation"
	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/internal/scheduler"
	"github.com/pitabwire/wardflow/internal/sla"
	"github.com/pitabwire/wardflow/internal/template"
	"github.com/pitabwire/wardflow/internal/transport"
	"github.com/pitabwire/wardflow/internal/workflow"
	"github.com/pitabwire/wardflow/model"
)

// TestHarness encapsulates a fully wired wardflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Clock      *Clock
	Registry   *template.Registry
	Directory  *directory.StaticDirectory
	Engine     *workflow.Engine
	Monitor    *sla.Monitor
	SLAStore   *sla.MemoryStore
	Scheduler  *scheduler.Scheduler
	Dispatcher *escalation.Dispatcher
	Sink       *RecordingSink
	Metrics    *observability.Metrics
	Gatherer   *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateDirs   []string
	sink           escalation.Sink
	escalation     escalation.Config
	levels         []sla.Level
	handlerTimeout time.Duration
}

// WithTemplates sets the template directories to load.
func WithTemplates(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.templateDirs = dirs
	}
}

// WithEscalationSink replaces the recording sink.
func WithEscalationSink(s escalation.Sink) HarnessOption {
	return func(c *harnessConfig) {
		c.sink = s
	}
}

// WithEscalationConfig tunes the dispatcher.
func WithEscalationConfig(cfg escalation.Config) HarnessOption {
	return func(c *harnessConfig) {
		c.escalation = cfg
	}
}

// WithSLALevels sets the escalation thresholds past a deadline.
func WithSLALevels(levels ...sla.Level) HarnessOption {
	return func(c *harnessConfig) {
		c.levels = levels
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full wardflow test instance. The
// server and dispatcher are stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		escalation: escalation.Config{
			QueueSize:       64,
			MaxTries:        3,
			InitialInterval: time.Millisecond,
			DeliveryTimeout: 2 * time.Second,
		},
		levels: []sla.Level{
			{After: time.Hour, NotifyRoles: []string{"facility_manager"}},
			{After: 4 * time.Hour, NotifyRoles: []string{"equipment_admin"}},
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdata := testdataDir()
	if len(hc.templateDirs) == 0 {
		hc.templateDirs = []string{filepath.Join(testdata, "templates")}
	}

	h := &TestHarness{
		t:        t,
		Clock:    NewClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)),
		Sink:     &RecordingSink{},
		Gatherer: prometheus.NewRegistry(),
	}
	now := h.Clock.Now

	// Step 1: Telemetry.
	h.Metrics = observability.InitMetrics(h.Gatherer)

	// Step 2: Load templates.
	conds := template.NewConditions()
	h.Registry = template.NewRegistry(
		template.WithClock(now),
		template.WithValidator(template.NewValidator(conds)),
	)
	tpls, err := template.NewLoader().LoadAll(hc.templateDirs)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	if err := h.Registry.Load(tpls); err != nil {
		t.Fatalf("register templates: %v", err)
	}

	// Step 3: Directory.
	h.Directory, err = directory.NewStaticDirectory(filepath.Join(testdata, "directory.yaml"))
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}

	// Step 4: In-memory stores and engine collaborators.
	hs := history.NewMemoryStore()
	recorder := history.NewRecorder(hs, history.WithClock(now))
	coordinator := approval.NewCoordinator(approval.NewMemoryStore(hs), h.Directory, approval.WithClock(now))
	policy, err := sla.NewThresholdPolicy(hc.levels)
	if err != nil {
		t.Fatalf("sla levels: %v", err)
	}
	h.SLAStore = sla.NewMemoryStore(hs)
	h.Monitor = sla.NewMonitor(h.SLAStore, sla.WithLevelPolicy(policy))

	// Step 5: Escalation delivery. Only the dispatcher worker runs; the
	// scheduler is driven synchronously through Escalate.
	sink := hc.sink
	if sink == nil {
		sink = h.Sink
	}
	h.Dispatcher = escalation.NewDispatcher(sink, hc.escalation, escalation.WithObserver(h.Metrics))
	dispatchCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Dispatcher.Run(dispatchCtx) }()
	t.Cleanup(cancel)

	h.Engine = workflow.NewEngine(h.Registry, workflow.NewMemoryStore(hs), coordinator, h.Monitor, recorder,
		workflow.WithClock(now),
		workflow.WithConditions(conds),
		workflow.WithObserver(h.Metrics),
		workflow.WithEscalator(h.Dispatcher),
	)

	h.Scheduler, err = scheduler.New(h.Monitor, h.Dispatcher, scheduler.Config{
		SweepInterval:  time.Minute,
		EscalationCron: "@every 5m",
	}, scheduler.WithClock(now), scheduler.WithObserver(h.Metrics))
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	// Step 6: Token issuer and config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:        h.issuer.issuer,
		Audience:      h.issuer.audience,
		Algorithm:     "RS256",
		PublicKeyFile: h.issuer.publicKeyFile,
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"name":       "name",
			"roles":      "roles",
		},
	}
	h.cfg.Templates.Directories = hc.templateDirs

	key, err := transport.LoadVerificationKey(h.cfg.Identity)
	if err != nil {
		t.Fatalf("load verification key: %v", err)
	}

	// Step 7: Router with the full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, key),
		Directory:    h.Directory,
		Engine:       h.Engine,
		Registry:     h.Registry,
		OnTemplatesChanged: func(n int) {
			h.Metrics.SetTemplatesLoaded(float64(n))
		},
		HealthHandler: observability.HandleHealth(),
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			TemplatesLoaded: func() bool { return h.Registry.Len() > 0 },
			Escalation:      h.Dispatcher,
		}),
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(h.Metrics.MetricsMiddleware(observability.TracingMiddleware(router)))
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Escalate runs one scheduler pass of the given kind at the harness clock.
func (h *TestHarness) Escalate(kind string) {
	h.t.Helper()
	if err := h.Scheduler.Process(context.Background(), scheduler.Request{Kind: kind, Reason: "test"}); err != nil {
		h.t.Fatalf("scheduler %s: %v", kind, err)
	}
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// NurseClaims returns TestClaims for a ward nurse raising requests.
func NurseClaims() TestClaims {
	return TestClaims{SubjectID: "u-nurse-7", Name: "Ward 3 Nurse", Roles: []string{"ward_nurse"}}
}

// ManagerClaims returns TestClaims for the ward 3 facility manager.
func ManagerClaims() TestClaims {
	return TestClaims{SubjectID: "u-fm-ward3", Name: "Facility Manager"}
}

// TechnicianClaims returns TestClaims for a biomedical technician.
func TechnicianClaims() TestClaims {
	return TestClaims{SubjectID: "u-tech-1", Name: "Biomed Technician"}
}

// CommitteeClaims returns TestClaims for a disposal committee member.
func CommitteeClaims(id string) TestClaims {
	return TestClaims{SubjectID: id, Name: "Committee member " + id}
}

// AdminClaims returns TestClaims for an equipment administrator.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "u-admin", Name: "Equipment Admin"}
}

// --- Clock ---

// Clock is a settable time source shared by every component.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- RecordingSink ---

// RecordingSink captures delivered escalation events.
type RecordingSink struct {
	mu     sync.Mutex
	events []model.EscalationEvent
}

func (s *RecordingSink) Name() string { return "recording" }

func (s *RecordingSink) Deliver(_ context.Context, ev model.EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of what was delivered so far.
func (s *RecordingSink) Events() []model.EscalationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EscalationEvent, len(s.events))
	copy(out, s.events)
	return out
}

// WaitFor blocks until at least n events were delivered or the timeout
// passes, then returns what was delivered.
func (s *RecordingSink) WaitFor(t *testing.T, n int, timeout time.Duration) []model.EscalationEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		evs := s.Events()
		if len(evs) >= n {
			return evs
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d escalation events after %s, want %d", len(evs), timeout, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Helpers ---

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %s: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
