package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/wardflow/internal/approval"
	"github.com/pitabwire/wardflow/internal/config"
	"github.com/pitabwire/wardflow/internal/directory"
	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/internal/sla"
	"github.com/pitabwire/wardflow/internal/template"
	"github.com/pitabwire/wardflow/internal/workflow"
	"github.com/pitabwire/wardflow/model"
)

// --- test server ---

type testServer struct {
	t        *testing.T
	handler  http.Handler
	engine   *workflow.Engine
	registry *template.Registry
	loaded   int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	reg := template.NewRegistry()
	if err := reg.Load([]model.WorkflowTemplate{maintenanceTemplate()}); err != nil {
		t.Fatalf("loading templates: %v", err)
	}

	dir := directory.NewInMemory(
		map[string][]string{
			"facility_manager": {"u-fm"},
			"equipment_admin":  {"u-admin"},
		},
		map[string][]string{
			"ward_nurse":      {"maintenance:work:start"},
			"equipment_admin": {CapabilityManageTemplates, CapabilityAdminInstances},
		},
	)

	hs := history.NewMemoryStore()
	rec := history.NewRecorder(hs)
	coord := approval.NewCoordinator(approval.NewMemoryStore(hs), dir)
	mon := sla.NewMonitor(sla.NewMemoryStore(hs))
	eng := workflow.NewEngine(reg, workflow.NewMemoryStore(hs), coord, mon, rec)

	cfg := config.Defaults()
	cfg.Identity = testIdentityCfg()
	cfg.Server.HandlerTimeout = 5 * time.Second

	ts := &testServer{t: t, engine: eng, registry: reg}
	ts.handler = NewRouter(Dependencies{
		Config:             cfg,
		Authenticate:       JWTAuthenticator(cfg.Identity, []byte(testSecret)),
		Directory:          dir,
		Engine:             eng,
		Registry:           reg,
		OnTemplatesChanged: func(n int) { ts.loaded = n },
	})
	return ts
}

// maintenanceTemplate: requested (any facility manager, auto-advance) ->
// approved -> in_progress (needs technician) -> completed.
func maintenanceTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:         "maintenance-v1",
		Family:     "maintenance",
		Version:    1,
		Name:       "Preventive maintenance",
		Process:    model.ProcessMaintenance,
		StartStage: "requested",
		Stages: []model.Stage{
			{
				ID:   "requested",
				Name: "Requested",
				Approval: &model.ApprovalPolicy{
					Quorum:     model.QuorumAny,
					Roles:      []string{"facility_manager"},
					OnApproved: "approved",
				},
				SLA: &model.SLAPolicy{Deadline: "24h"},
			},
			{ID: "approved", Name: "Approved"},
			{ID: "in_progress", Name: "In progress", RequiredFields: []string{"technician"}},
			{ID: "completed", Name: "Completed", Terminal: true},
		},
		Transitions: []model.Transition{
			{From: "requested", To: "approved"},
			{From: "approved", To: "in_progress", Capability: "maintenance:work:start"},
			{From: "in_progress", To: "completed"},
		},
	}
}

func tokenFor(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	c := validClaims()
	c["sub"] = sub
	c["roles"] = roles
	return signJWT(t, []byte(testSecret), jwt.SigningMethodHS256, c)
}

// do sends a request as sub. body may be nil, a string (sent verbatim) or
// any JSON-encodable value.
func (ts *testServer) do(method, path, sub string, body any, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			ts.t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	if sub != "" {
		roles := []string{"ward_nurse"}
		req.Header.Set("Authorization", "Bearer "+tokenFor(ts.t, sub, roles...))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, status int, target any) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, status, w.Body.String())
	}
	if target == nil {
		return
	}
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	decodeInto(t, w, status, &resp)
	if resp.Error.Code != code {
		t.Errorf("error code = %q, want %q", resp.Error.Code, code)
	}
}

func (ts *testServer) createInstance(subject string) model.WorkflowInstance {
	ts.t.Helper()
	var inst model.WorkflowInstance
	w := ts.do(http.MethodPost, "/v1/instances", "u-nurse", map[string]any{
		"template_id": "maintenance-v1",
		"subject_ref": subject,
	})
	decodeInto(ts.t, w, http.StatusCreated, &inst)
	return inst
}

// --- Instance tests ---

func TestInstance_fullLifecycle(t *testing.T) {
	ts := newTestServer(t)
	inst := ts.createInstance("asset:pump-0042")
	if inst.Status != model.InstanceStatusInProgress || inst.CurrentStage != "requested" {
		t.Fatalf("created = %s at %q", inst.Status, inst.CurrentStage)
	}
	base := "/v1/instances/" + inst.ID

	// The gate blocks a manual transition.
	w := ts.do(http.MethodPost, base+"/transitions", "u-nurse", map[string]any{"target": "approved"})
	assertErrorCode(t, w, http.StatusConflict, model.ErrApprovalPending)

	var view model.InstanceView
	decodeInto(t, ts.do(http.MethodGet, base, "u-nurse", nil), http.StatusOK, &view)
	if view.Gate == nil || view.Gate.State != model.GatePending {
		t.Fatalf("gate = %+v, want pending", view.Gate)
	}

	var inbox struct {
		Data []model.Approval `json:"data"`
	}
	decodeInto(t, ts.do(http.MethodGet, "/v1/approvals/pending", "u-fm", nil), http.StatusOK, &inbox)
	if len(inbox.Data) != 1 || inbox.Data[0].InstanceID != inst.ID {
		t.Fatalf("inbox = %+v", inbox.Data)
	}

	var decided workflow.DecisionResult
	w = ts.do(http.MethodPost, "/v1/stage-instances/"+inbox.Data[0].StageInstanceID+"/decisions", "u-fm",
		map[string]any{"decision": model.DecisionApproved, "comment": "ok to proceed"})
	decodeInto(t, w, http.StatusOK, &decided)
	if decided.Gate.State != model.GateSatisfied {
		t.Errorf("gate = %s, want satisfied", decided.Gate.State)
	}
	if decided.Transition == nil || decided.Transition.Instance.CurrentStage != "approved" {
		t.Fatalf("decision did not advance the instance: %+v", decided.Transition)
	}

	var res model.TransitionResult
	w = ts.do(http.MethodPost, base+"/transitions", "u-nurse", map[string]any{"target": "in_progress"})
	decodeInto(t, w, http.StatusOK, &res)
	if res.Outcome != model.OutcomeTransitioned {
		t.Errorf("outcome = %s", res.Outcome)
	}

	w = ts.do(http.MethodPost, base+"/transitions", "u-nurse", map[string]any{"target": "completed"})
	assertErrorCode(t, w, http.StatusUnprocessableEntity, model.ErrIncompleteStage)

	w = ts.do(http.MethodPost, base+"/data", "u-nurse", map[string]any{"data": map[string]any{"technician": "T. Okafor"}})
	decodeInto(t, w, http.StatusOK, nil)

	w = ts.do(http.MethodPost, base+"/transitions", "u-nurse", map[string]any{"target": "completed"})
	decodeInto(t, w, http.StatusOK, &res)
	if res.Instance.Status != model.InstanceStatusCompleted {
		t.Errorf("status = %s, want completed", res.Instance.Status)
	}

	var stages struct {
		Data []model.StageInstance `json:"data"`
	}
	decodeInto(t, ts.do(http.MethodGet, base+"/stages", "u-nurse", nil), http.StatusOK, &stages)
	if len(stages.Data) != 4 {
		t.Errorf("stages = %d, want 4", len(stages.Data))
	}
	for _, s := range stages.Data {
		if s.Open() {
			t.Errorf("stage %s still open after completion", s.StageID)
		}
	}
}

func TestInstance_createIdempotencyHeader(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"template_id": "maintenance-v1", "subject_ref": "asset:bed-7"}

	var first, second model.WorkflowInstance
	decodeInto(t, ts.do(http.MethodPost, "/v1/instances", "u-nurse", body, "Idempotency-Key", "evt-991"), http.StatusCreated, &first)
	decodeInto(t, ts.do(http.MethodPost, "/v1/instances", "u-nurse", body, "Idempotency-Key", "evt-991"), http.StatusCreated, &second)
	if first.ID != second.ID {
		t.Errorf("redelivered trigger created a second instance: %s vs %s", first.ID, second.ID)
	}
}

func TestInstance_createErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"invalid json", `{"template_id":`, http.StatusBadRequest, model.ErrBadRequest},
		{"missing subject", map[string]any{"template_id": "maintenance-v1"}, http.StatusBadRequest, model.ErrBadRequest},
		{"unknown template", map[string]any{"template_id": "nope", "subject_ref": "x"}, http.StatusNotFound, model.ErrNotFound},
		{"bad priority", map[string]any{"template_id": "maintenance-v1", "subject_ref": "x", "priority": "asap"}, http.StatusBadRequest, model.ErrBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assertErrorCode(t, ts.do(http.MethodPost, "/v1/instances", "u-nurse", tc.body), tc.status, tc.code)
		})
	}
}

func TestInstance_getUnknown(t *testing.T) {
	ts := newTestServer(t)
	assertErrorCode(t, ts.do(http.MethodGet, "/v1/instances/missing", "u-nurse", nil), http.StatusNotFound, model.ErrNotFound)
}

func TestInstance_illegalTransition(t *testing.T) {
	ts := newTestServer(t)
	inst := ts.createInstance("asset:xray-2")
	w := ts.do(http.MethodPost, "/v1/instances/"+inst.ID+"/transitions", "u-nurse", map[string]any{"target": "completed"})
	assertErrorCode(t, w, http.StatusUnprocessableEntity, model.ErrIllegalTransition)
}

func TestInstance_list(t *testing.T) {
	ts := newTestServer(t)
	for i := range 3 {
		ts.createInstance(fmt.Sprintf("asset:monitor-%d", i))
	}

	var page struct {
		Data       []model.WorkflowInstance `json:"data"`
		TotalCount int                      `json:"total_count"`
		Page       int                      `json:"page"`
		PageSize   int                      `json:"page_size"`
	}
	w := ts.do(http.MethodGet, "/v1/instances?template_id=maintenance-v1&page_size=2", "u-nurse", nil)
	decodeInto(t, w, http.StatusOK, &page)
	if len(page.Data) != 2 || page.TotalCount != 3 {
		t.Errorf("got %d of %d, want 2 of 3", len(page.Data), page.TotalCount)
	}
	if page.Page != 1 || page.PageSize != 2 {
		t.Errorf("page = %d size = %d", page.Page, page.PageSize)
	}

	w = ts.do(http.MethodGet, "/v1/instances?subject_ref=asset:monitor-1", "u-nurse", nil)
	decodeInto(t, w, http.StatusOK, &page)
	if page.TotalCount != 1 {
		t.Errorf("subject filter matched %d, want 1", page.TotalCount)
	}
}

func TestInstance_cancel(t *testing.T) {
	ts := newTestServer(t)
	inst := ts.createInstance("asset:vent-3")
	path := "/v1/instances/" + inst.ID + "/cancel"

	var cancelled model.WorkflowInstance
	decodeInto(t, ts.do(http.MethodPost, path, "u-nurse", nil), http.StatusOK, &cancelled)
	if cancelled.Status != model.InstanceStatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	var again model.WorkflowInstance
	decodeInto(t, ts.do(http.MethodPost, path, "u-nurse", map[string]any{"reason": "duplicate"}), http.StatusOK, &again)
	if again.Version != cancelled.Version {
		t.Errorf("second cancel changed the instance")
	}
}

func TestInstance_holdResumeRequireAdmin(t *testing.T) {
	ts := newTestServer(t)
	inst := ts.createInstance("asset:dialysis-9")
	base := "/v1/instances/" + inst.ID

	assertErrorCode(t, ts.do(http.MethodPost, base+"/hold", "u-nurse", nil), http.StatusForbidden, model.ErrForbidden)
	assertErrorCode(t, ts.do(http.MethodPost, base+"/fail", "u-nurse", nil), http.StatusForbidden, model.ErrForbidden)

	var held model.WorkflowInstance
	decodeInto(t, ts.do(http.MethodPost, base+"/hold", "u-admin", map[string]any{"reason": "awaiting parts"}), http.StatusOK, &held)
	if held.Status != model.InstanceStatusOnHold {
		t.Fatalf("status = %s, want on_hold", held.Status)
	}

	assertErrorCode(t, ts.do(http.MethodPost, base+"/resume", "u-nurse", nil), http.StatusForbidden, model.ErrForbidden)

	var resumed model.WorkflowInstance
	decodeInto(t, ts.do(http.MethodPost, base+"/resume", "u-admin", nil), http.StatusOK, &resumed)
	if resumed.Status != model.InstanceStatusInProgress {
		t.Errorf("status = %s, want in_progress", resumed.Status)
	}
}

func TestInstance_history(t *testing.T) {
	ts := newTestServer(t)
	inst := ts.createInstance("asset:scope-5")
	ts.do(http.MethodPost, "/v1/instances/"+inst.ID+"/cancel", "u-nurse", nil)

	w := ts.do(http.MethodGet, "/v1/instances/"+inst.ID+"/history", "u-nurse", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	var (
		types   []string
		lastSeq int64
	)
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		var ev model.HistoryEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		if ev.Seq <= lastSeq {
			t.Errorf("seq %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		types = append(types, ev.Type)
	}
	if len(types) == 0 || types[0] != model.EventCreated {
		t.Fatalf("events = %v, want created first", types)
	}
	if types[len(types)-1] != model.EventCancelled {
		t.Errorf("last event = %s, want cancelled", types[len(types)-1])
	}
}

func TestInstance_dataRejectsEmpty(t *testing.T) {
	ts := newTestServer(t)
	inst := ts.createInstance("asset:pump-1")
	w := ts.do(http.MethodPost, "/v1/instances/"+inst.ID+"/data", "u-nurse", map[string]any{"data": map[string]any{}})
	assertErrorCode(t, w, http.StatusBadRequest, model.ErrBadRequest)
}

// --- Approval tests ---

func TestDecision_notAnApprover(t *testing.T) {
	ts := newTestServer(t)
	inst := ts.createInstance("asset:ecg-4")

	w := ts.do(http.MethodPost, "/v1/stage-instances/"+inst.CurrentStageInstanceID+"/decisions", "u-nurse",
		map[string]any{"decision": model.DecisionApproved})
	assertErrorCode(t, w, http.StatusForbidden, model.ErrNotAnApprover)
}

func TestDecision_alreadyDecided(t *testing.T) {
	ts := newTestServer(t)
	inst := ts.createInstance("asset:ecg-5")
	path := "/v1/stage-instances/" + inst.CurrentStageInstanceID + "/decisions"

	decodeInto(t, ts.do(http.MethodPost, path, "u-fm", map[string]any{"decision": model.DecisionRejected}), http.StatusOK, nil)
	assertErrorCode(t, ts.do(http.MethodPost, path, "u-fm", map[string]any{"decision": model.DecisionApproved}),
		http.StatusConflict, model.ErrAlreadyDecided)
}

func TestStageApprovals(t *testing.T) {
	ts := newTestServer(t)
	inst := ts.createInstance("asset:ecg-6")

	var rows struct {
		Data []model.Approval `json:"data"`
	}
	w := ts.do(http.MethodGet, "/v1/stage-instances/"+inst.CurrentStageInstanceID+"/approvals", "u-nurse", nil)
	decodeInto(t, w, http.StatusOK, &rows)
	if len(rows.Data) != 1 || rows.Data[0].ApproverID != "u-fm" {
		t.Errorf("approvals = %+v, want one row for u-fm", rows.Data)
	}
}

// --- Template tests ---

const transferYAML = `
id: transfer-v1
family: transfer
version: 1
name: Inter-ward transfer
process: transfer
start_stage: requested
stages:
  - id: requested
    name: Requested
  - id: moved
    name: Moved
    terminal: true
transitions:
  - from: requested
    to: moved
`

func TestTemplate_publishRequiresCapability(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodPost, "/v1/templates", "u-nurse", transferYAML)
	assertErrorCode(t, w, http.StatusForbidden, model.ErrForbidden)
}

func TestTemplate_publishListGetRetire(t *testing.T) {
	ts := newTestServer(t)

	var published model.WorkflowTemplate
	decodeInto(t, ts.do(http.MethodPost, "/v1/templates", "u-admin", transferYAML), http.StatusCreated, &published)
	if published.ID != "transfer-v1" || published.Status != model.TemplateStatusActive {
		t.Fatalf("published = %s (%s)", published.ID, published.Status)
	}
	if ts.loaded != 2 {
		t.Errorf("change hook saw %d templates, want 2", ts.loaded)
	}

	assertErrorCode(t, ts.do(http.MethodPost, "/v1/templates", "u-admin", transferYAML), http.StatusConflict, model.ErrConflict)

	var list struct {
		Data     []model.WorkflowTemplate `json:"data"`
		Checksum string                   `json:"checksum"`
	}
	decodeInto(t, ts.do(http.MethodGet, "/v1/templates", "u-nurse", nil), http.StatusOK, &list)
	if len(list.Data) != 2 || list.Checksum == "" {
		t.Errorf("list = %d templates, checksum %q", len(list.Data), list.Checksum)
	}

	decodeInto(t, ts.do(http.MethodGet, "/v1/templates/transfer-v1", "u-nurse", nil), http.StatusOK, nil)
	assertErrorCode(t, ts.do(http.MethodGet, "/v1/templates/nope", "u-nurse", nil), http.StatusNotFound, model.ErrNotFound)

	var retired model.WorkflowTemplate
	decodeInto(t, ts.do(http.MethodPost, "/v1/templates/transfer-v1/retire", "u-admin", nil), http.StatusOK, &retired)
	if retired.Status != model.TemplateStatusRetired {
		t.Errorf("status = %s, want retired", retired.Status)
	}

	w := ts.do(http.MethodPost, "/v1/instances", "u-nurse", map[string]any{"template_id": "transfer-v1", "subject_ref": "asset:bed-1"})
	assertErrorCode(t, w, http.StatusConflict, model.ErrTemplateNotActive)
}

func TestTemplate_publishInvalid(t *testing.T) {
	ts := newTestServer(t)

	assertErrorCode(t, ts.do(http.MethodPost, "/v1/templates", "u-admin", "id: [unterminated"), http.StatusBadRequest, model.ErrBadRequest)

	noEdges := strings.Replace(transferYAML, "transitions:\n  - from: requested\n    to: moved\n", "transitions: []\n", 1)
	assertErrorCode(t, ts.do(http.MethodPost, "/v1/templates", "u-admin", noEdges), http.StatusUnprocessableEntity, model.ErrInvalidTemplate)
}

func TestTemplate_retireUnknown(t *testing.T) {
	ts := newTestServer(t)
	assertErrorCode(t, ts.do(http.MethodPost, "/v1/templates/nope/retire", "u-admin", nil), http.StatusNotFound, model.ErrNotFound)
}
