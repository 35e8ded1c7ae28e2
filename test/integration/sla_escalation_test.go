package integration

import (
	"context"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/wardflow/internal/scheduler"
	"github.com/pitabwire/wardflow/model"
)

const deliveryWait = 2 * time.Second

// ==========================================================================
// Violation, then escalation levels
// ==========================================================================

func TestSLA_ViolationThenEscalationLevels(t *testing.T) {
	h := NewTestHarness(t)
	nurse := h.GenerateToken(NurseClaims())

	inst := createMaintenance(t, h, nurse, "vent-0311")
	stageID := inst.CurrentStageInstanceID

	// Within the 4h deadline nothing is raised.
	h.Clock.Advance(3 * time.Hour)
	h.Escalate(scheduler.KindSweep)
	if v, ok, _ := h.SLAStore.Violation(context.Background(), stageID); ok {
		t.Fatalf("violation before the deadline: %s", FormatJSON(v))
	}

	// One hour past due: the sweep records the violation once.
	h.Clock.Advance(2 * time.Hour)
	h.Escalate(scheduler.KindSweep)
	h.Escalate(scheduler.KindSweep)

	events := h.Sink.WaitFor(t, 1, deliveryWait)
	first := events[0]
	if first.Kind != model.EscalationViolation || first.Level != 0 {
		t.Errorf("first event = %s/%d, want violation/0", first.Kind, first.Level)
	}
	if first.MinutesExceeded != 60 {
		t.Errorf("minutes exceeded = %d, want 60", first.MinutesExceeded)
	}
	if !slices.Equal(first.AssignedApprovers, []string{"u-fm-ward3"}) {
		t.Errorf("approvers = %v", first.AssignedApprovers)
	}

	// Level 1 is reached at one hour past due; a second pass adds nothing.
	h.Escalate(scheduler.KindEscalate)
	h.Escalate(scheduler.KindEscalate)

	// Four hours past due reaches level 2.
	h.Clock.Advance(3 * time.Hour)
	h.Escalate(scheduler.KindEscalate)

	events = h.Sink.WaitFor(t, 3, deliveryWait)
	if len(events) != 3 {
		t.Fatalf("events = %s, want exactly 3", FormatJSON(events))
	}
	for i, want := range []int{0, 1, 2} {
		if events[i].Level != want {
			t.Errorf("event %d level = %d, want %d", i, events[i].Level, want)
		}
	}
	if !slices.Equal(events[1].NotifyRoles, []string{"facility_manager"}) {
		t.Errorf("level 1 roles = %v", events[1].NotifyRoles)
	}
	if !slices.Equal(events[2].NotifyRoles, []string{"equipment_admin"}) {
		t.Errorf("level 2 roles = %v", events[2].NotifyRoles)
	}
	if events[2].MinutesExceeded != 240 {
		t.Errorf("level 2 minutes exceeded = %d, want 240", events[2].MinutesExceeded)
	}

	// Both are on the audit trail.
	types := historyTypes(t, h, nurse, inst.ID)
	for _, want := range []string{model.EventSLAViolated, model.EventSLAEscalated} {
		if !contains(types, want) {
			t.Errorf("history lacks %s: %v", want, types)
		}
	}

	// Closing the stage resolves the violation.
	manager := h.GenerateToken(ManagerClaims())
	decide(t, h, manager, stageID, map[string]any{"decision": model.DecisionApproved})

	v, ok, err := h.SLAStore.Violation(context.Background(), stageID)
	if err != nil || !ok {
		t.Fatalf("violation lookup: ok=%v err=%v", ok, err)
	}
	if !v.Resolved || v.ResolvedAt == nil {
		t.Errorf("violation not resolved after the stage closed: %s", FormatJSON(v))
	}

	Eventually(t, deliveryWait, func() bool {
		return testutil.ToFloat64(h.Metrics.EscalationsDispatchedTotal.WithLabelValues(model.EscalationReminder)) == 2
	}, "two reminders counted as dispatched")
}

// ==========================================================================
// Holding an instance suspends its deadline
// ==========================================================================

func TestSLA_HoldSuspendsDeadline(t *testing.T) {
	h := NewTestHarness(t)
	nurse := h.GenerateToken(NurseClaims())
	admin := h.GenerateToken(AdminClaims())

	inst := createMaintenance(t, h, nurse, "dialysis-04")
	base := "/v1/instances/" + inst.ID

	h.Clock.Advance(3 * time.Hour)
	var held model.WorkflowInstance
	h.AssertJSON(t, h.POST(base+"/hold", map[string]any{"reason": "awaiting manufacturer advice"}, admin), http.StatusOK, &held)
	if held.Status != model.InstanceStatusOnHold {
		t.Fatalf("status = %s, want on_hold", held.Status)
	}

	// Time on hold does not count against the deadline.
	h.Clock.Advance(24 * time.Hour)
	h.Escalate(scheduler.KindSweep)
	if _, ok, _ := h.SLAStore.Violation(context.Background(), inst.CurrentStageInstanceID); ok {
		t.Fatal("held stage was swept")
	}

	// Resume restores the hour that was left.
	var resumed model.WorkflowInstance
	h.AssertJSON(t, h.POST(base+"/resume", nil, admin), http.StatusOK, &resumed)

	var stages struct {
		Data []model.StageInstance `json:"data"`
	}
	h.AssertJSON(t, h.GET(base+"/stages", nurse), http.StatusOK, &stages)
	open := stages.Data[len(stages.Data)-1]
	if open.DueAt == nil || !open.DueAt.Equal(h.Clock.Now().Add(time.Hour)) {
		t.Fatalf("due at = %v, want one hour from resume", open.DueAt)
	}

	h.Clock.Advance(30 * time.Minute)
	h.Escalate(scheduler.KindSweep)
	if _, ok, _ := h.SLAStore.Violation(context.Background(), open.ID); ok {
		t.Fatal("violation raised before the restored deadline")
	}

	h.Clock.Advance(time.Hour)
	h.Escalate(scheduler.KindSweep)
	events := h.Sink.WaitFor(t, 1, deliveryWait)
	if events[0].StageInstanceID != open.ID || events[0].MinutesExceeded != 30 {
		t.Errorf("event = %s", FormatJSON(events[0]))
	}
}

// ==========================================================================
// An overrun is recorded before the action that ends it
// ==========================================================================

func TestSLA_OverrunRecordedBeforeDecision(t *testing.T) {
	h := NewTestHarness(t)
	nurse := h.GenerateToken(NurseClaims())
	manager := h.GenerateToken(ManagerClaims())

	inst := createMaintenance(t, h, nurse, "scope-77")

	// No sweep runs; the decision itself notices the overrun.
	h.Clock.Advance(6 * time.Hour)
	decide(t, h, manager, inst.CurrentStageInstanceID, map[string]any{"decision": model.DecisionApproved})

	v, ok, err := h.SLAStore.Violation(context.Background(), inst.CurrentStageInstanceID)
	if err != nil || !ok {
		t.Fatalf("no violation recorded: ok=%v err=%v", ok, err)
	}
	if v.MinutesExceeded != 120 || !v.Resolved {
		t.Errorf("violation = %s, want 120 minutes and resolved", FormatJSON(v))
	}

	types := historyTypes(t, h, nurse, inst.ID)
	violated := slices.Index(types, model.EventSLAViolated)
	decided := slices.Index(types, model.EventApprovalDecided)
	if violated < 0 || decided < 0 || violated > decided {
		t.Errorf("history order = %v, want sla_violated before approval_decided", types)
	}

	// The decision announced the overrun; the closed stage raises nothing more.
	events := h.Sink.WaitFor(t, 1, deliveryWait)
	if events[0].Kind != model.EscalationViolation || events[0].Level != 0 || events[0].MinutesExceeded != 120 {
		t.Errorf("event = %s, want violation/0 at 120 minutes", FormatJSON(events[0]))
	}
	h.Escalate(scheduler.KindSweep)
	h.Escalate(scheduler.KindEscalate)
	time.Sleep(50 * time.Millisecond)
	if evs := h.Sink.Events(); len(evs) != 1 {
		t.Errorf("events after close = %s, want only the violation", FormatJSON(evs))
	}
}
