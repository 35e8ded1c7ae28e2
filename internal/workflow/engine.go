// Package workflow drives workflow instances through their template graph:
// stage entry and exit, approval gates, SLA registration and the audit
// trail of every change.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/approval"
	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/internal/idempotency"
	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/internal/sla"
	"github.com/pitabwire/wardflow/internal/template"
	"github.com/pitabwire/wardflow/model"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultConflictTries  = 5
)

// CreateRequest starts a new instance.
type CreateRequest struct {
	TemplateID     string         `json:"template_id"`
	SubjectRef     string         `json:"subject_ref"`
	Priority       string         `json:"priority,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Draft          bool           `json:"draft,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// TransitionRequest moves an instance from its open stage to Target.
// FromStageInstanceID pins the request to one stage visit; when that visit is
// already closed the request is a no-op.
type TransitionRequest struct {
	InstanceID          string         `json:"-"`
	Target              string         `json:"target"`
	Data                map[string]any `json:"data,omitempty"`
	FromStageInstanceID string         `json:"from_stage_instance_id,omitempty"`
}

// DecisionRequest is the caller's decision on a gate.
type DecisionRequest struct {
	StageInstanceID string `json:"-"`
	Decision        string `json:"decision"`
	Comment         string `json:"comment,omitempty"`
	DelegateTo      string `json:"delegate_to,omitempty"`
}

// DecisionResult reports a decision and, when it resolved the gate, the
// automatic transition it triggered.
type DecisionResult struct {
	Outcome    string                  `json:"outcome"`
	Approval   *model.Approval         `json:"approval,omitempty"`
	Delegate   *model.Approval         `json:"delegate,omitempty"`
	Gate       model.GateState         `json:"gate"`
	Transition *model.TransitionResult `json:"transition,omitempty"`
}

// Observer receives engine outcomes. *observability.Metrics implements it.
type Observer interface {
	RecordInstanceCreated(templateID string)
	RecordTransition(templateID, outcome string)
	RecordInstanceClosed(templateID, status string)
	RecordDecision(decision, gateState string)
}

// Escalator receives violations the engine finds while acting on a stage.
// *escalation.Dispatcher implements it.
type Escalator interface {
	Dispatch(ev model.EscalationEvent) error
}

type nopObserver struct{}

func (nopObserver) RecordInstanceCreated(string)        {}
func (nopObserver) RecordTransition(string, string)     {}
func (nopObserver) RecordInstanceClosed(string, string) {}
func (nopObserver) RecordDecision(string, string)       {}

// Engine manages the lifecycle of workflow instances. Operations on one
// instance are serialized; different instances never share a lock.
type Engine struct {
	registry  *template.Registry
	store     Store
	approvals *approval.Coordinator
	sla       *sla.Monitor
	recorder  *history.Recorder
	conds     *template.Conditions
	idem      idempotency.Store
	idemTTL   time.Duration
	locks     *keyedMutex
	logger    *zap.Logger
	observer  Observer
	escalator Escalator
	now       func() time.Time
	tries     uint
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConditions shares a compiled condition cache, typically the one the
// registry validated templates with.
func WithConditions(c *template.Conditions) Option {
	return func(e *Engine) { e.conds = c }
}

// WithIdempotency sets the store used to dedupe CreateInstance.
func WithIdempotency(s idempotency.Store, ttl time.Duration) Option {
	return func(e *Engine) {
		e.idem = s
		if ttl > 0 {
			e.idemTTL = ttl
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithEscalator hands violations found by the engine straight to the
// dispatcher. Without one they wait for the next SLA sweep.
func WithEscalator(x Escalator) Option {
	return func(e *Engine) { e.escalator = x }
}

// WithConflictRetries bounds how often a version conflict is retried.
func WithConflictRetries(n uint) Option {
	return func(e *Engine) {
		if n > 0 {
			e.tries = n
		}
	}
}

// NewEngine creates a new workflow engine.
func NewEngine(
	registry *template.Registry,
	store Store,
	approvals *approval.Coordinator,
	monitor *sla.Monitor,
	recorder *history.Recorder,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry:  registry,
		store:     store,
		approvals: approvals,
		sla:       monitor,
		recorder:  recorder,
		idemTTL:   defaultIdempotencyTTL,
		locks:     newKeyedMutex(),
		logger:    zap.NewNop(),
		observer:  nopObserver{},
		now:       func() time.Time { return time.Now().UTC() },
		tries:     defaultConflictTries,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.conds == nil {
		e.conds = template.NewConditions()
	}
	if e.idem == nil {
		e.idem = idempotency.NewMemoryStore()
	}
	return e
}

// --- Create and start ---

// CreateInstance creates an instance of an active template and enters its
// start stage, unless req.Draft keeps it in draft.
func (e *Engine) CreateInstance(ctx context.Context, actor model.Actor, req CreateRequest) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrTemplateID.String(req.TemplateID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate the request.
	if err := actor.Validate(); err != nil {
		return model.WorkflowInstance{}, model.NewUnauthorizedError(err.Error())
	}
	if req.TemplateID == "" || req.SubjectRef == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("template_id and subject_ref are required")
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	switch priority {
	case model.PriorityLow, model.PriorityNormal, model.PriorityHigh, model.PriorityUrgent:
	default:
		return model.WorkflowInstance{}, model.NewBadRequestError(fmt.Sprintf("invalid priority %q", priority))
	}

	// 2. Resolve the template.
	tpl, ok := e.registry.Get(req.TemplateID)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", req.TemplateID))
	}
	if !tpl.Active() {
		return model.WorkflowInstance{}, model.NewTemplateNotActiveError(tpl.ID)
	}

	// 3. Dedupe redelivered triggers.
	var idemKey string
	if req.IdempotencyKey != "" {
		idemKey = idempotency.Key(tpl.ID, req.IdempotencyKey)
		var (
			existing string
			reserved bool
		)
		existing, reserved, err = e.idem.Reserve(ctx, idemKey, e.idemTTL)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if !reserved {
			return e.store.Get(ctx, existing)
		}
		defer func() {
			if err != nil {
				if rerr := e.idem.Release(context.WithoutCancel(ctx), idemKey); rerr != nil {
					e.logger.Warn("releasing idempotency key failed", zap.String("key", idemKey), zap.Error(rerr))
				}
			}
		}()
	}

	// 4. Build the instance and enter the start stage.
	now := e.now()
	status := model.InstanceStatusInProgress
	if req.Draft {
		status = model.InstanceStatusDraft
	}
	l := &loaded{
		tpl: tpl,
		inst: model.WorkflowInstance{
			ID:             uuid.New().String(),
			TemplateID:     tpl.ID,
			SubjectRef:     req.SubjectRef,
			Status:         status,
			Priority:       priority,
			Initiator:      actor.ID,
			Data:           maps.Clone(req.Data),
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		},
	}
	events := []model.HistoryEvent{l.event(model.EventCreated, "", actor, now, map[string]any{
		"template_id": tpl.ID,
		"subject_ref": req.SubjectRef,
		"priority":    priority,
		"draft":       req.Draft,
	})}

	fx := &effects{}
	var touched []model.StageInstance
	if !req.Draft {
		si, evs, err := e.enterStage(ctx, l, tpl.StartStage, actor, now, fx)
		if err != nil {
			fx.undo(ctx, e)
			return model.WorkflowInstance{}, err
		}
		touched = append(touched, si)
		events = append(events, evs...)
	}

	// 5. Persist.
	if err := e.commit(ctx, l, touched, events, fx, now); err != nil {
		return model.WorkflowInstance{}, err
	}
	if idemKey != "" {
		if err := e.idem.Complete(ctx, idemKey, l.inst.ID, e.idemTTL); err != nil {
			e.logger.Warn("recording idempotency key failed", zap.String("key", idemKey), zap.Error(err))
		}
	}

	e.observer.RecordInstanceCreated(tpl.ID)
	e.logger.Info("instance created",
		zap.String("instance_id", l.inst.ID),
		zap.String("template_id", tpl.ID),
		zap.String("subject_ref", req.SubjectRef),
		zap.String("status", l.inst.Status),
		zap.String("actor", actor.ID),
	)
	return l.inst, nil
}

// Start moves a draft instance into its start stage.
func (e *Engine) Start(ctx context.Context, actor model.Actor, instanceID string) (model.WorkflowInstance, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	return retryOnConflict(ctx, e, func() (model.WorkflowInstance, error) {
		now := e.now()
		l, err := e.load(ctx, instanceID)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if l.inst.Terminal() {
			return model.WorkflowInstance{}, model.NewInstanceTerminalError(l.inst.ID, l.inst.Status)
		}
		if l.inst.Status != model.InstanceStatusDraft {
			return model.WorkflowInstance{}, model.NewInvalidStateError(
				fmt.Sprintf("instance %q is %s, only drafts can be started", l.inst.ID, l.inst.Status),
			)
		}

		l.inst.Status = model.InstanceStatusInProgress
		events := []model.HistoryEvent{l.event(model.EventStarted, "", actor, now, nil)}
		fx := &effects{}
		si, evs, err := e.enterStage(ctx, l, l.tpl.StartStage, actor, now, fx)
		if err != nil {
			fx.undo(ctx, e)
			return model.WorkflowInstance{}, err
		}
		if err := e.commit(ctx, l, []model.StageInstance{si}, append(events, evs...), fx, now); err != nil {
			return model.WorkflowInstance{}, err
		}
		e.logger.Info("instance started", zap.String("instance_id", l.inst.ID), zap.String("actor", actor.ID))
		return l.inst, nil
	})
}

// --- Transitions ---

// RequestTransition moves the instance along one template edge.
func (e *Engine) RequestTransition(ctx context.Context, actor model.Actor, req TransitionRequest) (res model.TransitionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		observability.AttrInstanceID.String(req.InstanceID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(req.InstanceID)
	defer unlock()

	return retryOnConflict(ctx, e, func() (model.TransitionResult, error) {
		return e.transition(ctx, actor, req)
	})
}

func (e *Engine) transition(ctx context.Context, actor model.Actor, req TransitionRequest) (model.TransitionResult, error) {
	now := e.now()
	l, err := e.load(ctx, req.InstanceID)
	if err != nil {
		return model.TransitionResult{}, err
	}

	// 0. An overrun is on record before the action that ends it.
	if err := e.checkSLA(ctx, l, now); err != nil {
		return model.TransitionResult{}, err
	}

	// 1. Instance status and stale requests.
	if req.FromStageInstanceID != "" {
		from := l.stage(req.FromStageInstanceID)
		if from == nil {
			return model.TransitionResult{}, notFound("stage instance", req.FromStageInstanceID)
		}
		if !from.Open() {
			e.observer.RecordTransition(l.tpl.ID, model.OutcomeAlreadyApplied)
			return model.TransitionResult{Outcome: model.OutcomeAlreadyApplied, Instance: l.inst}, nil
		}
	}
	if l.inst.Terminal() {
		return model.TransitionResult{}, model.NewInstanceTerminalError(l.inst.ID, l.inst.Status)
	}
	if l.inst.Status != model.InstanceStatusInProgress {
		return model.TransitionResult{}, model.NewInvalidStateError(
			fmt.Sprintf("instance %q is %s", l.inst.ID, l.inst.Status),
		)
	}
	cur := l.open()
	if cur == nil {
		return model.TransitionResult{}, model.NewInvalidStateError(fmt.Sprintf("instance %q has no open stage", l.inst.ID))
	}
	stage := l.tpl.Stage(cur.StageID)
	if stage == nil {
		return model.TransitionResult{}, fmt.Errorf("stage %q missing from template %q", cur.StageID, l.tpl.ID)
	}

	// 2. Edge, capability and condition.
	edge, ok := l.tpl.Edge(cur.StageID, req.Target)
	if !ok {
		return model.TransitionResult{}, model.NewIllegalTransitionError(
			fmt.Sprintf("no transition from %q to %q", cur.StageID, req.Target),
		)
	}
	if !actor.Can(edge.Capability) {
		return model.TransitionResult{}, model.NewForbiddenError(
			fmt.Sprintf("transition %s -> %s requires capability %q", edge.From, edge.To, edge.Capability),
		)
	}
	data := mergeData(l.inst.Data, cur.Data, req.Data)
	allowed, err := e.conds.Eval(edge.Condition, template.ConditionInput{
		Data:     data,
		Priority: l.inst.Priority,
		Subject:  l.inst.SubjectRef,
		Stage:    cur.StageID,
	})
	if err != nil {
		return model.TransitionResult{}, model.NewIllegalTransitionError(
			fmt.Sprintf("transition %s -> %s: %v", edge.From, edge.To, err),
		)
	}
	if !allowed {
		return model.TransitionResult{}, model.NewIllegalTransitionError(
			fmt.Sprintf("condition on %s -> %s is not met", edge.From, edge.To),
		)
	}

	// 3. Required fields.
	if missing := missingFields(stage.RequiredFields, data); len(missing) > 0 {
		return model.TransitionResult{}, model.NewIncompleteStageError(cur.StageID, missing)
	}

	// 4. Approval gate.
	closeStatus := model.StageStatusCompleted
	if stage.Approval != nil {
		gate, err := e.approvals.Evaluate(ctx, cur.ID)
		if err != nil {
			return model.TransitionResult{}, err
		}
		switch gate.State {
		case model.GatePending:
			return model.TransitionResult{}, model.NewApprovalPendingError(gate)
		case model.GateRejected:
			if req.Target != stage.Approval.OnRejected {
				return model.TransitionResult{}, model.NewGateRejectedError(cur.StageID)
			}
			closeStatus = model.StageStatusRejected
		case model.GateSatisfied:
			closeStatus = model.StageStatusApproved
		}
	}

	// 5. Close the current stage and enter the next.
	fx := &effects{}
	cur.Data = mergeData(cur.Data, req.Data)
	cur.Status = closeStatus
	cur.CompletedAt = &now
	cur.ClosedBy = actor.ID
	l.inst.Data = mergeData(l.inst.Data, cur.Data)
	if stage.Approval != nil {
		fx.closeGates = append(fx.closeGates, cur.ID)
	}
	fx.deregister = append(fx.deregister, cur.ID)
	closed := *cur

	events := []model.HistoryEvent{l.event(model.EventStageCompleted, cur.ID, actor, now, map[string]any{
		"stage":      cur.StageID,
		"status":     closeStatus,
		"to":         req.Target,
		"transition": edge.Name,
	})}
	next, evs, err := e.enterStage(ctx, l, req.Target, actor, now, fx)
	if err != nil {
		fx.undo(ctx, e)
		return model.TransitionResult{}, err
	}
	events = append(events, evs...)

	if err := e.commit(ctx, l, []model.StageInstance{closed, next}, events, fx, now); err != nil {
		return model.TransitionResult{}, err
	}

	e.observer.RecordTransition(l.tpl.ID, model.OutcomeTransitioned)
	if l.inst.Terminal() {
		e.observer.RecordInstanceClosed(l.tpl.ID, l.inst.Status)
	}
	e.logger.Info("stage transitioned",
		zap.String("instance_id", l.inst.ID),
		zap.String("from", closed.StageID),
		zap.String("to", next.StageID),
		zap.String("status", l.inst.Status),
		zap.String("actor", actor.ID),
	)
	return model.TransitionResult{
		Outcome:  model.OutcomeTransitioned,
		Instance: l.inst,
		Closed:   &closed,
		Opened:   &next,
	}, nil
}

// --- Decisions ---

// Decide records the actor's decision on a stage gate. When the decision
// resolves the gate and the policy names a follow-up stage, the instance is
// advanced automatically once the decision is stored.
func (e *Engine) Decide(ctx context.Context, actor model.Actor, req DecisionRequest) (res DecisionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.decide",
		observability.AttrStageInstanceID.String(req.StageInstanceID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	si, err := e.store.Stage(ctx, req.StageInstanceID)
	if err != nil {
		return DecisionResult{}, err
	}

	res, target, err := e.decide(ctx, actor, si.InstanceID, req)
	if err != nil || target == "" {
		return res, err
	}

	tr, err := e.RequestTransition(ctx, model.SystemActor(), TransitionRequest{
		InstanceID:          si.InstanceID,
		Target:              target,
		FromStageInstanceID: si.ID,
	})
	if err != nil {
		// The decision stands; the instance stays on the stage for a manual
		// transition.
		e.logger.Warn("automatic advance failed",
			zap.String("instance_id", si.InstanceID),
			zap.String("stage_instance_id", si.ID),
			zap.String("target", target),
			zap.Error(err),
		)
		return res, nil
	}
	res.Transition = &tr
	return res, nil
}

func (e *Engine) decide(ctx context.Context, actor model.Actor, instanceID string, req DecisionRequest) (DecisionResult, string, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	now := e.now()
	l, err := e.load(ctx, instanceID)
	if err != nil {
		return DecisionResult{}, "", err
	}
	si := l.stage(req.StageInstanceID)
	if si == nil {
		return DecisionResult{}, "", notFound("stage instance", req.StageInstanceID)
	}
	stage := l.tpl.Stage(si.StageID)
	if stage == nil || stage.Approval == nil {
		return DecisionResult{}, "", model.NewBadRequestError(fmt.Sprintf("stage %q has no approval gate", si.StageID))
	}

	// A closed stage already left its gate behind; a pending approver losing
	// that race gets a no-op.
	if !si.Open() {
		return e.lateDecision(ctx, actor, si.ID)
	}
	if l.inst.Terminal() {
		return DecisionResult{}, "", model.NewInstanceTerminalError(l.inst.ID, l.inst.Status)
	}
	if l.inst.Status != model.InstanceStatusInProgress {
		return DecisionResult{}, "", model.NewInvalidStateError(fmt.Sprintf("instance %q is %s", l.inst.ID, l.inst.Status))
	}

	// 0. An overrun is on record before the decision.
	if err := e.checkStage(ctx, si.ID, now); err != nil {
		return DecisionResult{}, "", err
	}

	out, err := e.approvals.Decide(ctx, approval.DecideInput{
		StageInstanceID: si.ID,
		ApproverID:      actor.ID,
		Decision:        req.Decision,
		Comment:         req.Comment,
		DelegateTo:      req.DelegateTo,
	})
	if err != nil {
		return DecisionResult{}, "", err
	}
	e.observer.RecordDecision(out.Approval.Decision, out.Gate.State)

	// Escalations name whoever currently holds the decision.
	if out.Delegate != nil && si.DueAt != nil {
		if err := e.registerDeadline(ctx, *si, now); err != nil {
			e.logger.Warn("refreshing deadline approvers failed", zap.String("stage_instance_id", si.ID), zap.Error(err))
		}
	}

	res := DecisionResult{
		Outcome:  model.OutcomeRecorded,
		Approval: &out.Approval,
		Delegate: out.Delegate,
		Gate:     out.Gate,
	}
	var target string
	switch out.Gate.State {
	case model.GateSatisfied:
		target = stage.Approval.OnApproved
	case model.GateRejected:
		target = stage.Approval.OnRejected
	}
	return res, target, nil
}

func (e *Engine) lateDecision(ctx context.Context, actor model.Actor, stageInstanceID string) (DecisionResult, string, error) {
	rows, err := e.approvals.Approvals(ctx, stageInstanceID)
	if err != nil {
		return DecisionResult{}, "", err
	}
	idx := slices.IndexFunc(rows, func(a model.Approval) bool { return a.ApproverID == actor.ID })
	if idx < 0 {
		return DecisionResult{}, "", model.NewNotAnApproverError(actor.ID)
	}
	if rows[idx].Decision != model.DecisionPending {
		return DecisionResult{}, "", model.NewAlreadyDecidedError(actor.ID)
	}
	gate, err := e.approvals.Evaluate(ctx, stageInstanceID)
	if err != nil {
		return DecisionResult{}, "", err
	}
	return DecisionResult{Outcome: model.OutcomeAlreadyApplied, Gate: gate}, "", nil
}

// --- Internals ---

// loaded is an instance with its template and stage history, as read at the
// start of one operation.
type loaded struct {
	inst    model.WorkflowInstance
	tpl     model.WorkflowTemplate
	stages  []model.StageInstance
	version int
}

func (e *Engine) load(ctx context.Context, instanceID string) (*loaded, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tpl, ok := e.registry.Get(inst.TemplateID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("template %q not found", inst.TemplateID))
	}
	stages, err := e.store.Stages(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &loaded{inst: inst, tpl: tpl, stages: stages, version: inst.Version}, nil
}

// open returns the open stage instance, if any.
func (l *loaded) open() *model.StageInstance {
	for i := range l.stages {
		if l.stages[i].Open() {
			return &l.stages[i]
		}
	}
	return nil
}

func (l *loaded) stage(id string) *model.StageInstance {
	for i := range l.stages {
		if l.stages[i].ID == id {
			return &l.stages[i]
		}
	}
	return nil
}

func (l *loaded) visits(stageID string) int {
	n := 0
	for _, si := range l.stages {
		if si.StageID == stageID {
			n++
		}
	}
	return n
}

func (l *loaded) event(typ, stageInstanceID string, actor model.Actor, at time.Time, payload map[string]any) model.HistoryEvent {
	return model.HistoryEvent{
		InstanceID:      l.inst.ID,
		StageInstanceID: stageInstanceID,
		Type:            typ,
		Actor:           actor.ID,
		Timestamp:       at,
		Payload:         payload,
	}
}

// enterStage opens a stage instance for stageID. Gates and deadlines of the
// new stage are created here and recorded in fx so a failed commit can undo
// them. A terminal stage closes immediately and ends the instance.
func (e *Engine) enterStage(ctx context.Context, l *loaded, stageID string, actor model.Actor, now time.Time, fx *effects) (model.StageInstance, []model.HistoryEvent, error) {
	stage := l.tpl.Stage(stageID)
	if stage == nil {
		return model.StageInstance{}, nil, fmt.Errorf("stage %q missing from template %q", stageID, l.tpl.ID)
	}

	si := model.StageInstance{
		ID:         uuid.New().String(),
		InstanceID: l.inst.ID,
		StageID:    stageID,
		Visit:      l.visits(stageID) + 1,
		Status:     model.StageStatusInProgress,
		EnteredAt:  now,
	}
	l.inst.CurrentStage = stageID
	l.inst.CurrentStageInstanceID = si.ID
	events := []model.HistoryEvent{l.event(model.EventStageEntered, si.ID, actor, now, map[string]any{
		"stage": stageID,
		"visit": si.Visit,
	})}

	if stage.Terminal {
		si.Status = model.StageStatusCompleted
		si.CompletedAt = &now
		si.ClosedBy = actor.ID
		l.inst.Status = stage.TerminalStatus()
		l.inst.CompletedAt = &now
		l.inst.CurrentStageInstanceID = ""
		events = append(events, l.event(terminalEvent(l.inst.Status), si.ID, actor, now, map[string]any{
			"stage":   stageID,
			"outcome": l.inst.Status,
		}))
		l.stages = append(l.stages, si)
		return si, events, nil
	}

	var approvers []string
	if stage.Approval != nil {
		gate, err := e.approvals.OpenGate(ctx, si, *stage.Approval)
		if err != nil {
			return model.StageInstance{}, nil, err
		}
		fx.openedGates = append(fx.openedGates, si.ID)
		rows, err := e.approvals.Approvals(ctx, si.ID)
		if err != nil {
			return model.StageInstance{}, nil, err
		}
		approvers = approval.Approvers(rows)
		si.Status = model.StageStatusWaitingApproval
		events = append(events, l.event(model.EventGateOpened, si.ID, actor, now, map[string]any{
			"quorum":    stage.Approval.Quorum,
			"required":  gate.Required,
			"approvers": approvers,
		}))
	}

	if stage.SLA != nil {
		offset, err := stage.SLA.Offset()
		if err != nil {
			return model.StageInstance{}, nil, fmt.Errorf("stage %q deadline: %w", stageID, err)
		}
		due := now.Add(offset)
		si.DueAt = &due
		err = e.sla.RegisterDeadline(ctx, model.Deadline{
			StageInstanceID: si.ID,
			InstanceID:      l.inst.ID,
			StageID:         stageID,
			DueAt:           due,
			RegisteredAt:    now,
			Approvers:       approvers,
		})
		if err != nil {
			return model.StageInstance{}, nil, err
		}
		fx.registered = append(fx.registered, si.ID)
	}

	l.stages = append(l.stages, si)
	return si, events, nil
}

func (e *Engine) checkSLA(ctx context.Context, l *loaded, now time.Time) error {
	if l.inst.Status != model.InstanceStatusInProgress {
		return nil
	}
	if open := l.open(); open != nil {
		return e.checkStage(ctx, open.ID, now)
	}
	return nil
}

// checkStage records an overrun of one stage instance and announces it.
func (e *Engine) checkStage(ctx context.Context, stageInstanceID string, now time.Time) error {
	v, err := e.sla.Check(ctx, stageInstanceID, now)
	if err != nil || v == nil {
		return err
	}
	e.announce(ctx, *v, now)
	return nil
}

// announce claims a violation and dispatches it. Failures are logged; an
// unclaimed violation is picked up by the next sweep.
func (e *Engine) announce(ctx context.Context, v model.SLAViolation, now time.Time) {
	if e.escalator == nil {
		return
	}
	fresh, err := e.sla.Announce(context.WithoutCancel(ctx), v.StageInstanceID, now)
	if err != nil {
		e.logger.Warn("announcing violation failed", zap.String("stage_instance_id", v.StageInstanceID), zap.Error(err))
		return
	}
	if !fresh {
		return
	}
	if err := e.escalator.Dispatch(sla.ViolationEvent(v)); err != nil {
		e.logger.Warn("escalation dispatch failed",
			zap.String("stage_instance_id", v.StageInstanceID),
			zap.String("kind", model.EscalationViolation),
			zap.Error(err),
		)
	}
}

// commit persists the loaded instance at version+1 together with touched
// stage instances and events, then applies or undoes fx.
func (e *Engine) commit(ctx context.Context, l *loaded, touched []model.StageInstance, events []model.HistoryEvent, fx *effects, now time.Time) error {
	l.inst.Version = l.version + 1
	l.inst.UpdatedAt = now
	err := e.store.Commit(ctx, Change{
		Instance:      l.inst,
		ExpectVersion: l.version,
		Stages:        touched,
		Events:        e.recorder.Prepare(events),
	})
	if err != nil {
		fx.undo(ctx, e)
		return err
	}
	fx.apply(ctx, e, now)
	return nil
}

// effects tracks side effects on the approval and SLA components around a
// commit. Additions happen before the commit and are undone if it fails;
// removals wait until the commit succeeded.
type effects struct {
	openedGates []string
	registered  []string

	closeGates []string
	deregister []string
	suspend    []string
}

func (fx *effects) undo(ctx context.Context, e *Engine) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range fx.openedGates {
		if err := e.approvals.CloseGate(ctx, id); err != nil {
			e.logger.Warn("closing orphaned gate failed", zap.String("stage_instance_id", id), zap.Error(err))
		}
	}
	for _, id := range fx.registered {
		if _, _, err := e.sla.Suspend(ctx, id, e.now()); err != nil {
			e.logger.Warn("dropping orphaned deadline failed", zap.String("stage_instance_id", id), zap.Error(err))
		}
	}
}

func (fx *effects) apply(ctx context.Context, e *Engine, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range fx.closeGates {
		if err := e.approvals.CloseGate(ctx, id); err != nil {
			e.logger.Error("closing gate failed", zap.String("stage_instance_id", id), zap.Error(err))
		}
	}
	for _, id := range fx.deregister {
		if err := e.sla.Deregister(ctx, id, now); err != nil {
			e.logger.Error("deregistering deadline failed", zap.String("stage_instance_id", id), zap.Error(err))
		}
	}
	for _, id := range fx.suspend {
		if _, _, err := e.sla.Suspend(ctx, id, now); err != nil {
			e.logger.Error("suspending deadline failed", zap.String("stage_instance_id", id), zap.Error(err))
		}
	}
}

// retryOnConflict reruns op while the store reports a version conflict.
// Any other error ends the loop.
func retryOnConflict[T any](ctx context.Context, e *Engine, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrVersionConflict) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			e.logger.Debug("version conflict, retrying", zap.Error(err))
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(e.tries))
}

func terminalEvent(status string) string {
	switch status {
	case model.InstanceStatusCancelled:
		return model.EventCancelled
	case model.InstanceStatusFailed:
		return model.EventFailed
	default:
		return model.EventCompleted
	}
}

// mergeData overlays maps left to right into a new map.
func mergeData(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range layers {
		maps.Copy(out, m)
	}
	return out
}

func missingFields(required []string, data map[string]any) []string {
	var missing []string
	for _, f := range required {
		v, ok := data[f]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
