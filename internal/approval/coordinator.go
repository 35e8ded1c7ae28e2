package approval

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/directory"
	"github.com/pitabwire/wardflow/model"
)

// DecideInput is one approver's decision on a gate.
type DecideInput struct {
	StageInstanceID string
	ApproverID      string
	Decision        string
	Comment         string
	DelegateTo      string
}

// Result is the outcome of a decision: the row written and the gate state
// recomputed after it.
type Result struct {
	Approval model.Approval  `json:"approval"`
	Delegate *model.Approval `json:"delegate,omitempty"`
	Gate     model.GateState `json:"gate"`
}

// Coordinator owns approval rows. It never advances workflows; the engine
// reads the gate state it returns.
type Coordinator struct {
	store  Store
	dir    directory.Directory
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator. dir may be nil when no policy uses
// roles.
func NewCoordinator(store Store, dir directory.Directory, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		dir:    dir,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenGate creates one pending row per named approver and per member of each
// policy role, deduplicated. Role membership is a snapshot taken now; later
// directory changes do not affect the gate.
func (c *Coordinator) OpenGate(ctx context.Context, si model.StageInstance, policy model.ApprovalPolicy) (model.GateState, error) {
	now := c.now()

	type slot struct{ approver, role string }
	var slots []slot
	seen := make(map[string]bool)
	for _, a := range policy.Approvers {
		if !seen[a] {
			seen[a] = true
			slots = append(slots, slot{approver: a})
		}
	}
	for _, role := range policy.Roles {
		if c.dir == nil {
			return model.GateState{}, model.NewInvalidStateError(fmt.Sprintf("role %q cannot be resolved without a directory", role))
		}
		members, err := c.dir.Members(ctx, role)
		if err != nil {
			return model.GateState{}, fmt.Errorf("approval: resolving role %q: %w", role, err)
		}
		for _, m := range members {
			if !seen[m] {
				seen[m] = true
				slots = append(slots, slot{approver: m, role: role})
			}
		}
	}
	if len(slots) == 0 {
		return model.GateState{}, model.NewInvalidStateError(
			fmt.Sprintf("approval gate on stage %q resolved to no approvers", si.StageID),
		)
	}
	if policy.Quorum == model.QuorumNofM && policy.Required > len(slots) {
		return model.GateState{}, model.NewInvalidStateError(
			fmt.Sprintf("approval gate on stage %q needs %d approvers but only %d resolved", si.StageID, policy.Required, len(slots)),
		)
	}

	rows := make([]model.Approval, 0, len(slots))
	for _, s := range slots {
		rows = append(rows, model.Approval{
			ID:              uuid.New().String(),
			StageInstanceID: si.ID,
			InstanceID:      si.InstanceID,
			ApproverID:      s.approver,
			ViaRole:         s.role,
			Decision:        model.DecisionPending,
			CreatedAt:       now,
		})
	}
	gate := model.ApprovalGate{
		StageInstanceID: si.ID,
		InstanceID:      si.InstanceID,
		StageID:         si.StageID,
		Quorum:          policy.Quorum,
		Required:        policy.Required,
		OpenedAt:        now,
	}
	if err := c.store.OpenGate(ctx, gate, rows); err != nil {
		return model.GateState{}, err
	}

	c.logger.Debug("approval gate opened",
		zap.String("stage_instance_id", si.ID),
		zap.String("quorum", policy.Quorum),
		zap.Int("approvers", len(rows)),
	)
	return EvaluateGate(gate, rows), nil
}

// Decide records an approve, reject or delegate. Decisions are final.
func (c *Coordinator) Decide(ctx context.Context, in DecideInput) (Result, error) {
	// 1. Validate the request shape.
	switch in.Decision {
	case model.DecisionApproved, model.DecisionRejected:
	case model.DecisionDelegated:
		if in.DelegateTo == "" {
			return Result{}, model.NewBadRequestError("delegate_to is required to delegate")
		}
		if in.DelegateTo == in.ApproverID {
			return Result{}, model.NewBadRequestError("cannot delegate to yourself")
		}
	default:
		return Result{}, model.NewBadRequestError(fmt.Sprintf("invalid decision %q", in.Decision))
	}

	// 2. Load the gate and the caller's row.
	gate, err := c.store.Gate(ctx, in.StageInstanceID)
	if err != nil {
		return Result{}, err
	}
	row, err := c.store.Row(ctx, in.StageInstanceID, in.ApproverID)
	if model.IsCode(err, model.ErrNotFound) {
		return Result{}, model.NewNotAnApproverError(in.ApproverID)
	}
	if err != nil {
		return Result{}, err
	}
	if row.Decision != model.DecisionPending {
		return Result{}, model.NewAlreadyDecidedError(in.ApproverID)
	}

	// 3. Apply the decision to a copy of the gate to know the state the
	// audit event reports.
	rows, err := c.store.Rows(ctx, in.StageInstanceID)
	if err != nil {
		return Result{}, err
	}
	now := c.now()
	row.Comment = in.Comment
	row.DecidedAt = &now
	res := Result{}
	eventType := model.EventApprovalDecided
	if in.Decision == model.DecisionDelegated {
		if row.IsDelegate() {
			return Result{}, model.NewBadRequestError("a delegated approval cannot be delegated again")
		}
		row.Decision = model.DecisionDelegated
		row.DelegateTo = in.DelegateTo
		res.Delegate = &model.Approval{
			ID:              uuid.New().String(),
			StageInstanceID: row.StageInstanceID,
			InstanceID:      row.InstanceID,
			ApproverID:      in.DelegateTo,
			ViaRole:         row.ViaRole,
			Decision:        model.DecisionPending,
			DelegatedFrom:   row.ApproverID,
			CreatedAt:       now,
		}
		eventType = model.EventApprovalDelegated
	} else {
		row.Decision = in.Decision
	}
	res.Approval = row
	res.Gate = EvaluateGate(gate, applied(rows, row, res.Delegate))

	// 4. Write the row and its event together.
	ev := decisionEvent(row, eventType, res.Gate, now)
	if res.Delegate != nil {
		err = c.store.Delegate(ctx, row, *res.Delegate, ev)
	} else {
		err = c.store.Decide(ctx, row, ev)
	}
	if err != nil {
		return Result{}, err
	}

	c.logger.Info("approval decided",
		zap.String("stage_instance_id", in.StageInstanceID),
		zap.String("approver", in.ApproverID),
		zap.String("decision", row.Decision),
		zap.String("gate", res.Gate.State),
	)
	return res, nil
}

// applied returns rows with row replacing the caller's row and delegate, if
// any, appended.
func applied(rows []model.Approval, row model.Approval, delegate *model.Approval) []model.Approval {
	out := slices.Clone(rows)
	for i := range out {
		if out[i].ApproverID == row.ApproverID {
			out[i] = row
		}
	}
	if delegate != nil {
		out = append(out, *delegate)
	}
	return out
}

func decisionEvent(row model.Approval, eventType string, gate model.GateState, at time.Time) model.HistoryEvent {
	payload := map[string]any{
		"approver":   row.ApproverID,
		"decision":   row.Decision,
		"gate_state": gate.State,
		"approved":   gate.Approved,
		"required":   gate.Required,
	}
	if row.Comment != "" {
		payload["comment"] = row.Comment
	}
	if row.DelegateTo != "" {
		payload["delegate_to"] = row.DelegateTo
	}
	return model.HistoryEvent{
		ID:              uuid.New().String(),
		InstanceID:      row.InstanceID,
		StageInstanceID: row.StageInstanceID,
		Type:            eventType,
		Actor:           row.ApproverID,
		Timestamp:       at,
		Payload:         payload,
	}
}

// Evaluate recomputes the current gate state of a stage instance.
func (c *Coordinator) Evaluate(ctx context.Context, stageInstanceID string) (model.GateState, error) {
	gate, err := c.store.Gate(ctx, stageInstanceID)
	if err != nil {
		return model.GateState{}, err
	}
	rows, err := c.store.Rows(ctx, stageInstanceID)
	if err != nil {
		return model.GateState{}, err
	}
	return EvaluateGate(gate, rows), nil
}

// HasGate reports whether a gate was opened on the stage instance.
func (c *Coordinator) HasGate(ctx context.Context, stageInstanceID string) (bool, error) {
	_, err := c.store.Gate(ctx, stageInstanceID)
	if model.IsCode(err, model.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CloseGate removes a gate's pending rows from approver inboxes once its
// stage instance is closed.
func (c *Coordinator) CloseGate(ctx context.Context, stageInstanceID string) error {
	return c.store.CloseGate(ctx, stageInstanceID, c.now())
}

// Approvals returns every row of a gate.
func (c *Coordinator) Approvals(ctx context.Context, stageInstanceID string) ([]model.Approval, error) {
	if _, err := c.store.Gate(ctx, stageInstanceID); err != nil {
		return nil, err
	}
	return c.store.Rows(ctx, stageInstanceID)
}

// PendingFor returns an approver's pending rows on open gates.
func (c *Coordinator) PendingFor(ctx context.Context, approverID string) ([]model.Approval, error) {
	return c.store.PendingFor(ctx, approverID)
}

// Approvers returns the approver IDs that still count towards the gate,
// which is who an SLA escalation names.
func Approvers(rows []model.Approval) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Decision != model.DecisionDelegated {
			out = append(out, r.ApproverID)
		}
	}
	slices.Sort(out)
	return out
}
