package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/model"
)

// Monitor registers stage deadlines and detects overruns. Sweeps may run
// concurrently with each other and with engine transitions.
type Monitor struct {
	store  Store
	policy LevelPolicy
	logger *zap.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithLevelPolicy sets the escalation level policy.
func WithLevelPolicy(p LevelPolicy) Option {
	return func(m *Monitor) { m.policy = p }
}

// NewMonitor creates a Monitor over store.
func NewMonitor(store Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy == nil {
		m.policy, _ = NewThresholdPolicy(nil)
	}
	return m
}

// RegisterDeadline starts watching a stage instance.
func (m *Monitor) RegisterDeadline(ctx context.Context, d model.Deadline) error {
	if err := m.store.PutDeadline(ctx, d); err != nil {
		return fmt.Errorf("sla: register %s: %w", d.StageInstanceID, err)
	}
	m.logger.Debug("deadline registered",
		zap.String("stage_instance_id", d.StageInstanceID),
		zap.Time("due_at", d.DueAt),
	)
	return nil
}

// Deregister stops watching a stage instance and resolves its open
// violation, if any.
func (m *Monitor) Deregister(ctx context.Context, stageInstanceID string, now time.Time) error {
	if _, _, err := m.store.DeleteDeadline(ctx, stageInstanceID); err != nil {
		return fmt.Errorf("sla: deregister %s: %w", stageInstanceID, err)
	}
	if err := m.store.ResolveViolation(ctx, stageInstanceID, now); err != nil {
		return fmt.Errorf("sla: resolve %s: %w", stageInstanceID, err)
	}
	return nil
}

// Suspend stops watching a stage instance without resolving anything and
// returns the time that was left. The remainder is negative once the
// deadline has passed, so a deadline re-registered at now+remaining keeps
// the overrun accumulated before the suspension.
func (m *Monitor) Suspend(ctx context.Context, stageInstanceID string, now time.Time) (time.Duration, bool, error) {
	d, ok, err := m.store.DeleteDeadline(ctx, stageInstanceID)
	if err != nil {
		return 0, false, fmt.Errorf("sla: suspend %s: %w", stageInstanceID, err)
	}
	if !ok {
		return 0, false, nil
	}
	return d.DueAt.Sub(now), true, nil
}

// Sweep records a violation for every overdue deadline that has none yet,
// then claims every violation nobody has announced and returns those. A
// violation is returned by exactly one Sweep or Announce, so sweeping twice
// is a no-op.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) ([]model.SLAViolation, error) {
	overdue, err := m.store.Overdue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("sla: sweep: %w", err)
	}
	for _, d := range overdue {
		if _, _, err := m.record(ctx, d, now); err != nil {
			return nil, err
		}
	}

	pending, err := m.store.Unannounced(ctx)
	if err != nil {
		return nil, fmt.Errorf("sla: sweep: %w", err)
	}
	var raised []model.SLAViolation
	for _, v := range pending {
		fresh, err := m.Announce(ctx, v.StageInstanceID, now)
		if err != nil {
			return raised, err
		}
		if fresh {
			raised = append(raised, v)
		}
	}
	return raised, nil
}

// Check sweeps a single stage instance. The engine calls it before acting on
// a stage so an overrun is on record before the action that ends it. The
// returned violation is not announced; the caller announces it or leaves it
// to the next Sweep.
func (m *Monitor) Check(ctx context.Context, stageInstanceID string, now time.Time) (*model.SLAViolation, error) {
	d, ok, err := m.store.Deadline(ctx, stageInstanceID)
	if err != nil {
		return nil, fmt.Errorf("sla: check %s: %w", stageInstanceID, err)
	}
	if !ok || !d.DueAt.Before(now) {
		return nil, nil
	}
	v, inserted, err := m.record(ctx, d, now)
	if err != nil || !inserted {
		return nil, err
	}
	return &v, nil
}

// Announce claims the level 0 escalation of a stage instance's violation.
// Only the first caller gets true and must hand ViolationEvent to the
// dispatcher.
func (m *Monitor) Announce(ctx context.Context, stageInstanceID string, now time.Time) (bool, error) {
	fresh, err := m.store.MarkEscalated(ctx, stageInstanceID, 0, now)
	if err != nil {
		return false, fmt.Errorf("sla: announce %s: %w", stageInstanceID, err)
	}
	return fresh, nil
}

func (m *Monitor) record(ctx context.Context, d model.Deadline, now time.Time) (model.SLAViolation, bool, error) {
	v := model.SLAViolation{
		ID:              uuid.New().String(),
		StageInstanceID: d.StageInstanceID,
		InstanceID:      d.InstanceID,
		StageID:         d.StageID,
		DueAt:           d.DueAt,
		DetectedAt:      now,
		MinutesExceeded: model.MinutesBetween(d.DueAt, now),
		Approvers:       d.Approvers,
	}
	inserted, err := m.store.InsertViolation(ctx, v, systemEvent(v.InstanceID, v.StageInstanceID, model.EventSLAViolated, now, map[string]any{
		"stage":            v.StageID,
		"due_at":           v.DueAt,
		"minutes_exceeded": v.MinutesExceeded,
	}))
	if err != nil {
		return model.SLAViolation{}, false, fmt.Errorf("sla: record %s: %w", d.StageInstanceID, err)
	}
	if !inserted {
		return model.SLAViolation{}, false, nil
	}

	m.logger.Warn("sla violated",
		zap.String("instance_id", v.InstanceID),
		zap.String("stage_instance_id", v.StageInstanceID),
		zap.String("stage", v.StageID),
		zap.Int("minutes_exceeded", v.MinutesExceeded),
	)
	return v, true, nil
}

// Escalate raises every level the policy has reached for open violations
// that was not raised before. Each (stage instance, level) is emitted once.
// Overrun is measured against the registered deadline, which a hold moves
// forward by the time spent on hold.
func (m *Monitor) Escalate(ctx context.Context, now time.Time) ([]model.EscalationEvent, error) {
	open, err := m.store.OpenViolations(ctx)
	if err != nil {
		return nil, fmt.Errorf("sla: escalate: %w", err)
	}

	var events []model.EscalationEvent
	for _, v := range open {
		// Held stages have no registered deadline and do not escalate.
		d, watched, err := m.store.Deadline(ctx, v.StageInstanceID)
		if err != nil {
			return events, fmt.Errorf("sla: escalate %s: %w", v.StageInstanceID, err)
		}
		if !watched {
			continue
		}
		minutes := model.MinutesBetween(d.DueAt, now)
		top := m.policy.Level(now.Sub(d.DueAt))
		for level := 1; level <= top; level++ {
			ev := model.EscalationEvent{
				StageInstanceID:   v.StageInstanceID,
				InstanceID:        v.InstanceID,
				StageID:           v.StageID,
				MinutesExceeded:   minutes,
				AssignedApprovers: d.Approvers,
				Level:             level,
				NotifyRoles:       m.policy.NotifyRoles(level),
				Kind:              model.EscalationReminder,
				RaisedAt:          now,
			}
			fresh, err := m.store.MarkEscalated(ctx, v.StageInstanceID, level, now,
				systemEvent(v.InstanceID, v.StageInstanceID, model.EventSLAEscalated, now, map[string]any{
					"level":            level,
					"notify_roles":     ev.NotifyRoles,
					"minutes_exceeded": minutes,
				}),
			)
			if err != nil {
				return events, fmt.Errorf("sla: escalate %s: %w", v.StageInstanceID, err)
			}
			if fresh {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func systemEvent(instanceID, stageInstanceID, typ string, at time.Time, payload map[string]any) model.HistoryEvent {
	return model.HistoryEvent{
		ID:              uuid.New().String(),
		InstanceID:      instanceID,
		StageInstanceID: stageInstanceID,
		Type:            typ,
		Actor:           model.SystemActorID,
		Timestamp:       at,
		Payload:         payload,
	}
}

// ViolationEvent converts a newly recorded violation into the first
// escalation event handed to the dispatcher.
func ViolationEvent(v model.SLAViolation) model.EscalationEvent {
	return model.EscalationEvent{
		StageInstanceID:   v.StageInstanceID,
		InstanceID:        v.InstanceID,
		StageID:           v.StageID,
		MinutesExceeded:   v.MinutesExceeded,
		AssignedApprovers: v.Approvers,
		Level:             0,
		Kind:              model.EscalationViolation,
		RaisedAt:          v.DetectedAt,
	}
}
