package workflow

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/approval"
	"github.com/pitabwire/wardflow/model"
)

// Cancel ends a non-terminal instance. Cancelling a terminal instance
// returns it unchanged.
func (e *Engine) Cancel(ctx context.Context, actor model.Actor, instanceID, reason string) (model.WorkflowInstance, error) {
	return e.end(ctx, actor, instanceID, reason, model.InstanceStatusCancelled)
}

// Fail ends a non-terminal instance administratively.
func (e *Engine) Fail(ctx context.Context, actor model.Actor, instanceID, reason string) (model.WorkflowInstance, error) {
	return e.end(ctx, actor, instanceID, reason, model.InstanceStatusFailed)
}

func (e *Engine) end(ctx context.Context, actor model.Actor, instanceID, reason, status string) (model.WorkflowInstance, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	return retryOnConflict(ctx, e, func() (model.WorkflowInstance, error) {
		now := e.now()
		l, err := e.load(ctx, instanceID)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if status == model.InstanceStatusCancelled && l.inst.Terminal() {
			return l.inst, nil
		}
		if l.inst.Terminal() {
			return model.WorkflowInstance{}, model.NewInstanceTerminalError(l.inst.ID, l.inst.Status)
		}
		if err := e.checkSLA(ctx, l, now); err != nil {
			return model.WorkflowInstance{}, err
		}

		fx := &effects{}
		var (
			touched []model.StageInstance
			events  []model.HistoryEvent
		)
		if open := l.open(); open != nil {
			stageStatus := model.StageStatusSkipped
			eventType := model.EventStageSkipped
			if status == model.InstanceStatusFailed {
				stageStatus = model.StageStatusFailed
				eventType = model.EventStageCompleted
			}
			open.Status = stageStatus
			open.CompletedAt = &now
			open.ClosedBy = actor.ID
			open.SLARemaining = nil
			touched = append(touched, *open)
			fx.closeGates = append(fx.closeGates, open.ID)
			fx.deregister = append(fx.deregister, open.ID)
			events = append(events, l.event(eventType, open.ID, actor, now, map[string]any{
				"stage":  open.StageID,
				"status": stageStatus,
			}))
		}

		from := l.inst.Status
		l.inst.Status = status
		l.inst.CompletedAt = &now
		l.inst.HeldAt = nil
		l.inst.CurrentStageInstanceID = ""
		events = append(events, l.event(terminalEvent(status), "", actor, now, map[string]any{
			"reason":      reason,
			"from_status": from,
		}))

		if err := e.commit(ctx, l, touched, events, fx, now); err != nil {
			return model.WorkflowInstance{}, err
		}
		e.observer.RecordInstanceClosed(l.tpl.ID, status)
		e.logger.Info("instance ended",
			zap.String("instance_id", l.inst.ID),
			zap.String("status", status),
			zap.String("reason", reason),
			zap.String("actor", actor.ID),
		)
		return l.inst, nil
	})
}

// Hold pauses an in-progress instance. The open stage's remaining SLA time
// is frozen until Resume.
func (e *Engine) Hold(ctx context.Context, actor model.Actor, instanceID, reason string) (model.WorkflowInstance, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	return retryOnConflict(ctx, e, func() (model.WorkflowInstance, error) {
		now := e.now()
		l, err := e.load(ctx, instanceID)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if err := requireInProgress(l); err != nil {
			return model.WorkflowInstance{}, err
		}
		if err := e.checkSLA(ctx, l, now); err != nil {
			return model.WorkflowInstance{}, err
		}

		fx := &effects{}
		var touched []model.StageInstance
		payload := map[string]any{"reason": reason}
		if open := l.open(); open != nil && open.DueAt != nil {
			remaining := open.DueAt.Sub(now)
			open.SLARemaining = &remaining
			touched = append(touched, *open)
			fx.suspend = append(fx.suspend, open.ID)
			payload["sla_remaining"] = remaining.String()
		}
		l.inst.Status = model.InstanceStatusOnHold
		l.inst.HeldAt = &now

		events := []model.HistoryEvent{l.event(model.EventHeld, l.inst.CurrentStageInstanceID, actor, now, payload)}
		if err := e.commit(ctx, l, touched, events, fx, now); err != nil {
			return model.WorkflowInstance{}, err
		}
		e.logger.Info("instance held", zap.String("instance_id", l.inst.ID), zap.String("actor", actor.ID))
		return l.inst, nil
	})
}

// Resume continues a held instance. The open stage's deadline restarts
// from now with the time that was left when it was held, so an overdue
// stage stays overdue by the same amount.
func (e *Engine) Resume(ctx context.Context, actor model.Actor, instanceID string) (model.WorkflowInstance, error) {
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
		if l.inst.Status != model.InstanceStatusOnHold {
			return model.WorkflowInstance{}, model.NewInvalidStateError(
				fmt.Sprintf("instance %q is %s, not on hold", l.inst.ID, l.inst.Status),
			)
		}

		fx := &effects{}
		var touched []model.StageInstance
		payload := map[string]any{}
		if l.inst.HeldAt != nil {
			payload["held_for"] = now.Sub(*l.inst.HeldAt).String()
		}
		if open := l.open(); open != nil && open.SLARemaining != nil {
			due := now.Add(*open.SLARemaining)
			open.DueAt = &due
			open.SLARemaining = nil
			if err := e.registerDeadline(ctx, *open, now); err != nil {
				return model.WorkflowInstance{}, err
			}
			fx.registered = append(fx.registered, open.ID)
			touched = append(touched, *open)
			payload["due_at"] = due
		}
		l.inst.Status = model.InstanceStatusInProgress
		l.inst.HeldAt = nil

		events := []model.HistoryEvent{l.event(model.EventResumed, l.inst.CurrentStageInstanceID, actor, now, payload)}
		if err := e.commit(ctx, l, touched, events, fx, now); err != nil {
			return model.WorkflowInstance{}, err
		}
		e.logger.Info("instance resumed", zap.String("instance_id", l.inst.ID), zap.String("actor", actor.ID))
		return l.inst, nil
	})
}

// SubmitData merges collected form data into the open stage.
func (e *Engine) SubmitData(ctx context.Context, actor model.Actor, instanceID string, data map[string]any) (model.StageInstance, error) {
	if len(data) == 0 {
		return model.StageInstance{}, model.NewBadRequestError("data must not be empty")
	}

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	return retryOnConflict(ctx, e, func() (model.StageInstance, error) {
		now := e.now()
		l, err := e.load(ctx, instanceID)
		if err != nil {
			return model.StageInstance{}, err
		}
		if err := requireInProgress(l); err != nil {
			return model.StageInstance{}, err
		}
		open := l.open()
		if open == nil {
			return model.StageInstance{}, model.NewInvalidStateError(fmt.Sprintf("instance %q has no open stage", l.inst.ID))
		}

		open.Data = mergeData(open.Data, data)
		fields := slices.Sorted(maps.Keys(data))
		events := []model.HistoryEvent{l.event(model.EventDataSubmitted, open.ID, actor, now, map[string]any{
			"stage":  open.StageID,
			"fields": fields,
		})}
		if err := e.commit(ctx, l, []model.StageInstance{*open}, events, &effects{}, now); err != nil {
			return model.StageInstance{}, err
		}
		return *open, nil
	})
}

// --- Reads ---

// Get returns an instance with its open stage, gate state and the
// transitions leaving the current stage.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.InstanceView, error) {
	l, err := e.load(ctx, instanceID)
	if err != nil {
		return model.InstanceView{}, err
	}
	view := model.InstanceView{Instance: l.inst}
	open := l.open()
	if open == nil {
		return view, nil
	}
	view.OpenStage = open
	if stage := l.tpl.Stage(open.StageID); stage != nil && stage.Approval != nil {
		gate, err := e.approvals.Evaluate(ctx, open.ID)
		if err != nil {
			return model.InstanceView{}, err
		}
		view.Gate = &gate
	}
	view.Legal = l.tpl.TransitionsFrom(open.StageID)
	return view, nil
}

// List returns one page of instances and the total match count.
func (e *Engine) List(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowInstance, int, error) {
	return e.store.List(ctx, filters)
}

// Stages returns every stage visit of an instance in entry order.
func (e *Engine) Stages(ctx context.Context, instanceID string) ([]model.StageInstance, error) {
	if _, err := e.store.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.Stages(ctx, instanceID)
}

// History returns the instance's audit trail as an ordered, lazily paged
// sequence.
func (e *Engine) History(ctx context.Context, instanceID string) (iter.Seq2[model.HistoryEvent, error], error) {
	if _, err := e.store.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.recorder.Query(ctx, instanceID), nil
}

// Approvals returns the approval rows of a stage instance.
func (e *Engine) Approvals(ctx context.Context, stageInstanceID string) ([]model.Approval, error) {
	return e.approvals.Approvals(ctx, stageInstanceID)
}

// Inbox returns the approver's pending decisions.
func (e *Engine) Inbox(ctx context.Context, approverID string) ([]model.Approval, error) {
	return e.approvals.PendingFor(ctx, approverID)
}

func (e *Engine) registerDeadline(ctx context.Context, si model.StageInstance, now time.Time) error {
	var approvers []string
	if ok, err := e.approvals.HasGate(ctx, si.ID); err != nil {
		return err
	} else if ok {
		rows, err := e.approvals.Approvals(ctx, si.ID)
		if err != nil {
			return err
		}
		approvers = approval.Approvers(rows)
	}
	return e.sla.RegisterDeadline(ctx, model.Deadline{
		StageInstanceID: si.ID,
		InstanceID:      si.InstanceID,
		StageID:         si.StageID,
		DueAt:           *si.DueAt,
		RegisteredAt:    now,
		Approvers:       approvers,
	})
}

func requireInProgress(l *loaded) error {
	if l.inst.Terminal() {
		return model.NewInstanceTerminalError(l.inst.ID, l.inst.Status)
	}
	if l.inst.Status != model.InstanceStatusInProgress {
		return model.NewInvalidStateError(fmt.Sprintf("instance %q is %s", l.inst.ID, l.inst.Status))
	}
	return nil
}
