// Package sla tracks stage deadlines, records violations exactly once and
// raises escalation levels for violations that stay open.
package sla

import (
	"context"
	"time"

	"github.com/pitabwire/wardflow/model"
)

// Store persists deadlines, violations and escalation markers.
type Store interface {
	// PutDeadline registers or replaces the deadline of a stage instance.
	PutDeadline(ctx context.Context, d model.Deadline) error

	// DeleteDeadline removes a deadline and returns it, if one existed.
	DeleteDeadline(ctx context.Context, stageInstanceID string) (model.Deadline, bool, error)

	// Deadline returns the registered deadline of a stage instance.
	Deadline(ctx context.Context, stageInstanceID string) (model.Deadline, bool, error)

	// Overdue returns deadlines whose due time is before now.
	Overdue(ctx context.Context, now time.Time) ([]model.Deadline, error)

	// InsertViolation stores v and events atomically unless the stage
	// instance already has a violation. It reports whether v was inserted;
	// events are written only when it was.
	InsertViolation(ctx context.Context, v model.SLAViolation, events ...model.HistoryEvent) (bool, error)

	// ResolveViolation marks the open violation of a stage instance resolved.
	ResolveViolation(ctx context.Context, stageInstanceID string, at time.Time) error

	// Violation returns the violation of a stage instance, if any.
	Violation(ctx context.Context, stageInstanceID string) (model.SLAViolation, bool, error)

	// OpenViolations returns unresolved violations ordered by detection.
	OpenViolations(ctx context.Context) ([]model.SLAViolation, error)

	// Unannounced returns violations, resolved or not, that have no level 0
	// marker, ordered by detection.
	Unannounced(ctx context.Context) ([]model.SLAViolation, error)

	// MarkEscalated records that level was raised for a stage instance,
	// together with events. It reports false, writing nothing, when the
	// marker already existed.
	MarkEscalated(ctx context.Context, stageInstanceID string, level int, at time.Time, events ...model.HistoryEvent) (bool, error)
}
