package approval

import (
	"context"
	"time"

	"github.com/pitabwire/wardflow/model"
)

// Store persists gates and their approval rows.
type Store interface {
	// OpenGate stores the gate and its initial rows atomically. Opening a
	// gate twice for the same stage instance returns CONFLICT.
	OpenGate(ctx context.Context, gate model.ApprovalGate, rows []model.Approval) error

	// Gate returns the gate of a stage instance, or NOT_FOUND.
	Gate(ctx context.Context, stageInstanceID string) (model.ApprovalGate, error)

	// CloseGate marks the gate closed. Closing twice is a no-op.
	CloseGate(ctx context.Context, stageInstanceID string, at time.Time) error

	// Rows returns every row of a gate in creation order.
	Rows(ctx context.Context, stageInstanceID string) ([]model.Approval, error)

	// Row returns one approver's row, or NOT_FOUND.
	Row(ctx context.Context, stageInstanceID, approverID string) (model.Approval, error)

	// Decide records an approve or reject on a pending row together with
	// events. A row that is no longer pending returns ALREADY_DECIDED and
	// writes nothing.
	Decide(ctx context.Context, row model.Approval, events ...model.HistoryEvent) error

	// Delegate marks original as delegated and inserts the delegate row and
	// events atomically. ALREADY_DECIDED if original is no longer pending,
	// CONFLICT if the delegate already has a row on the gate.
	Delegate(ctx context.Context, original, delegate model.Approval, events ...model.HistoryEvent) error

	// PendingFor returns pending rows of open gates assigned to approverID.
	PendingFor(ctx context.Context, approverID string) ([]model.Approval, error)
}
