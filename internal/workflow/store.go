package workflow

import (
	"context"
	"fmt"

	"github.com/pitabwire/wardflow/model"
)

// ErrVersionConflict is wrapped by Commit when the stored version moved on
// since the instance was loaded.
var ErrVersionConflict = model.NewConflictError("workflow instance version conflict")

// Change is one atomic write: the instance row, the stage instances it
// touched and the history events describing the change.
type Change struct {
	// Instance carries the new state. Instance.Version must be ExpectVersion+1.
	Instance model.WorkflowInstance
	// ExpectVersion is the version the change was computed from; 0 creates
	// the instance.
	ExpectVersion int
	Stages        []model.StageInstance
	Events        []model.HistoryEvent
}

// Store persists workflow instances and stage instances. Commit writes the
// history events of a change in the same transaction as the state.
type Store interface {
	// Get returns NOT_FOUND when the instance does not exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Stages returns the stage instances of an instance in entry order.
	Stages(ctx context.Context, instanceID string) ([]model.StageInstance, error)

	// Stage returns one stage instance, NOT_FOUND when missing.
	Stage(ctx context.Context, stageInstanceID string) (model.StageInstance, error)

	// List returns one page of instances matching filters, newest first,
	// and the total number of matches.
	List(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowInstance, int, error)

	// Commit applies a change. It fails with ErrVersionConflict when the
	// stored version differs from ExpectVersion.
	Commit(ctx context.Context, c Change) error
}

func versionConflict(id string, want, got int) error {
	return fmt.Errorf("%w: instance %q expected version %d, found %d", ErrVersionConflict, id, want, got)
}

func notFound(kind, id string) error {
	return model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
}

func pageBounds(f model.WorkflowFilters) (limit, offset int) {
	limit = f.PageSize
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}
