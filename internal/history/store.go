// Package history keeps the append-only audit trail of workflow instances.
package history

import (
	"context"

	"github.com/pitabwire/wardflow/model"
)

// Store persists history events. Events are never updated or deleted.
type Store interface {
	// Append inserts events in order and assigns each a store-wide Seq.
	Append(ctx context.Context, events ...model.HistoryEvent) error

	// Page returns up to limit events of an instance with Seq > afterSeq,
	// ordered by Seq.
	Page(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]model.HistoryEvent, error)
}
