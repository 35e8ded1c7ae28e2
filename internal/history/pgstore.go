package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/wardflow/model"
)

// Querier is the subset of pgxpool.Pool and pgx.Tx used to insert events, so
// other stores can write history inside their own transactions.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL history store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Append inserts events in a single transaction.
func (s *PgStore) Append(ctx context.Context, events ...model.HistoryEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := Insert(ctx, tx, events...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

// Insert writes events through q. The seq column is a bigserial.
func Insert(ctx context.Context, q Querier, events ...model.HistoryEvent) error {
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal history payload: %w", err)
		}
		var seq int64
		err = q.QueryRow(ctx, `
			INSERT INTO history_events (
				id, instance_id, stage_instance_id, type, actor, timestamp, payload
			) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
			RETURNING seq`,
			e.ID, e.InstanceID, e.StageInstanceID, e.Type, e.Actor, e.Timestamp, payload,
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("insert history event: %w", err)
		}
	}
	return nil
}

// Page returns events after afterSeq ordered by seq.
func (s *PgStore) Page(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]model.HistoryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, seq, instance_id, COALESCE(stage_instance_id, ''), type, actor, timestamp, payload
		FROM history_events
		WHERE instance_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		instanceID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history events: %w", err)
	}
	defer rows.Close()

	var events []model.HistoryEvent
	for rows.Next() {
		var e model.HistoryEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Seq, &e.InstanceID, &e.StageInstanceID, &e.Type, &e.Actor, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		if payload != nil {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal history payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
