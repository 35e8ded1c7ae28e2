package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/model"
)

// PgStore is a PostgreSQL-backed Store. The unique key on
// sla_violations.stage_instance_id serializes concurrent sweeps. History
// events are inserted through history.Insert in the same transaction as the
// row they describe.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL SLA store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const deadlineColumns = `stage_instance_id, instance_id, stage_id, due_at, registered_at, approvers`

// PutDeadline upserts a deadline.
func (s *PgStore) PutDeadline(ctx context.Context, d model.Deadline) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sla_deadlines (`+deadlineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stage_instance_id) DO UPDATE
		SET due_at = EXCLUDED.due_at, registered_at = EXCLUDED.registered_at, approvers = EXCLUDED.approvers`,
		d.StageInstanceID, d.InstanceID, d.StageID, d.DueAt, d.RegisteredAt, d.Approvers,
	)
	if err != nil {
		return fmt.Errorf("upsert deadline: %w", err)
	}
	return nil
}

// DeleteDeadline removes a deadline.
func (s *PgStore) DeleteDeadline(ctx context.Context, stageInstanceID string) (model.Deadline, bool, error) {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM sla_deadlines WHERE stage_instance_id = $1
		RETURNING `+deadlineColumns,
		stageInstanceID,
	)
	return scanDeadline(row)
}

// Deadline returns a deadline.
func (s *PgStore) Deadline(ctx context.Context, stageInstanceID string) (model.Deadline, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deadlineColumns+` FROM sla_deadlines WHERE stage_instance_id = $1`,
		stageInstanceID,
	)
	return scanDeadline(row)
}

// Overdue returns deadlines due before now.
func (s *PgStore) Overdue(ctx context.Context, now time.Time) ([]model.Deadline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deadlineColumns+` FROM sla_deadlines
		WHERE due_at < $1
		ORDER BY due_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("query overdue deadlines: %w", err)
	}
	defer rows.Close()

	var out []model.Deadline
	for rows.Next() {
		var d model.Deadline
		if err := rows.Scan(&d.StageInstanceID, &d.InstanceID, &d.StageID, &d.DueAt, &d.RegisteredAt, &d.Approvers); err != nil {
			return nil, fmt.Errorf("scan deadline: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertViolation inserts unless a violation exists for the stage instance.
func (s *PgStore) InsertViolation(ctx context.Context, v model.SLAViolation, events ...model.HistoryEvent) (bool, error) {
	return s.insertWithEvents(ctx, "violation", events, `
		INSERT INTO sla_violations (
			id, stage_instance_id, instance_id, stage_id, due_at, detected_at,
			minutes_exceeded, approvers, resolved
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
		ON CONFLICT (stage_instance_id) DO NOTHING`,
		v.ID, v.StageInstanceID, v.InstanceID, v.StageID, v.DueAt, v.DetectedAt,
		v.MinutesExceeded, v.Approvers,
	)
}

// ResolveViolation marks an open violation resolved.
func (s *PgStore) ResolveViolation(ctx context.Context, stageInstanceID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sla_violations SET resolved = true, resolved_at = $2
		WHERE stage_instance_id = $1 AND NOT resolved`,
		stageInstanceID, at,
	)
	if err != nil {
		return fmt.Errorf("resolve violation: %w", err)
	}
	return nil
}

const violationColumns = `id, stage_instance_id, instance_id, stage_id, due_at, detected_at,
	minutes_exceeded, approvers, resolved, resolved_at`

// Violation returns the violation of a stage instance.
func (s *PgStore) Violation(ctx context.Context, stageInstanceID string) (model.SLAViolation, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+violationColumns+` FROM sla_violations WHERE stage_instance_id = $1`,
		stageInstanceID,
	)
	if err != nil {
		return model.SLAViolation{}, false, fmt.Errorf("query violation: %w", err)
	}
	out, err := scanViolations(rows)
	if err != nil || len(out) == 0 {
		return model.SLAViolation{}, false, err
	}
	return out[0], true, nil
}

// OpenViolations returns unresolved violations.
func (s *PgStore) OpenViolations(ctx context.Context) ([]model.SLAViolation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+violationColumns+` FROM sla_violations
		WHERE NOT resolved
		ORDER BY detected_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query open violations: %w", err)
	}
	return scanViolations(rows)
}

// Unannounced returns violations without a level 0 marker.
func (s *PgStore) Unannounced(ctx context.Context) ([]model.SLAViolation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+violationColumns+` FROM sla_violations v
		WHERE NOT EXISTS (
			SELECT 1 FROM sla_escalations e
			WHERE e.stage_instance_id = v.stage_instance_id AND e.level = 0
		)
		ORDER BY detected_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unannounced violations: %w", err)
	}
	return scanViolations(rows)
}

// MarkEscalated inserts a write-once escalation marker.
func (s *PgStore) MarkEscalated(ctx context.Context, stageInstanceID string, level int, at time.Time, events ...model.HistoryEvent) (bool, error) {
	return s.insertWithEvents(ctx, "escalation marker", events, `
		INSERT INTO sla_escalations (stage_instance_id, level, raised_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (stage_instance_id, level) DO NOTHING`,
		stageInstanceID, level, at,
	)
}

// insertWithEvents runs an ON CONFLICT DO NOTHING insert and, when it added
// a row, the history events in the same transaction.
func (s *PgStore) insertWithEvents(ctx context.Context, what string, events []model.HistoryEvent, sql string, args ...any) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin %s tx: %w", what, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := history.Insert(ctx, tx, events...); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit %s tx: %w", what, err)
	}
	return true, nil
}

func scanDeadline(row pgx.Row) (model.Deadline, bool, error) {
	var d model.Deadline
	err := row.Scan(&d.StageInstanceID, &d.InstanceID, &d.StageID, &d.DueAt, &d.RegisteredAt, &d.Approvers)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Deadline{}, false, nil
	}
	if err != nil {
		return model.Deadline{}, false, fmt.Errorf("scan deadline: %w", err)
	}
	return d, true, nil
}

func scanViolations(rows pgx.Rows) ([]model.SLAViolation, error) {
	defer rows.Close()
	var out []model.SLAViolation
	for rows.Next() {
		var v model.SLAViolation
		if err := rows.Scan(
			&v.ID, &v.StageInstanceID, &v.InstanceID, &v.StageID, &v.DueAt, &v.DetectedAt,
			&v.MinutesExceeded, &v.Approvers, &v.Resolved, &v.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
