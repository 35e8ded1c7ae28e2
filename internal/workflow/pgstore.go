package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. History events are
// inserted through history.Insert inside the commit transaction.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const instanceColumns = `
	id, template_id, subject_ref, status, current_stage, current_stage_instance_id,
	priority, initiator, data, idempotency_key,
	created_at, updated_at, completed_at, held_at, version`

const stageColumns = `
	id, instance_id, stage_id, visit, status, entered_at,
	due_at, completed_at, data, sla_remaining_ms, closed_by`

func (s *PgStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT`+instanceColumns+` FROM workflow_instances WHERE id = $1`, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, notFound("workflow instance", instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

func (s *PgStore) Stages(ctx context.Context, instanceID string) ([]model.StageInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+stageColumns+` FROM stage_instances WHERE instance_id = $1 ORDER BY entered_at ASC, visit ASC`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("query stage instances: %w", err)
	}
	defer rows.Close()

	var out []model.StageInstance
	for rows.Next() {
		si, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage instance: %w", err)
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

func (s *PgStore) Stage(ctx context.Context, stageInstanceID string) (model.StageInstance, error) {
	si, err := scanStage(s.pool.QueryRow(ctx,
		`SELECT`+stageColumns+` FROM stage_instances WHERE id = $1`, stageInstanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StageInstance{}, notFound("stage instance", stageInstanceID)
	}
	if err != nil {
		return model.StageInstance{}, fmt.Errorf("query stage instance: %w", err)
	}
	return si, nil
}

func (s *PgStore) List(ctx context.Context, f model.WorkflowFilters) ([]model.WorkflowInstance, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("status", f.Status)
	add("template_id", f.TemplateID)
	add("subject_ref", f.SubjectRef)

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workflow_instances`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	limit, offset := pageBounds(f)
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx,
		`SELECT`+instanceColumns+` FROM workflow_instances`+clause+
			fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	out := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, total, rows.Err()
}

func (s *PgStore) Commit(ctx context.Context, c Change) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin workflow tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// 1. Instance row, guarded by version.
	if err := writeInstance(ctx, tx, c); err != nil {
		return err
	}

	// 2. Stage instances.
	for _, si := range c.Stages {
		if err := upsertStage(ctx, tx, si); err != nil {
			return err
		}
	}

	// 3. History.
	if err := history.Insert(ctx, tx, c.Events...); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit workflow tx: %w", err)
	}
	return nil
}

func writeInstance(ctx context.Context, tx pgx.Tx, c Change) error {
	inst := c.Instance
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal instance data: %w", err)
	}

	if c.ExpectVersion == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO NOTHING`,
			inst.ID, inst.TemplateID, inst.SubjectRef, inst.Status, inst.CurrentStage, inst.CurrentStageInstanceID,
			inst.Priority, inst.Initiator, data, inst.IdempotencyKey,
			inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt, inst.HeldAt, inst.Version,
		)
		if err != nil {
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return versionConflict(inst.ID, 0, -1)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_stage = $2,
			current_stage_instance_id = $3,
			priority = $4,
			data = $5,
			updated_at = $6,
			completed_at = $7,
			held_at = $8,
			version = $9
		WHERE id = $10 AND version = $11`,
		inst.Status, inst.CurrentStage, inst.CurrentStageInstanceID,
		inst.Priority, data, inst.UpdatedAt, inst.CompletedAt, inst.HeldAt, inst.Version,
		inst.ID, c.ExpectVersion,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(inst.ID, c.ExpectVersion, -1)
	}
	return nil
}

func upsertStage(ctx context.Context, tx pgx.Tx, si model.StageInstance) error {
	data, err := json.Marshal(si.Data)
	if err != nil {
		return fmt.Errorf("marshal stage data: %w", err)
	}
	var remaining *int64
	if si.SLARemaining != nil {
		ms := si.SLARemaining.Milliseconds()
		remaining = &ms
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO stage_instances (`+stageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			due_at = EXCLUDED.due_at,
			completed_at = EXCLUDED.completed_at,
			data = EXCLUDED.data,
			sla_remaining_ms = EXCLUDED.sla_remaining_ms,
			closed_by = EXCLUDED.closed_by`,
		si.ID, si.InstanceID, si.StageID, si.Visit, si.Status, si.EnteredAt,
		si.DueAt, si.CompletedAt, data, remaining, si.ClosedBy,
	)
	if err != nil {
		return fmt.Errorf("upsert stage instance %s: %w", si.ID, err)
	}
	return nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var data []byte
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.SubjectRef, &inst.Status, &inst.CurrentStage, &inst.CurrentStageInstanceID,
		&inst.Priority, &inst.Initiator, &data, &inst.IdempotencyKey,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt, &inst.HeldAt, &inst.Version,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if data != nil {
		if err := json.Unmarshal(data, &inst.Data); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal instance data: %w", err)
		}
	}
	return inst, nil
}

func scanStage(row pgx.Row) (model.StageInstance, error) {
	var si model.StageInstance
	var (
		data      []byte
		remaining *int64
	)
	err := row.Scan(
		&si.ID, &si.InstanceID, &si.StageID, &si.Visit, &si.Status, &si.EnteredAt,
		&si.DueAt, &si.CompletedAt, &data, &remaining, &si.ClosedBy,
	)
	if err != nil {
		return model.StageInstance{}, err
	}
	if data != nil {
		if err := json.Unmarshal(data, &si.Data); err != nil {
			return model.StageInstance{}, fmt.Errorf("unmarshal stage data: %w", err)
		}
	}
	if remaining != nil {
		d := time.Duration(*remaining) * time.Millisecond
		si.SLARemaining = &d
	}
	return si, nil
}
