package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/model"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL approval store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const approvalColumns = `id, stage_instance_id, instance_id, approver_id, via_role, decision,
	comment, decided_at, delegate_to, delegated_from, created_at`

// OpenGate inserts the gate and its rows in one transaction.
func (s *PgStore) OpenGate(ctx context.Context, gate model.ApprovalGate, rows []model.Approval) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin gate tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO approval_gates (stage_instance_id, instance_id, stage_id, quorum, required, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		gate.StageInstanceID, gate.InstanceID, gate.StageID, gate.Quorum, gate.Required, gate.OpenedAt,
	)
	if isUnique(err) {
		return model.NewConflictError(fmt.Sprintf("gate for stage instance %q already open", gate.StageInstanceID))
	}
	if err != nil {
		return fmt.Errorf("insert approval gate: %w", err)
	}

	for _, r := range rows {
		if err := insertRow(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit gate tx: %w", err)
	}
	return nil
}

// Gate returns a gate by stage instance.
func (s *PgStore) Gate(ctx context.Context, stageInstanceID string) (model.ApprovalGate, error) {
	var g model.ApprovalGate
	err := s.pool.QueryRow(ctx, `
		SELECT stage_instance_id, instance_id, stage_id, quorum, required, opened_at, closed_at
		FROM approval_gates WHERE stage_instance_id = $1`,
		stageInstanceID,
	).Scan(&g.StageInstanceID, &g.InstanceID, &g.StageID, &g.Quorum, &g.Required, &g.OpenedAt, &g.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalGate{}, model.NewNotFoundError(fmt.Sprintf("no approval gate on stage instance %q", stageInstanceID))
	}
	if err != nil {
		return model.ApprovalGate{}, fmt.Errorf("query approval gate: %w", err)
	}
	return g, nil
}

// CloseGate stamps closed_at once.
func (s *PgStore) CloseGate(ctx context.Context, stageInstanceID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE approval_gates SET closed_at = $2
		WHERE stage_instance_id = $1 AND closed_at IS NULL`,
		stageInstanceID, at,
	)
	if err != nil {
		return fmt.Errorf("close approval gate: %w", err)
	}
	return nil
}

// Rows returns a gate's rows by creation order.
func (s *PgStore) Rows(ctx context.Context, stageInstanceID string) ([]model.Approval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals WHERE stage_instance_id = $1
		ORDER BY created_at ASC, approver_id ASC`,
		stageInstanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	return collect(rows)
}

// Row returns one approver's row.
func (s *PgStore) Row(ctx context.Context, stageInstanceID, approverID string) (model.Approval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals WHERE stage_instance_id = $1 AND approver_id = $2`,
		stageInstanceID, approverID,
	)
	if err != nil {
		return model.Approval{}, fmt.Errorf("query approval: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return model.Approval{}, err
	}
	if len(out) == 0 {
		return model.Approval{}, model.NewNotFoundError(fmt.Sprintf("approver %q has no row on %q", approverID, stageInstanceID))
	}
	return out[0], nil
}

// Decide updates a row only while it is pending and inserts events in the
// same transaction.
func (s *PgStore) Decide(ctx context.Context, row model.Approval, events ...model.HistoryEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin decide tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE approvals SET decision = $3, comment = $4, decided_at = $5
		WHERE stage_instance_id = $1 AND approver_id = $2 AND decision = 'pending'`,
		row.StageInstanceID, row.ApproverID, row.Decision, row.Comment, row.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewAlreadyDecidedError(row.ApproverID)
	}
	if err := history.Insert(ctx, tx, events...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit decide tx: %w", err)
	}
	return nil
}

// Delegate marks the original and inserts the delegate row and events in
// one transaction.
func (s *PgStore) Delegate(ctx context.Context, original, delegate model.Approval, events ...model.HistoryEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delegate tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE approvals SET decision = 'delegated', delegate_to = $3, comment = $4, decided_at = $5
		WHERE stage_instance_id = $1 AND approver_id = $2 AND decision = 'pending'`,
		original.StageInstanceID, original.ApproverID, original.DelegateTo, original.Comment, original.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("mark approval delegated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewAlreadyDecidedError(original.ApproverID)
	}

	if err := insertRow(ctx, tx, delegate); err != nil {
		return err
	}
	if err := history.Insert(ctx, tx, events...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delegate tx: %w", err)
	}
	return nil
}

// PendingFor returns an approver's pending rows on open gates.
func (s *PgStore) PendingFor(ctx context.Context, approverID string) ([]model.Approval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.stage_instance_id, a.instance_id, a.approver_id, a.via_role, a.decision,
		       a.comment, a.decided_at, a.delegate_to, a.delegated_from, a.created_at
		FROM approvals a
		JOIN approval_gates g ON g.stage_instance_id = a.stage_instance_id
		WHERE a.approver_id = $1 AND a.decision = 'pending' AND g.closed_at IS NULL
		ORDER BY a.created_at ASC`,
		approverID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	return collect(rows)
}

func insertRow(ctx context.Context, tx pgx.Tx, r model.Approval) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.StageInstanceID, r.InstanceID, r.ApproverID, r.ViaRole, r.Decision,
		r.Comment, r.DecidedAt, r.DelegateTo, r.DelegatedFrom, r.CreatedAt,
	)
	if isUnique(err) {
		return model.NewConflictError(fmt.Sprintf("%q is already an approver on this gate", r.ApproverID))
	}
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func collect(rows pgx.Rows) ([]model.Approval, error) {
	defer rows.Close()
	var out []model.Approval
	for rows.Next() {
		var a model.Approval
		if err := rows.Scan(
			&a.ID, &a.StageInstanceID, &a.InstanceID, &a.ApproverID, &a.ViaRole, &a.Decision,
			&a.Comment, &a.DecidedAt, &a.DelegateTo, &a.DelegatedFrom, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
