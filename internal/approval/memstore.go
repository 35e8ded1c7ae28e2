package approval

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/model"
)

// MemoryStore is an in-memory Store. Decision events are appended to the
// history store under the lock, before the row changes.
type MemoryStore struct {
	mu      sync.RWMutex
	gates   map[string]model.ApprovalGate
	rows    map[string][]model.Approval
	history history.Store
}

// NewMemoryStore creates an empty MemoryStore writing events to hs. A nil
// hs discards them.
func NewMemoryStore(hs history.Store) *MemoryStore {
	return &MemoryStore{
		gates:   make(map[string]model.ApprovalGate),
		rows:    make(map[string][]model.Approval),
		history: hs,
	}
}

func (s *MemoryStore) appendLocked(ctx context.Context, events []model.HistoryEvent) error {
	if s.history == nil || len(events) == 0 {
		return nil
	}
	return s.history.Append(ctx, events...)
}

// OpenGate stores a gate and its rows.
func (s *MemoryStore) OpenGate(_ context.Context, gate model.ApprovalGate, rows []model.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.gates[gate.StageInstanceID]; exists {
		return model.NewConflictError(fmt.Sprintf("gate for stage instance %q already open", gate.StageInstanceID))
	}
	s.gates[gate.StageInstanceID] = gate
	s.rows[gate.StageInstanceID] = slices.Clone(rows)
	return nil
}

// Gate returns a gate.
func (s *MemoryStore) Gate(_ context.Context, stageInstanceID string) (model.ApprovalGate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.gates[stageInstanceID]
	if !ok {
		return model.ApprovalGate{}, model.NewNotFoundError(fmt.Sprintf("no approval gate on stage instance %q", stageInstanceID))
	}
	return g, nil
}

// CloseGate marks a gate closed.
func (s *MemoryStore) CloseGate(_ context.Context, stageInstanceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gates[stageInstanceID]
	if !ok || g.ClosedAt != nil {
		return nil
	}
	g.ClosedAt = &at
	s.gates[stageInstanceID] = g
	return nil
}

// Rows returns a copy of a gate's rows.
func (s *MemoryStore) Rows(_ context.Context, stageInstanceID string) ([]model.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rows[stageInstanceID]), nil
}

// Row returns one row.
func (s *MemoryStore) Row(_ context.Context, stageInstanceID, approverID string) (model.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.index(stageInstanceID, approverID); i >= 0 {
		return s.rows[stageInstanceID][i], nil
	}
	return model.Approval{}, model.NewNotFoundError(fmt.Sprintf("approver %q has no row on %q", approverID, stageInstanceID))
}

// Decide updates a pending row.
func (s *MemoryStore) Decide(ctx context.Context, row model.Approval, events ...model.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(row.StageInstanceID, row.ApproverID)
	if i < 0 {
		return model.NewNotAnApproverError(row.ApproverID)
	}
	cur := &s.rows[row.StageInstanceID][i]
	if cur.Decision != model.DecisionPending {
		return model.NewAlreadyDecidedError(row.ApproverID)
	}
	if err := s.appendLocked(ctx, events); err != nil {
		return err
	}
	cur.Decision = row.Decision
	cur.Comment = row.Comment
	cur.DecidedAt = row.DecidedAt
	return nil
}

// Delegate swaps a pending row for a delegate row.
func (s *MemoryStore) Delegate(ctx context.Context, original, delegate model.Approval, events ...model.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	si := original.StageInstanceID
	i := s.index(si, original.ApproverID)
	if i < 0 {
		return model.NewNotAnApproverError(original.ApproverID)
	}
	if s.index(si, delegate.ApproverID) >= 0 {
		return model.NewConflictError(fmt.Sprintf("%q is already an approver on this gate", delegate.ApproverID))
	}
	cur := &s.rows[si][i]
	if cur.Decision != model.DecisionPending {
		return model.NewAlreadyDecidedError(original.ApproverID)
	}
	if err := s.appendLocked(ctx, events); err != nil {
		return err
	}
	cur.Decision = model.DecisionDelegated
	cur.DelegateTo = original.DelegateTo
	cur.Comment = original.Comment
	cur.DecidedAt = original.DecidedAt
	s.rows[si] = append(s.rows[si], delegate)
	return nil
}

// PendingFor returns an approver's inbox ordered by creation time.
func (s *MemoryStore) PendingFor(_ context.Context, approverID string) ([]model.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Approval
	for si, rows := range s.rows {
		if s.gates[si].ClosedAt != nil {
			continue
		}
		for _, r := range rows {
			if r.ApproverID == approverID && r.Decision == model.DecisionPending {
				out = append(out, r)
			}
		}
	}
	slices.SortFunc(out, func(a, b model.Approval) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) index(stageInstanceID, approverID string) int {
	return slices.IndexFunc(s.rows[stageInstanceID], func(a model.Approval) bool {
		return a.ApproverID == approverID
	})
}
