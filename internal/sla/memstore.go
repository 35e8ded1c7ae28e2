package sla

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/model"
)

type markerKey struct {
	stageInstanceID string
	level           int
}

// MemoryStore is an in-memory Store. Events are appended to the history
// store while the lock is held and before the row they describe, so a failed
// append leaves nothing behind.
type MemoryStore struct {
	mu         sync.Mutex
	deadlines  map[string]model.Deadline
	violations map[string]model.SLAViolation
	markers    map[markerKey]time.Time
	history    history.Store
}

// NewMemoryStore creates an empty MemoryStore writing events to hs. A nil
// hs discards them.
func NewMemoryStore(hs history.Store) *MemoryStore {
	return &MemoryStore{
		deadlines:  make(map[string]model.Deadline),
		violations: make(map[string]model.SLAViolation),
		markers:    make(map[markerKey]time.Time),
		history:    hs,
	}
}

func (s *MemoryStore) appendLocked(ctx context.Context, events []model.HistoryEvent) error {
	if s.history == nil || len(events) == 0 {
		return nil
	}
	return s.history.Append(ctx, events...)
}

func (s *MemoryStore) PutDeadline(_ context.Context, d model.Deadline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Approvers = slices.Clone(d.Approvers)
	s.deadlines[d.StageInstanceID] = d
	return nil
}

func (s *MemoryStore) DeleteDeadline(_ context.Context, stageInstanceID string) (model.Deadline, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadlines[stageInstanceID]
	delete(s.deadlines, stageInstanceID)
	return d, ok, nil
}

func (s *MemoryStore) Deadline(_ context.Context, stageInstanceID string) (model.Deadline, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadlines[stageInstanceID]
	return d, ok, nil
}

func (s *MemoryStore) Overdue(_ context.Context, now time.Time) ([]model.Deadline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Deadline
	for _, d := range s.deadlines {
		if d.DueAt.Before(now) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b model.Deadline) int { return a.DueAt.Compare(b.DueAt) })
	return out, nil
}

func (s *MemoryStore) InsertViolation(ctx context.Context, v model.SLAViolation, events ...model.HistoryEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.violations[v.StageInstanceID]; exists {
		return false, nil
	}
	if err := s.appendLocked(ctx, events); err != nil {
		return false, err
	}
	v.Approvers = slices.Clone(v.Approvers)
	s.violations[v.StageInstanceID] = v
	return true, nil
}

func (s *MemoryStore) ResolveViolation(_ context.Context, stageInstanceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[stageInstanceID]
	if !ok || v.Resolved {
		return nil
	}
	v.Resolved = true
	v.ResolvedAt = &at
	s.violations[stageInstanceID] = v
	return nil
}

func (s *MemoryStore) Violation(_ context.Context, stageInstanceID string) (model.SLAViolation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[stageInstanceID]
	return v, ok, nil
}

func (s *MemoryStore) OpenViolations(_ context.Context) ([]model.SLAViolation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SLAViolation
	for _, v := range s.violations {
		if !v.Resolved {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b model.SLAViolation) int { return a.DetectedAt.Compare(b.DetectedAt) })
	return out, nil
}

func (s *MemoryStore) Unannounced(_ context.Context) ([]model.SLAViolation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SLAViolation
	for id, v := range s.violations {
		if _, announced := s.markers[markerKey{id, 0}]; !announced {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b model.SLAViolation) int { return a.DetectedAt.Compare(b.DetectedAt) })
	return out, nil
}

func (s *MemoryStore) MarkEscalated(ctx context.Context, stageInstanceID string, level int, at time.Time, events ...model.HistoryEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := markerKey{stageInstanceID, level}
	if _, exists := s.markers[k]; exists {
		return false, nil
	}
	if err := s.appendLocked(ctx, events); err != nil {
		return false, err
	}
	s.markers[k] = at
	return true, nil
}

// Violations returns the number of stored violations. For testing.
func (s *MemoryStore) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations)
}
