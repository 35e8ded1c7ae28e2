package workflow

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/model"
)

// MemoryStore is an in-memory Store. Events are appended to the history
// store while the state lock is held, so readers never see one without the
// other.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
	stages    map[string]model.StageInstance
	byInst    map[string][]string // instance ID -> stage instance IDs in entry order
	history   history.Store
}

// NewMemoryStore creates a MemoryStore writing events to hs.
func NewMemoryStore(hs history.Store) *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
		stages:    make(map[string]model.StageInstance),
		byInst:    make(map[string][]string),
		history:   hs,
	}
}

func (s *MemoryStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return model.WorkflowInstance{}, notFound("workflow instance", instanceID)
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) Stages(_ context.Context, instanceID string) ([]model.StageInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byInst[instanceID]
	out := make([]model.StageInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneStage(s.stages[id]))
	}
	return out, nil
}

func (s *MemoryStore) Stage(_ context.Context, stageInstanceID string) (model.StageInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	si, ok := s.stages[stageInstanceID]
	if !ok {
		return model.StageInstance{}, notFound("stage instance", stageInstanceID)
	}
	return cloneStage(si), nil
}

func (s *MemoryStore) List(_ context.Context, f model.WorkflowFilters) ([]model.WorkflowInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.WorkflowInstance
	for _, inst := range s.instances {
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.TemplateID != "" && inst.TemplateID != f.TemplateID {
			continue
		}
		if f.SubjectRef != "" && inst.SubjectRef != f.SubjectRef {
			continue
		}
		matched = append(matched, inst)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	limit, offset := pageBounds(f)
	if offset >= total {
		return []model.WorkflowInstance{}, total, nil
	}
	end := min(offset+limit, total)
	out := make([]model.WorkflowInstance, 0, end-offset)
	for _, inst := range matched[offset:end] {
		out = append(out, cloneInstance(inst))
	}
	return out, total, nil
}

func (s *MemoryStore) Commit(ctx context.Context, c Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Version check.
	cur, exists := s.instances[c.Instance.ID]
	switch {
	case c.ExpectVersion == 0 && exists:
		return versionConflict(c.Instance.ID, 0, cur.Version)
	case c.ExpectVersion > 0 && !exists:
		return notFound("workflow instance", c.Instance.ID)
	case c.ExpectVersion > 0 && cur.Version != c.ExpectVersion:
		return versionConflict(c.Instance.ID, c.ExpectVersion, cur.Version)
	}

	// 2. History first; it is the only step that can fail.
	if len(c.Events) > 0 {
		if err := s.history.Append(ctx, c.Events...); err != nil {
			return err
		}
	}

	// 3. State.
	s.instances[c.Instance.ID] = cloneInstance(c.Instance)
	for _, si := range c.Stages {
		if _, seen := s.stages[si.ID]; !seen {
			s.byInst[si.InstanceID] = append(s.byInst[si.InstanceID], si.ID)
		}
		s.stages[si.ID] = cloneStage(si)
	}
	return nil
}

func cloneInstance(w model.WorkflowInstance) model.WorkflowInstance {
	w.Data = maps.Clone(w.Data)
	return w
}

func cloneStage(s model.StageInstance) model.StageInstance {
	s.Data = maps.Clone(s.Data)
	return s
}
