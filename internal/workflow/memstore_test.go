package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/wardflow/internal/history"
	"github.com/pitabwire/wardflow/model"
)

func newInstance(id string, version int) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:         id,
		TemplateID: "maintenance-v1",
		SubjectRef: "asset:" + id,
		Status:     model.InstanceStatusInProgress,
		Priority:   model.PriorityNormal,
		Data:       map[string]any{"ward": "3B"},
		CreatedAt:  t0,
		Version:    version,
	}
}

func TestMemoryStore_Commit_versionCheck(t *testing.T) {
	hs := history.NewMemoryStore()
	s := NewMemoryStore(hs)
	ctx := context.Background()

	if err := s.Commit(ctx, Change{Instance: newInstance("i-1", 1)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Commit(ctx, Change{Instance: newInstance("i-1", 1)})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("duplicate create: got %v, want version conflict", err)
	}

	err = s.Commit(ctx, Change{Instance: newInstance("i-1", 3), ExpectVersion: 2})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update: got %v, want version conflict", err)
	}
	if model.CodeOf(err) != model.ErrConflict {
		t.Errorf("code = %s, want CONFLICT", model.CodeOf(err))
	}

	err = s.Commit(ctx, Change{
		Instance:      newInstance("i-1", 2),
		ExpectVersion: 1,
		Events:        []model.HistoryEvent{{ID: "e-1", InstanceID: "i-1", Type: model.EventHeld, Timestamp: t0}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if hs.Len() != 1 {
		t.Errorf("history events = %d, want 1", hs.Len())
	}

	err = s.Commit(ctx, Change{Instance: newInstance("i-2", 2), ExpectVersion: 1})
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("update of missing instance: got %v", err)
	}
}

func TestMemoryStore_Commit_conflictWritesNoHistory(t *testing.T) {
	hs := history.NewMemoryStore()
	s := NewMemoryStore(hs)
	ctx := context.Background()

	if err := s.Commit(ctx, Change{Instance: newInstance("i-1", 1)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Commit(ctx, Change{
		Instance:      newInstance("i-1", 5),
		ExpectVersion: 4,
		Events:        []model.HistoryEvent{{ID: "e-1", InstanceID: "i-1", Type: model.EventHeld}},
	})
	if err == nil {
		t.Fatal("expected conflict")
	}
	if hs.Len() != 0 {
		t.Errorf("history events = %d, want 0", hs.Len())
	}
}

func TestMemoryStore_Stages_entryOrder(t *testing.T) {
	s := NewMemoryStore(history.NewMemoryStore())
	ctx := context.Background()

	first := model.StageInstance{ID: "si-b", InstanceID: "i-1", StageID: "requested", Visit: 1, EnteredAt: t0}
	if err := s.Commit(ctx, Change{Instance: newInstance("i-1", 1), Stages: []model.StageInstance{first}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	closedAt := t0.Add(time.Hour)
	first.CompletedAt = &closedAt
	second := model.StageInstance{ID: "si-a", InstanceID: "i-1", StageID: "approved", Visit: 1, EnteredAt: closedAt}
	err := s.Commit(ctx, Change{
		Instance:      newInstance("i-1", 2),
		ExpectVersion: 1,
		Stages:        []model.StageInstance{first, second},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	stages, err := s.Stages(ctx, "i-1")
	if err != nil {
		t.Fatalf("Stages: %v", err)
	}
	if len(stages) != 2 || stages[0].ID != "si-b" || stages[1].ID != "si-a" {
		t.Fatalf("stages = %+v, want si-b then si-a", stages)
	}
	if stages[0].Open() {
		t.Error("first stage should be closed")
	}

	if _, err := s.Stage(ctx, "missing"); model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("Stage(missing) = %v", err)
	}
}

func TestMemoryStore_Get_returnsCopy(t *testing.T) {
	s := NewMemoryStore(history.NewMemoryStore())
	ctx := context.Background()
	if err := s.Commit(ctx, Change{Instance: newInstance("i-1", 1)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "i-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Data["ward"] = "ICU"

	again, _ := s.Get(ctx, "i-1")
	if again.Data["ward"] != "3B" {
		t.Errorf("stored data mutated through a returned copy: %v", again.Data)
	}
}

func TestMemoryStore_List_filters(t *testing.T) {
	s := NewMemoryStore(history.NewMemoryStore())
	ctx := context.Background()

	a := newInstance("i-a", 1)
	b := newInstance("i-b", 1)
	b.Status = model.InstanceStatusCompleted
	b.CreatedAt = t0.Add(time.Minute)
	c := newInstance("i-c", 1)
	c.TemplateID = "disposal-v1"
	for _, inst := range []model.WorkflowInstance{a, b, c} {
		if err := s.Commit(ctx, Change{Instance: inst}); err != nil {
			t.Fatalf("create %s: %v", inst.ID, err)
		}
	}

	tests := []struct {
		name    string
		filters model.WorkflowFilters
		want    []string
	}{
		{"all newest first", model.WorkflowFilters{}, []string{"i-b", "i-a", "i-c"}},
		{"status", model.WorkflowFilters{Status: model.InstanceStatusCompleted}, []string{"i-b"}},
		{"template", model.WorkflowFilters{TemplateID: "disposal-v1"}, []string{"i-c"}},
		{"subject", model.WorkflowFilters{SubjectRef: "asset:i-a"}, []string{"i-a"}},
		{"page past end", model.WorkflowFilters{Page: 5}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := s.List(ctx, tt.filters)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var ids []string
			for _, inst := range got {
				ids = append(ids, inst.ID)
			}
			if !equalStrings(ids, tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		f             model.WorkflowFilters
		limit, offset int
	}{
		{model.WorkflowFilters{}, 20, 0},
		{model.WorkflowFilters{PageSize: 500}, 100, 0},
		{model.WorkflowFilters{PageSize: 10, Page: 3}, 10, 20},
		{model.WorkflowFilters{Page: -1}, 20, 0},
	}
	for _, tt := range tests {
		limit, offset := pageBounds(tt.f)
		if limit != tt.limit || offset != tt.offset {
			t.Errorf("pageBounds(%+v) = %d,%d want %d,%d", tt.f, limit, offset, tt.limit, tt.offset)
		}
	}
}

// --- keyedMutex tests ---

func TestKeyedMutex_serializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("i-1")
			defer unlock()

			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("holders at once = %d, want 1", maxSeen)
	}
	if k.Len() != 0 {
		t.Errorf("entries left = %d, want 0", k.Len())
	}
}

func TestKeyedMutex_independentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}
