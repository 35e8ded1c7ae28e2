package history

import (
	"context"
	"maps"
	"sync"

	"github.com/pitabwire/wardflow/model"
)

// MemoryStore is an in-memory Store. Suitable for tests and single-process
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	seq    int64
	events map[string][]model.HistoryEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]model.HistoryEvent)}
}

// Append stores events in order.
func (s *MemoryStore) Append(_ context.Context, events ...model.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		s.seq++
		e.Seq = s.seq
		e.Payload = maps.Clone(e.Payload)
		s.events[e.InstanceID] = append(s.events[e.InstanceID], e)
	}
	return nil
}

// Page returns events after afterSeq.
func (s *MemoryStore) Page(_ context.Context, instanceID string, afterSeq int64, limit int) ([]model.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HistoryEvent
	for _, e := range s.events[instanceID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the total number of stored events. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, evs := range s.events {
		n += len(evs)
	}
	return n
}
