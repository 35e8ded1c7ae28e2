package history

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/wardflow/model"
)

func event(instanceID, typ string) model.HistoryEvent {
	return model.HistoryEvent{InstanceID: instanceID, Type: typ, Actor: "u-1"}
}

// flakyStore fails the first n appends with err.
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	err      error
	calls    atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, events ...model.HistoryEvent) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return f.err
	}
	return f.MemoryStore.Append(ctx, events...)
}

// --- MemoryStore tests ---

func TestMemoryStore_Append_assigns_seq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Append(ctx, event("i-1", model.EventCreated), event("i-2", model.EventCreated))
	_ = s.Append(ctx, event("i-1", model.EventStageEntered))

	page, err := s.Page(ctx, "i-1", 0, 10)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("Page() = %d events, want 2", len(page))
	}
	if page[0].Seq != 1 || page[1].Seq != 3 {
		t.Errorf("seqs = %d, %d; want 1, 3", page[0].Seq, page[1].Seq)
	}
}

func TestMemoryStore_Page_after_and_limit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for range 5 {
		_ = s.Append(ctx, event("i-1", model.EventDataSubmitted))
	}

	page, _ := s.Page(ctx, "i-1", 2, 2)
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
		t.Errorf("Page(after=2, limit=2) = %+v", page)
	}
}

func TestMemoryStore_payload_isolated(t *testing.T) {
	s := NewMemoryStore()
	payload := map[string]any{"stage": "requested"}
	e := event("i-1", model.EventStageEntered)
	e.Payload = payload
	_ = s.Append(context.Background(), e)
	payload["stage"] = "tampered"

	page, _ := s.Page(context.Background(), "i-1", 0, 0)
	if page[0].Payload["stage"] != "requested" {
		t.Errorf("stored payload changed: %v", page[0].Payload)
	}
}

// --- Recorder tests ---

func TestRecorder_Append_fills_id_and_timestamp(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	r := NewRecorder(store, WithClock(func() time.Time { return now }))

	if err := r.Append(context.Background(), event("i-1", model.EventCreated)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, _ := r.All(context.Background(), "i-1")
	if len(got) != 1 {
		t.Fatalf("All() = %d events, want 1", len(got))
	}
	if got[0].ID == "" {
		t.Error("ID should be assigned")
	}
	if !got[0].Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, now)
	}
}

func TestRecorder_Append_retries_storage_errors(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), err: errors.New("connection reset")}
	store.failures.Store(2)
	r := NewRecorder(store)

	if err := r.Append(context.Background(), event("i-1", model.EventCreated)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if store.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", store.calls.Load())
	}
	if store.Len() != 1 {
		t.Errorf("stored = %d, want 1", store.Len())
	}
}

func TestRecorder_Append_does_not_retry_final_errors(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), err: model.NewBadRequestError("bad event")}
	store.failures.Store(5)
	r := NewRecorder(store)

	err := r.Append(context.Background(), event("i-1", model.EventCreated))
	if !model.IsCode(err, model.ErrBadRequest) {
		t.Fatalf("Append() error = %v, want BAD_REQUEST", err)
	}
	if store.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", store.calls.Load())
	}
}

func TestRecorder_Append_gives_up_when_context_done(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), err: errors.New("down")}
	store.failures.Store(1 << 20)
	r := NewRecorder(store, WithMaxRetryElapsed(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Append(ctx, event("i-1", model.EventCreated)); err == nil {
		t.Fatal("Append() should fail once the context expires")
	}
}

func TestRecorder_Query_pages_in_order(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, WithPageSize(2))
	ctx := context.Background()

	types := []string{
		model.EventCreated, model.EventStageEntered, model.EventGateOpened,
		model.EventApprovalDecided, model.EventStageCompleted,
	}
	for _, typ := range types {
		if err := r.Append(ctx, event("i-1", typ)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	_ = r.Append(ctx, event("i-2", model.EventCreated))

	var got []string
	for e, err := range r.Query(ctx, "i-1") {
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		got = append(got, e.Type)
	}
	if len(got) != len(types) {
		t.Fatalf("Query() = %v, want %v", got, types)
	}
	for i := range types {
		if got[i] != types[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], types[i])
		}
	}
}

func TestRecorder_Query_replayable_and_stoppable(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, WithPageSize(1))
	ctx := context.Background()
	for range 3 {
		_ = r.Append(ctx, event("i-1", model.EventDataSubmitted))
	}

	seq := r.Query(ctx, "i-1")
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("early stop consumed %d events", n)
	}

	total := 0
	for range seq {
		total++
	}
	if total != 3 {
		t.Errorf("second pass = %d events, want 3", total)
	}
}

type failingPages struct{ *MemoryStore }

func (failingPages) Page(context.Context, string, int64, int) ([]model.HistoryEvent, error) {
	return nil, errors.New("db gone")
}

func TestRecorder_Query_surfaces_errors(t *testing.T) {
	r := NewRecorder(failingPages{NewMemoryStore()})
	if _, err := r.All(context.Background(), "i-1"); err == nil {
		t.Fatal("All() should return the page error")
	}
}
