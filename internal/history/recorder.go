package history

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/model"
)

const defaultPageSize = 100

// Recorder appends audit events with retry and serves ordered audit queries.
type Recorder struct {
	store      Store
	logger     *zap.Logger
	now        func() time.Time
	pageSize   int
	maxElapsed time.Duration
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used to report retried appends.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithClock sets the time source for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithPageSize sets how many events Query fetches per round trip.
func WithPageSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithMaxRetryElapsed bounds the time spent retrying a failed append.
func WithMaxRetryElapsed(d time.Duration) Option {
	return func(r *Recorder) { r.maxElapsed = d }
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:      store,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		pageSize:   defaultPageSize,
		maxElapsed: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prepare fills in missing IDs and timestamps.
func (r *Recorder) Prepare(events []model.HistoryEvent) []model.HistoryEvent {
	now := r.now()
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
	return events
}

// Append writes events in order. Storage failures are retried with
// exponential backoff until the context or the retry budget runs out.
func (r *Recorder) Append(ctx context.Context, events ...model.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	events = r.Prepare(events)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.store.Append(ctx, events...)
		if err != nil && !model.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(r.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("history append failed, retrying",
				zap.String("instance_id", events[0].InstanceID),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		r.logger.Error("history append failed",
			zap.String("instance_id", events[0].InstanceID),
			zap.Int("events", len(events)),
			zap.Error(err),
		)
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Query returns the events of an instance in order. The sequence is lazy,
// fetches one page at a time and can be ranged over more than once.
func (r *Recorder) Query(ctx context.Context, instanceID string) iter.Seq2[model.HistoryEvent, error] {
	return func(yield func(model.HistoryEvent, error) bool) {
		var after int64
		for {
			page, err := r.store.Page(ctx, instanceID, after, r.pageSize)
			if err != nil {
				yield(model.HistoryEvent{}, fmt.Errorf("history: query %s: %w", instanceID, err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.Seq
			}
			if len(page) < r.pageSize {
				return
			}
		}
	}
}

// All collects Query into a slice.
func (r *Recorder) All(ctx context.Context, instanceID string) ([]model.HistoryEvent, error) {
	var out []model.HistoryEvent
	for e, err := range r.Query(ctx, instanceID) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
