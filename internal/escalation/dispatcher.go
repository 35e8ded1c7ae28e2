package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/model"
)

// Observer receives delivery outcomes. *observability.Metrics implements it.
type Observer interface {
	RecordEscalationDispatched(kind string)
	RecordEscalationFailed(kind string)
	RecordEscalationDropped()
	SetEscalationBreakerState(state float64)
}

type nopObserver struct{}

func (nopObserver) RecordEscalationDispatched(string) {}
func (nopObserver) RecordEscalationFailed(string)     {}
func (nopObserver) RecordEscalationDropped()          {}
func (nopObserver) SetEscalationBreakerState(float64) {}

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("escalation: dispatcher closed")

// ErrQueueFull is returned by Dispatch when the queue has no room.
var ErrQueueFull = errors.New("escalation: queue full")

// Config tunes delivery.
type Config struct {
	QueueSize        int
	MaxTries         uint
	InitialInterval  time.Duration
	DeliveryTimeout  time.Duration
	BreakerFailures  uint32
	BreakerOpenFor   time.Duration
	BreakerHalfOpenN uint32
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxTries == 0 {
		c.MaxTries = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 30 * time.Second
	}
	if c.BreakerHalfOpenN == 0 {
		c.BreakerHalfOpenN = 1
	}
	return c
}

// Dispatcher queues escalation events and delivers them from a single worker
// through a circuit breaker with bounded retry. Delivery failures are logged
// and counted; they never propagate back to the SLA monitor.
type Dispatcher struct {
	sink     Sink
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	observer Observer

	queue     chan model.EscalationEvent
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	startOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher creates a Dispatcher. Call Run to start delivering.
func NewDispatcher(sink Sink, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		sink:     sink,
		cfg:      cfg,
		logger:   zap.NewNop(),
		observer: nopObserver{},
		queue:    make(chan model.EscalationEvent, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "escalation-" + sink.Name(),
		MaxRequests: cfg.BreakerHalfOpenN,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("escalation circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			d.observer.SetEscalationBreakerState(breakerStateValue(to))
		},
	})
	return d
}

// Dispatch enqueues an event. It never waits for delivery.
func (d *Dispatcher) Dispatch(ev model.EscalationEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		d.observer.RecordEscalationDropped()
		d.logger.Warn("escalation queue full, event dropped",
			zap.String("stage_instance_id", ev.StageInstanceID),
			zap.String("kind", ev.Kind),
			zap.Int("level", ev.Level),
		)
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled or Close drains the
// queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	started := false
	d.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("escalation: dispatcher already running")
	}
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.deliver(ctx, ev)
		}
	}
}

// Close stops accepting events and lets Run drain what is queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// HealthCheck reports the sink unavailable while the breaker is open.
func (d *Dispatcher) HealthCheck(context.Context) error {
	if st := d.breaker.State(); st == gobreaker.StateOpen {
		return fmt.Errorf("escalation: %s breaker %s", d.sink.Name(), st)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev model.EscalationEvent) {
	ctx, span := observability.StartDeliverySpan(ctx, d.sink.Name(), ev.StageInstanceID, ev.Kind, ev.Level)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := d.breaker.Execute(func() (any, error) {
			dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
			defer cancel()
			return nil, d.sink.Deliver(dctx, ev)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.MaxTries),
	)
	observability.EndSpanWithError(span, err)
	if err != nil {
		d.observer.RecordEscalationFailed(ev.Kind)
		d.logger.Error("escalation delivery failed",
			zap.String("sink", d.sink.Name()),
			zap.String("stage_instance_id", ev.StageInstanceID),
			zap.String("kind", ev.Kind),
			zap.Int("level", ev.Level),
			zap.Error(err),
		)
		return
	}
	d.observer.RecordEscalationDispatched(ev.Kind)
	d.logger.Info("escalation delivered",
		zap.String("sink", d.sink.Name()),
		zap.String("stage_instance_id", ev.StageInstanceID),
		zap.String("kind", ev.Kind),
		zap.Int("level", ev.Level),
	)
}

// breakerStateValue maps breaker states to the gauge values used by the
// metrics: 0 closed, 1 half-open, 2 open.
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
