// Package scheduler drives periodic SLA evaluation. A ticker requests
// sweeps, a cron schedule requests escalation passes and callers may enqueue
// either on demand. One worker drains the queue and forwards what the SLA
// monitor raises to the escalation dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/internal/sla"
	"github.com/pitabwire/wardflow/model"
)

// Request kinds.
const (
	KindSweep    = "sweep"
	KindEscalate = "escalate"
)

// Request asks the worker to run one evaluation.
type Request struct {
	Kind   string
	Reason string
}

// Monitor is the part of the SLA monitor the scheduler drives.
// *sla.Monitor implements it.
type Monitor interface {
	Sweep(ctx context.Context, now time.Time) ([]model.SLAViolation, error)
	Escalate(ctx context.Context, now time.Time) ([]model.EscalationEvent, error)
}

// Dispatcher accepts escalation events without blocking.
// *escalation.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ev model.EscalationEvent) error
}

// Observer receives scheduler outcomes. *observability.Metrics implements it.
type Observer interface {
	RecordSchedulerRun(kind, status string, duration time.Duration)
	RecordSchedulerDropped(kind string)
}

type nopObserver struct{}

func (nopObserver) RecordSchedulerRun(string, string, time.Duration) {}
func (nopObserver) RecordSchedulerDropped(string)                    {}

// Config sets the cadence of each producer.
type Config struct {
	// SweepInterval is the period of the sweep ticker.
	SweepInterval time.Duration
	// EscalationCron is a standard 5-field cron expression, or a descriptor
	// such as "@every 5m".
	EscalationCron string
	QueueSize      int
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.EscalationCron == "" {
		c.EscalationCron = "*/5 * * * *"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler owns the evaluation queue and its producers.
type Scheduler struct {
	monitor    Monitor
	dispatcher Dispatcher
	cfg        Config
	escalation cron.Schedule
	queue      chan Request
	logger     *zap.Logger
	observer   Observer
	now        func() time.Time

	// lastSweep holds the Unix nanoseconds of the last sweep that completed
	// without error.
	lastSweep atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock sets the time passed to the monitor.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New creates a Scheduler. It fails when the escalation cron expression does
// not parse.
func New(monitor Monitor, dispatcher Dispatcher, cfg Config, opts ...Option) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	sched, err := cronParser.Parse(cfg.EscalationCron)
	if err != nil {
		return nil, fmt.Errorf("scheduler: escalation cron %q: %w", cfg.EscalationCron, err)
	}
	s := &Scheduler{
		monitor:    monitor,
		dispatcher: dispatcher,
		cfg:        cfg,
		escalation: sched,
		queue:      make(chan Request, cfg.QueueSize),
		logger:     zap.NewNop(),
		observer:   nopObserver{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSweep.Store(s.now().UnixNano())
	return s, nil
}

// staleAfter is how many sweep intervals may pass without a successful
// sweep before the scheduler reports itself unhealthy.
const staleAfter = 3

// HealthCheck fails when no sweep has succeeded for staleAfter intervals,
// which covers both a stuck worker and a monitor that keeps erroring.
func (s *Scheduler) HealthCheck(context.Context) error {
	last := time.Unix(0, s.lastSweep.Load())
	if age := s.now().Sub(last); age > staleAfter*s.cfg.SweepInterval {
		return fmt.Errorf("scheduler: last successful sweep %s ago", age.Truncate(time.Second))
	}
	return nil
}

// Enqueue adds a request without blocking. A full queue drops the request;
// the next tick evaluates the same state again.
func (s *Scheduler) Enqueue(req Request) bool {
	select {
	case s.queue <- req:
		return true
	default:
		s.observer.RecordSchedulerDropped(req.Kind)
		s.logger.Warn("scheduler queue full, request dropped",
			zap.String("kind", req.Kind),
			zap.String("reason", req.Reason),
		)
		return false
	}
}

// Run starts the ticker, the cron schedule and the worker, and blocks until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s.logger.Sugar()}),
	)
	c.Schedule(s.escalation, cron.FuncJob(func() {
		s.Enqueue(Request{Kind: KindEscalate, Reason: "cron"})
	}))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.tick(ctx)
	})
	g.Go(func() error {
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})
	g.Go(func() error {
		return s.work(ctx)
	})

	s.logger.Info("scheduler started",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.String("escalation_cron", s.cfg.EscalationCron),
	)
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) tick(ctx context.Context) error {
	s.Enqueue(Request{Kind: KindSweep, Reason: "startup"})

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Enqueue(Request{Kind: KindSweep, Reason: "tick"})
		}
	}
}

func (s *Scheduler) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.queue:
			if err := s.Process(ctx, req); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled evaluation failed",
					zap.String("kind", req.Kind),
					zap.String("reason", req.Reason),
					zap.Error(err),
				)
			}
		}
	}
}

// Process runs one request synchronously and forwards the resulting events
// to the dispatcher. Dispatch failures are logged and do not fail the run.
func (s *Scheduler) Process(ctx context.Context, req Request) error {
	ctx, span := observability.StartSpan(ctx, "scheduler."+req.Kind,
		observability.AttrSchedulerKind.String(req.Kind),
	)
	start := time.Now()
	events, err := s.evaluate(ctx, req.Kind)
	status := "ok"
	if err != nil {
		status = "error"
	} else if req.Kind == KindSweep {
		s.lastSweep.Store(s.now().UnixNano())
	}
	s.observer.RecordSchedulerRun(req.Kind, status, time.Since(start))
	defer observability.EndSpanWithError(span, err)

	// Partial results are still forwarded; the monitor already recorded them.
	for _, ev := range events {
		if derr := s.dispatcher.Dispatch(ev); derr != nil {
			s.logger.Warn("escalation dispatch failed",
				zap.String("stage_instance_id", ev.StageInstanceID),
				zap.String("kind", ev.Kind),
				zap.Int("level", ev.Level),
				zap.Error(derr),
			)
		}
	}
	if len(events) > 0 {
		s.logger.Info("scheduled evaluation raised events",
			zap.String("kind", req.Kind),
			zap.Int("events", len(events)),
		)
	}
	return err
}

func (s *Scheduler) evaluate(ctx context.Context, kind string) ([]model.EscalationEvent, error) {
	now := s.now()
	switch kind {
	case KindSweep:
		raised, err := s.monitor.Sweep(ctx, now)
		events := make([]model.EscalationEvent, 0, len(raised))
		for _, v := range raised {
			events = append(events, sla.ViolationEvent(v))
		}
		return events, err
	case KindEscalate:
		return s.monitor.Escalate(ctx, now)
	default:
		return nil, fmt.Errorf("scheduler: unknown request kind %q", kind)
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
