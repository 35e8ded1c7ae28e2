// Package escalation hands SLA escalation events to delivery sinks without
// blocking the component that raised them.
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/model"
)

// Sink delivers one escalation event to an external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev model.EscalationEvent) error
}

// --- LogSink ---

// LogSink writes events to the log. Useful as a fallback and in development.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev model.EscalationEvent) error {
	s.logger.Warn("sla escalation",
		zap.String("kind", ev.Kind),
		zap.Int("level", ev.Level),
		zap.String("instance_id", ev.InstanceID),
		zap.String("stage_instance_id", ev.StageInstanceID),
		zap.String("stage", ev.StageID),
		zap.Int("minutes_exceeded", ev.MinutesExceeded),
		zap.Strings("assigned_approvers", ev.AssignedApprovers),
		zap.Strings("notify_roles", ev.NotifyRoles),
	)
	return nil
}

// --- WebhookSink ---

// WebhookSink POSTs each event as JSON to a URL. Any non-2xx response is a
// delivery failure.
type WebhookSink struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// NewWebhookSink creates a WebhookSink. A nil client uses a 10s timeout.
func NewWebhookSink(url string, client *http.Client, headers map[string]string) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, client: client, headers: headers}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, ev model.EscalationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s:%d", ev.StageInstanceID, ev.Kind, ev.Level))
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// --- RedisStreamSink ---

// RedisStreamSink appends events to a Redis stream consumed by notification
// workers.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a RedisStreamSink. maxLen > 0 caps the stream
// length approximately.
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis_stream" }

func (s *RedisStreamSink) Deliver(ctx context.Context, ev model.EscalationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"kind":              ev.Kind,
			"level":             ev.Level,
			"instance_id":       ev.InstanceID,
			"stage_instance_id": ev.StageInstanceID,
			"approvers":         strings.Join(ev.AssignedApprovers, ","),
			"event":             string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// --- FanoutSink ---

// FanoutSink delivers to every sink and joins their errors.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink creates a FanoutSink.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

func (s *FanoutSink) Name() string {
	names := make([]string, len(s.sinks))
	for i, sk := range s.sinks {
		names[i] = sk.Name()
	}
	return "fanout(" + strings.Join(names, ",") + ")"
}

func (s *FanoutSink) Deliver(ctx context.Context, ev model.EscalationEvent) error {
	var errs []error
	for _, sk := range s.sinks {
		if err := sk.Deliver(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sk.Name(), err))
		}
	}
	return errors.Join(errs...)
}
