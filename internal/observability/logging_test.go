package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/wardflow/internal/config"
	"github.com/pitabwire/wardflow/model"
)

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level, LogFormat: "json"})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("level %s not enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("level below %s enabled", tt.want)
			}
		})
	}
}

func TestNewLogger_console(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "debug", LogFormat: "console"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug not enabled for console logger")
	}
}

func TestLoggerFrom(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("empty context should return the fallback")
	}

	stored := zap.NewExample()
	if got := LoggerFrom(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Error("stored logger not returned")
	}
}

func fieldsOf(e observer.LoggedEntry) map[string]any {
	return e.ContextMap()
}

func TestRequestLogger_actorAndTrace(t *testing.T) {
	exporter := setupTestTracer(t)
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	ctx := model.WithActor(context.Background(), model.Actor{
		ID:            "u-fm-ward3",
		Roles:         []string{"facility_manager"},
		CorrelationID: "corr-abc",
	})
	ctx, span := StartSpan(ctx, "workflow.decide")
	RequestLogger(ctx, logger).Info("decision recorded")
	span.End()

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := fieldsOf(entries[0])
	want := map[string]any{
		"actor_id":       "u-fm-ward3",
		"correlation_id": "corr-abc",
		"trace_id":       exporter.GetSpans()[0].SpanContext.TraceID().String(),
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestRequestLogger_prefersContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	scoped := zap.New(core).With(zap.String("method", "POST"))

	ctx := WithLogger(context.Background(), scoped)
	ctx = model.WithActor(ctx, model.Actor{ID: "u-nurse-7"})
	RequestLogger(ctx, zap.NewNop()).Info("created")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := fieldsOf(entries[0])
	if fields["method"] != "POST" || fields["actor_id"] != "u-nurse-7" {
		t.Errorf("fields = %v", fields)
	}
	if _, ok := fields["trace_id"]; ok {
		t.Error("trace_id present without an active span")
	}
	if _, ok := fields["correlation_id"]; ok {
		t.Error("correlation_id present when empty")
	}
}

func TestRequestLogger_noActor(t *testing.T) {
	fallback := zap.NewNop()
	if got := RequestLogger(context.Background(), fallback); got != fallback {
		t.Error("without actor or trace the logger should be returned unchanged")
	}
}

func TestRedactData(t *testing.T) {
	data := map[string]any{
		"asset_tag":         "INF-0042",
		"fault_description": "occlusion alarm",
		"Patient_Name":      "Jane Doe",
		"context": map[string]any{
			"mrn":  "123456",
			"ward": "3B",
		},
		"observations": []any{
			map[string]any{"nhs_number": "943 476 5919", "note": "alarm at 02:00"},
			"free text",
		},
		"supplier_ref": "SUP-9",
	}
	orig := data["context"].(map[string]any)["mrn"]

	got := RedactData(data, "supplier_ref")

	if got["asset_tag"] != "INF-0042" || got["fault_description"] != "occlusion alarm" {
		t.Errorf("equipment fields changed: %v", got)
	}
	if got["Patient_Name"] != redacted {
		t.Errorf("Patient_Name = %v, want redacted (case-insensitive)", got["Patient_Name"])
	}
	if got["supplier_ref"] != redacted {
		t.Errorf("extra key not redacted: %v", got["supplier_ref"])
	}
	nested := got["context"].(map[string]any)
	if nested["mrn"] != redacted || nested["ward"] != "3B" {
		t.Errorf("nested = %v", nested)
	}
	list := got["observations"].([]any)
	first := list[0].(map[string]any)
	if first["nhs_number"] != redacted || first["note"] != "alarm at 02:00" {
		t.Errorf("list element = %v", first)
	}
	if list[1] != "free text" {
		t.Errorf("scalar list element = %v", list[1])
	}

	if data["context"].(map[string]any)["mrn"] != orig {
		t.Error("input was mutated")
	}
}

func TestRedactData_nil(t *testing.T) {
	if RedactData(nil) != nil {
		t.Error("nil data should stay nil")
	}
}
