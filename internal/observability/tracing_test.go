package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/wardflow/internal/config"
)

// setupTestTracer installs an always-sampling provider backed by an
// in-memory exporter for the duration of the test.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exporter
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr string
	}{
		{"disabled", config.TracingConfig{Enabled: false, Exporter: "zipkin"}, ""},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, ""},
		{"unsupported exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "unsupported exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := otel.GetTracerProvider()
			t.Cleanup(func() { otel.SetTracerProvider(prev) })

			shutdown, err := InitTracing(context.Background(), tt.cfg, "wardflow", "test")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown error = %v", err)
			}
		})
	}
}

// rootParams builds sampling parameters for a root span whose trace ID sits
// at the top of the ID space, so any ratio below 1 drops it.
func rootParams(name string) sdktrace.SamplingParameters {
	var id trace.TraceID
	for i := range id {
		id[i] = 0xff
	}
	return sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: id, Name: name}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TracingConfig
		span string
		want sdktrace.SamplingDecision
	}{
		{"full rate samples everything", config.TracingConfig{SamplingRate: 1}, "workflow.create", sdktrace.RecordAndSample},
		{"rate above one clamps", config.TracingConfig{SamplingRate: 7}, "workflow.create", sdktrace.RecordAndSample},
		{"low rate drops", config.TracingConfig{SamplingRate: 0.01}, "workflow.create", sdktrace.Drop},
		{"default rate drops", config.TracingConfig{}, "workflow.create", sdktrace.Drop},
		{"prefix always sampled", config.TracingConfig{SamplingRate: 0.01, AlwaysSample: []string{"workflow.decide", "escalation."}}, "workflow.decide", sdktrace.RecordAndSample},
		{"prefix family sampled", config.TracingConfig{SamplingRate: 0.01, AlwaysSample: []string{"escalation."}}, "escalation.deliver", sdktrace.RecordAndSample},
		{"other spans use the ratio", config.TracingConfig{SamplingRate: 0.01, AlwaysSample: []string{"workflow.decide"}}, "workflow.transition", sdktrace.Drop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newSampler(tt.cfg).ShouldSample(rootParams(tt.span))
			if got.Decision != tt.want {
				t.Errorf("decision = %v, want %v", got.Decision, tt.want)
			}
		})
	}
}

func TestPrefixSampler_description(t *testing.T) {
	s := newSampler(config.TracingConfig{SamplingRate: 0.5, AlwaysSample: []string{"workflow.decide"}})
	if !strings.Contains(s.Description(), "workflow.decide") {
		t.Errorf("description = %q", s.Description())
	}
}

func TestStartSpan_and_EndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, ok := StartSpan(context.Background(), "workflow.create", AttrTemplateID.String("maintenance-v1"))
	EndSpanWithError(ok, nil)
	_, failed := StartSpan(context.Background(), "workflow.transition")
	EndSpanWithError(failed, errors.New("illegal transition"))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spanAttrMap(spans[0])["wardflow.template_id"] != "maintenance-v1" {
		t.Errorf("attributes = %v", spans[0].Attributes)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("nil error marked the span failed")
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "illegal transition" {
		t.Errorf("status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("error not recorded as a span event")
	}
}

func TestStartDeliverySpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartDeliverySpan(context.Background(), "webhook", "si-9", "reminder", 2)
	span.End()

	s := exporter.GetSpans()[0]
	if s.Name != "escalation.deliver" || s.SpanKind != trace.SpanKindClient {
		t.Errorf("span = %s kind %v", s.Name, s.SpanKind)
	}
	attrs := spanAttrMap(s)
	want := map[string]string{
		"wardflow.escalation.sink":   "webhook",
		"wardflow.stage_instance_id": "si-9",
		"wardflow.escalation.kind":   "reminder",
		"wardflow.escalation.level":  "2",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("trace ID without span = %q", got)
	}
	ctx, span := StartSpan(context.Background(), "sla.sweep")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("trace ID = %q", got)
	}
}

func testRouter(status int) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1/instances", func(r chi.Router) {
		r.Route("/{instanceID}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(status) })
		})
	})
	return r
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(testRouter(http.StatusOK))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/instances/inst-42", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "GET /v1/instances/{instanceID}" {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("kind = %v, want server", s.SpanKind)
	}
	attrs := spanAttrMap(s)
	if attrs["http.route"] != "/v1/instances/{instanceID}" {
		t.Errorf("http.route = %q", attrs["http.route"])
	}
	if attrs["url.path"] != "/v1/instances/inst-42" {
		t.Errorf("url.path = %q", attrs["url.path"])
	}
	if attrs["http.response.status_code"] != "200" {
		t.Errorf("status = %q", attrs["http.response.status_code"])
	}
}

func TestTracingMiddleware_unmatchedRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(testRouter(http.StatusOK))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v2/nowhere", nil))

	if name := exporter.GetSpans()[0].Name; name != "GET "+unmatchedRoute {
		t.Errorf("span name = %q", name)
	}
}

func TestTracingMiddleware_serverErrorMarksSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(testRouter(http.StatusServiceUnavailable))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/instances/x", nil))

	if s := exporter.GetSpans()[0]; s.Status.Code != codes.Error {
		t.Errorf("status = %v, want error", s.Status.Code)
	}
}

func TestTracingMiddleware_continuesCallerTrace(t *testing.T) {
	exporter := setupTestTracer(t)

	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodGet, "/v1/instances/x", nil)
	req.Header.Set("traceparent", parent)
	rec := httptest.NewRecorder()
	TracingMiddleware(testRouter(http.StatusOK)).ServeHTTP(rec, req)

	s := exporter.GetSpans()[0]
	if got := s.SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace ID = %s", got)
	}
	if got := s.Parent.SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s", got)
	}
	if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Errorf("response traceparent = %q", tp)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartDeliverySpan(context.Background(), "webhook", "si-1", "violation", 0)
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if !strings.Contains(headers.Get("traceparent"), span.SpanContext().TraceID().String()) {
		t.Errorf("traceparent = %q", headers.Get("traceparent"))
	}
}

func TestSpanHierarchy_decisionAutoAdvance(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, decide := StartSpan(context.Background(), "workflow.decide", AttrStageInstanceID.String("si-1"))
	_, advance := StartSpan(ctx, "workflow.transition", AttrActorID.String("system"))
	advance.End()
	decide.End()

	byName := map[string]tracetest.SpanStub{}
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = s
	}
	if byName["workflow.transition"].Parent.SpanID() != byName["workflow.decide"].SpanContext.SpanID() {
		t.Error("auto-advance span should be a child of the decision span")
	}
}
