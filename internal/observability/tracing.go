package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/wardflow/internal/config"
)

const tracerName = "github.com/pitabwire/wardflow"

// Attribute keys shared by engine, scheduler and delivery spans.
var (
	AttrTemplateID      = attribute.Key("wardflow.template_id")
	AttrInstanceID      = attribute.Key("wardflow.instance_id")
	AttrStageInstanceID = attribute.Key("wardflow.stage_instance_id")
	AttrActorID         = attribute.Key("wardflow.actor_id")
	AttrCorrelationID   = attribute.Key("wardflow.correlation_id")
	AttrSchedulerKind   = attribute.Key("wardflow.scheduler.kind")
	AttrEscalationKind  = attribute.Key("wardflow.escalation.kind")
	AttrEscalationLevel = attribute.Key("wardflow.escalation.level")
	AttrSink            = attribute.Key("wardflow.escalation.sink")
)

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler samples root spans at cfg.SamplingRate (default 0.1) and
// follows the parent otherwise. Spans named by an AlwaysSample prefix are
// sampled unconditionally.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := min(cfg.SamplingRate, 1.0)
	if rate <= 0 {
		rate = 0.1
	}

	base := sdktrace.TraceIDRatioBased(rate)
	if rate == 1.0 {
		base = sdktrace.AlwaysSample()
	}
	sampler := sdktrace.ParentBased(base)

	if len(cfg.AlwaysSample) == 0 {
		return sampler
	}
	return &prefixSampler{prefixes: cfg.AlwaysSample, delegate: sampler}
}

// prefixSampler samples spans whose name starts with one of prefixes and
// defers to delegate for everything else.
type prefixSampler struct {
	prefixes []string
	delegate sdktrace.Sampler
}

func (s *prefixSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(p.Name, prefix) {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
	}
	return s.delegate.ShouldSample(p)
}

func (s *prefixSampler) Description() string {
	return fmt.Sprintf("PrefixSampler{%s}+%s", strings.Join(s.prefixes, ","), s.delegate.Description())
}

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the package-level tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// StartDeliverySpan starts a client span for one escalation delivery
// attempt to sink.
func StartDeliverySpan(ctx context.Context, sink, stageInstanceID, kind string, level int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "escalation.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrSink.String(sink),
			AttrStageInstanceID.String(stageInstanceID),
			AttrEscalationKind.String(kind),
			AttrEscalationLevel.Int(level),
		),
	)
}

// EndSpanWithError ends span, marking it failed when err is non-nil.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace ID, or "" outside a span.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing any W3C
// traceparent from the caller. The span is renamed to the matched chi route
// once the router has run, so instance IDs never end up in span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		r = withRouteContext(r.WithContext(ctx))
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(sw.status),
		)
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders writes the current trace context into outbound
// headers, such as escalation webhook deliveries.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
