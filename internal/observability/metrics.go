package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	jobDurationBuckets  = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for wardflow. It satisfies
// the observer interfaces of the workflow engine, the escalation dispatcher
// and the scheduler.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	InstancesCreatedTotal *prometheus.CounterVec
	InstancesClosedTotal  *prometheus.CounterVec
	ActiveInstances       *prometheus.GaugeVec
	TransitionsTotal      *prometheus.CounterVec
	DecisionsTotal        *prometheus.CounterVec

	// Escalation metrics
	EscalationsDispatchedTotal *prometheus.CounterVec
	EscalationsFailedTotal     *prometheus.CounterVec
	EscalationsDroppedTotal    prometheus.Counter
	EscalationBreakerState     prometheus.Gauge

	// Scheduler metrics
	SchedulerRunsTotal    *prometheus.CounterVec
	SchedulerRunDuration  *prometheus.HistogramVec
	SchedulerDroppedTotal *prometheus.CounterVec

	// System metrics
	TemplatesLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wardflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wardflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wardflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardflow_instances_created_total",
			Help: "Total number of workflow instances created.",
		}, []string{"template_id"}),
		InstancesClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardflow_instances_closed_total",
			Help: "Total number of workflow instances that reached a final status.",
		}, []string{"template_id", "status"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wardflow_active_instances",
			Help: "Number of workflow instances not yet in a final status.",
		}, []string{"template_id"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardflow_transitions_total",
			Help: "Total number of transition requests by outcome.",
		}, []string{"template_id", "outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardflow_approval_decisions_total",
			Help: "Total number of approval decisions by decision and resulting gate state.",
		}, []string{"decision", "gate_state"}),

		// Escalations
		EscalationsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardflow_escalations_dispatched_total",
			Help: "Total number of escalation events delivered to the sink.",
		}, []string{"kind"}),
		EscalationsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardflow_escalations_failed_total",
			Help: "Total number of escalation events that exhausted delivery retries.",
		}, []string{"kind"}),
		EscalationsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wardflow_escalations_dropped_total",
			Help: "Total number of escalation events dropped because the queue was full.",
		}),
		EscalationBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wardflow_escalation_circuit_breaker_state",
			Help: "Escalation sink circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Scheduler
		SchedulerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardflow_scheduler_runs_total",
			Help: "Total number of scheduler jobs run.",
		}, []string{"kind", "status"}),
		SchedulerRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wardflow_scheduler_run_duration_seconds",
			Help:    "Scheduler job duration in seconds.",
			Buckets: jobDurationBuckets,
		}, []string{"kind"}),
		SchedulerDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardflow_scheduler_dropped_total",
			Help: "Total number of scheduler requests dropped because the queue was full.",
		}, []string{"kind"}),

		// System
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wardflow_templates_loaded",
			Help: "Number of workflow templates in the registry.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.InstancesCreatedTotal,
		m.InstancesClosedTotal,
		m.ActiveInstances,
		m.TransitionsTotal,
		m.DecisionsTotal,
		// Escalations
		m.EscalationsDispatchedTotal,
		m.EscalationsFailedTotal,
		m.EscalationsDroppedTotal,
		m.EscalationBreakerState,
		// Scheduler
		m.SchedulerRunsTotal,
		m.SchedulerRunDuration,
		m.SchedulerDroppedTotal,
		// System
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceCreated records a new workflow instance.
func (m *Metrics) RecordInstanceCreated(templateID string) {
	m.InstancesCreatedTotal.WithLabelValues(templateID).Inc()
	m.ActiveInstances.WithLabelValues(templateID).Inc()
}

// RecordTransition records the outcome of a transition request.
func (m *Metrics) RecordTransition(templateID, outcome string) {
	m.TransitionsTotal.WithLabelValues(templateID, outcome).Inc()
}

// RecordInstanceClosed records an instance reaching a final status.
func (m *Metrics) RecordInstanceClosed(templateID, status string) {
	m.InstancesClosedTotal.WithLabelValues(templateID, status).Inc()
	m.ActiveInstances.WithLabelValues(templateID).Dec()
}

// RecordDecision records an approval decision.
func (m *Metrics) RecordDecision(decision, gateState string) {
	m.DecisionsTotal.WithLabelValues(decision, gateState).Inc()
}

// RecordEscalationDispatched records a delivered escalation event.
func (m *Metrics) RecordEscalationDispatched(kind string) {
	m.EscalationsDispatchedTotal.WithLabelValues(kind).Inc()
}

// RecordEscalationFailed records an escalation event that could not be
// delivered.
func (m *Metrics) RecordEscalationFailed(kind string) {
	m.EscalationsFailedTotal.WithLabelValues(kind).Inc()
}

// RecordEscalationDropped records an escalation event dropped on a full queue.
func (m *Metrics) RecordEscalationDropped() {
	m.EscalationsDroppedTotal.Inc()
}

// SetEscalationBreakerState sets the escalation circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetEscalationBreakerState(state float64) {
	m.EscalationBreakerState.Set(state)
}

// RecordSchedulerRun records a completed scheduler job.
func (m *Metrics) RecordSchedulerRun(kind, status string, duration time.Duration) {
	m.SchedulerRunsTotal.WithLabelValues(kind, status).Inc()
	m.SchedulerRunDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSchedulerDropped records a scheduler request dropped on a full queue.
func (m *Metrics) RecordSchedulerDropped(kind string) {
	m.SchedulerDroppedTotal.WithLabelValues(kind).Inc()
}

// SetTemplatesLoaded sets the number of templates in the registry.
func (m *Metrics) SetTemplatesLoaded(count float64) {
	m.TemplatesLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled with the matched chi
// route pattern rather than the URL path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r = withRouteContext(r)
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), max(int(r.ContentLength), 0), sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
