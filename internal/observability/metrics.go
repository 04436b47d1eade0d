package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	EventsAcceptedTotal   *prometheus.CounterVec
	DuplicateEventsTotal  prometheus.Counter
	OutOfOrderEventsTotal prometheus.Counter

	StreamDepth        prometheus.Gauge
	PendingEntries     prometheus.Gauge
	DLQDepth           prometheus.Gauge
	AdmissionLevel     prometheus.Gauge
	RejectedTotal      *prometheus.CounterVec
	RateLimitHitsTotal prometheus.Counter

	WorkflowsTotal   *prometheus.CounterVec
	WorkflowDuration *prometheus.HistogramVec
	NodeDuration     *prometheus.HistogramVec
	RepliesTotal     *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	DeadLetterTotal  *prometheus.CounterVec

	AgentCallsTotal   *prometheus.CounterVec
	AgentCallDuration *prometheus.HistogramVec

	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return NewMetricsFor(prometheus.DefaultRegisterer)
}

// NewMetricsFor registers against an explicit registerer; tests pass a fresh
// prometheus.NewRegistry so parallel packages do not collide.
func NewMetricsFor(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		EventsAcceptedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_accepted_total",
				Help: "Inbound events accepted into the stream",
			},
			[]string{"kind"},
		),
		DuplicateEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "duplicate_events_total",
				Help: "Inbound events suppressed by the idempotency store",
			},
		),
		OutOfOrderEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "out_of_order_events_total",
				Help: "Inbound events rejected for stale timestamps",
			},
		),
		StreamDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stream_depth",
				Help: "Entries in the primary stream",
			},
		),
		PendingEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stream_pending_entries",
				Help: "Delivered but unacked entries in the consumer group",
			},
		),
		DLQDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dlq_depth",
				Help: "Entries in the dead-letter stream",
			},
		),
		AdmissionLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "admission_level",
				Help: "Current admission level (0=low 1=medium 2=high 3=critical)",
			},
		),
		RejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_rejected_total",
				Help: "Requests rejected by the admission layer",
			},
			[]string{"reason"},
		),
		RateLimitHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
		WorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflows_total",
				Help: "Workflow executions by name and terminal status",
			},
			[]string{"workflow", "status"},
		),
		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_duration_seconds",
				Help:    "Workflow execution duration",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"workflow"},
		),
		NodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_node_duration_seconds",
				Help:    "Individual node execution duration",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 15, 30},
			},
			[]string{"workflow", "node"},
		),
		RepliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replies_total",
				Help: "Replies routed back to the gateway",
			},
			[]string{"outcome"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_retries_total",
				Help: "Stream entries republished for retry",
			},
			[]string{"error_category"},
		),
		DeadLetterTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dead_letter_total",
				Help: "Stream entries moved to the DLQ",
			},
			[]string{"error_category"},
		),
		AgentCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_calls_total",
				Help: "Outbound agent calls",
			},
			[]string{"agent", "function", "outcome"},
		),
		AgentCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_call_duration_seconds",
				Help:    "Outbound agent call duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent", "function"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Breaker state (0=closed 1=open 2=half_open)",
			},
			[]string{"service", "function"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Breaker state transitions",
			},
			[]string{"service", "function", "to"},
		),
	}
}
