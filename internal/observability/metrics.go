package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Steps           *prometheus.CounterVec
	StepLatency     *prometheus.HistogramVec
	Transitions     *prometheus.CounterVec
	ModelLatency    *prometheus.HistogramVec
	BusPublishes    *prometheus.CounterVec
	FeedConnections prometheus.Gauge
	ToolInvocations *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec

	gatherer prometheus.Gatherer
	stages   *stepStageWindow
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh private registry, which
// keeps tests independent of each other.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Orchestration calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		StepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "End-to-end latency of orchestration calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"kind"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task transitions by resulting status.",
		}, []string{"status"}),
		ModelLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_invoke_duration_seconds",
			Help:      "Model invocation latency by role and outcome.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"role", "outcome"}),
		BusPublishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publishes_total",
			Help:      "Event bus publishes by outcome.",
		}, []string{"outcome"}),
		FeedConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connections",
			Help:      "Open websocket feed connections.",
		}),
		ToolInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Server-side tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		gatherer: reg,
		stages:   newStepStageWindow(256),
	}
}

// ObserveStep records one orchestration call.
func (m *Metrics) ObserveStep(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(kind, outcome).Inc()
	m.StepLatency.WithLabelValues(kind).Observe(d.Seconds())
	if outcome == "ok" {
		m.stages.Observe(kind+"_total", d)
	}
}

// ObserveStage feeds the rolling stage window served by the perf endpoint.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
	m.stages.CountTransition(status)
}

// ObserveHTTP counts a served request by its route pattern.
func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// FeedOpened tracks an open feed connection; call the returned func when it closes.
func (m *Metrics) FeedOpened() func() {
	if m == nil {
		return func() {}
	}
	m.FeedConnections.Inc()
	return m.FeedConnections.Dec
}

func (m *Metrics) SnapshotStages() StepStageSnapshot {
	if m == nil {
		return StepStageSnapshot{}
	}
	return m.stages.Snapshot()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
