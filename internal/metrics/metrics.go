package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	registry *prometheus.Registry

	// Kernel metrics
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ExecutionErrorsTotal *prometheus.CounterVec
	StepRetriesTotal     *prometheus.CounterVec
	PolicyBlocksTotal    *prometheus.CounterVec
	PlanSteps            *prometheus.HistogramVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Gateway metrics
	RequestsTotal    *prometheus.CounterVec
	EventSubscribers prometheus.Gauge
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"tool", "status", "path"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		ExecutionErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_execution_errors_total",
				Help: "Total number of tool execution errors",
			},
			[]string{"tool", "error_type"},
		),
		StepRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_step_retries_total",
				Help: "Total number of step retry attempts",
			},
			[]string{"tool"},
		),
		PolicyBlocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_policy_blocks_total",
				Help: "Total number of executions blocked by policy",
			},
			[]string{"tool", "rule"},
		),
		PlanSteps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_plan_steps",
				Help:    "Number of remaining steps per computed plan",
				Buckets: []float64{1, 2, 3, 5, 8, 13},
			},
			[]string{"tool"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessions_active",
				Help: "Number of currently active sessions",
			},
		),
		SessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessions_total",
				Help: "Total number of sessions created",
			},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of gateway HTTP requests",
			},
			[]string{"endpoint", "status"},
		),
		EventSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_event_subscribers",
				Help: "Number of connected event stream subscribers",
			},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.ExecutionsTotal)
	m.registry.MustRegister(m.ExecutionDuration)
	m.registry.MustRegister(m.ExecutionErrorsTotal)
	m.registry.MustRegister(m.StepRetriesTotal)
	m.registry.MustRegister(m.PolicyBlocksTotal)
	m.registry.MustRegister(m.PlanSteps)
	m.registry.MustRegister(m.SessionsActive)
	m.registry.MustRegister(m.SessionsTotal)
	m.registry.MustRegister(m.RequestsTotal)
	m.registry.MustRegister(m.EventSubscribers)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
