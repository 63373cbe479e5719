// Package metrics holds the Prometheus collectors this system's components
// have data for: sandbox executions, LLM token/cost usage, and egress
// redaction events. Each collector is registered against a caller-supplied
// registry (never the global default) so tests can build disposable Metrics
// instances without collector-already-registered panics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector this system exposes. A nil
// *Metrics is valid everywhere it's consumed — every Record* method is a
// no-op on a nil receiver, so wiring metrics in is opt-in.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	AIRequestsTotal *prometheus.CounterVec
	AITokensTotal   *prometheus.CounterVec
	AICostDollars   *prometheus.CounterVec

	EgressEventsTotal  *prometheus.CounterVec
	BudgetSpentDollars prometheus.Gauge
}

// New registers every collector against reg and returns the bundle. Passing
// a fresh prometheus.NewRegistry() (rather than the global default) keeps
// repeated construction in tests collision-free.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentbox",
				Subsystem: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of sandbox executions by outcome.",
			},
			[]string{"outcome"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentbox",
				Subsystem: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Sandbox execution wall-clock duration in seconds.",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		AIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentbox",
				Subsystem: "llm",
				Name:      "requests_total",
				Help:      "Total number of LLM completion requests by model and status.",
			},
			[]string{"model", "status"},
		),
		AITokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentbox",
				Subsystem: "llm",
				Name:      "tokens_total",
				Help:      "Total number of LLM tokens consumed by model and token type.",
			},
			[]string{"model", "token_type"},
		),
		AICostDollars: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentbox",
				Subsystem: "llm",
				Name:      "cost_dollars_total",
				Help:      "Total estimated LLM spend in dollars by model.",
			},
			[]string{"model"},
		),
		EgressEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentbox",
				Subsystem: "egress",
				Name:      "events_total",
				Help:      "Total number of egress filter events by kind.",
			},
			[]string{"kind"},
		),
		BudgetSpentDollars: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentbox",
				Subsystem: "budget",
				Name:      "spent_dollars",
				Help:      "Cumulative spend recorded by the active budget manager.",
			},
		),
	}
}

// RecordExecution records one sandbox execution outcome and its duration.
func (m *Metrics) RecordExecution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordAIRequest records one LLM completion request's usage and cost.
func (m *Metrics) RecordAIRequest(model, status string, inputTokens, outputTokens int, cost float64) {
	if m == nil {
		return
	}
	m.AIRequestsTotal.WithLabelValues(model, status).Inc()
	m.AITokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.AITokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	m.AICostDollars.WithLabelValues(model).Add(cost)
}

// RecordEgressEvent records one egress filter event firing.
func (m *Metrics) RecordEgressEvent(kind string) {
	if m == nil {
		return
	}
	m.EgressEventsTotal.WithLabelValues(kind).Inc()
}

// SetBudgetSpent sets the cumulative budget spend gauge.
func (m *Metrics) SetBudgetSpent(total float64) {
	if m == nil {
		return
	}
	m.BudgetSpentDollars.Set(total)
}
