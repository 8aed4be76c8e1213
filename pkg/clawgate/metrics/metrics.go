// Package metrics exposes Prometheus collectors for turns, provider calls,
// tool decisions and channel traffic. Every recording method is safe on a
// nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Turns            *prometheus.CounterVec
	TurnDuration     prometheus.Histogram
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ToolDecisions    *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	Inbound          *prometheus.CounterVec
	Outbound         *prometheus.CounterVec
	CronFirings      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawgate_turns_total",
			Help: "Agent turns by terminal outcome",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clawgate_turn_duration_seconds",
			Help:    "Wall-clock duration of agent turns",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawgate_provider_requests_total",
			Help: "Provider requests by provider and status",
		}, []string{"provider", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clawgate_provider_request_duration_seconds",
			Help:    "Provider streaming request duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		ToolDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawgate_tool_decisions_total",
			Help: "Tool policy outcomes by tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clawgate_tool_duration_seconds",
			Help:    "Tool execution duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawgate_inbound_messages_total",
			Help: "Inbound messages accepted or rejected by channel",
		}, []string{"channel", "status"}),
		Outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawgate_outbound_messages_total",
			Help: "Outbound deliveries by channel and status",
		}, []string{"channel", "status"}),
		CronFirings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawgate_cron_firings_total",
			Help: "Scheduled job firings",
		}, []string{"job"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Turns, m.TurnDuration,
		m.ProviderRequests, m.ProviderLatency,
		m.ToolDecisions, m.ToolDuration,
		m.Inbound, m.Outbound, m.CronFirings,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Turn records a finished turn.
func (m *Metrics) Turn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

// ProviderRequest records one streaming request.
func (m *Metrics) ProviderRequest(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, status).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// ToolDecision records a tool call outcome: allow, confirm, deny,
// containment, network, invalid, timeout or error.
func (m *Metrics) ToolDecision(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolDecisions.WithLabelValues(tool, outcome).Inc()
}

// ToolExecuted records tool execution time.
func (m *Metrics) ToolExecuted(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// InboundMessage records an inbound message for a channel.
func (m *Metrics) InboundMessage(channel, status string) {
	if m == nil {
		return
	}
	m.Inbound.WithLabelValues(channel, status).Inc()
}

// OutboundMessage records a delivery attempt.
func (m *Metrics) OutboundMessage(channel, status string) {
	if m == nil {
		return
	}
	m.Outbound.WithLabelValues(channel, status).Inc()
}

// CronFired records a job firing.
func (m *Metrics) CronFired(jobID string) {
	if m == nil {
		return
	}
	m.CronFirings.WithLabelValues(jobID).Inc()
}
