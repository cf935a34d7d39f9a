// Package metrics provides Prometheus metrics for chat turns and tool dispatch.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal    *prometheus.CounterVec
	TurnDuration  *prometheus.HistogramVec
	ToolCalls     *prometheus.CounterVec
	ToolDuration  *prometheus.HistogramVec
	HTTPInFlight  prometheus.Gauge
	HTTPResponses *prometheus.CounterVec
}

// New creates a registry with Go and process collectors plus the chat metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finsight_chat_turns_total",
				Help: "Chat turns by answer path and outcome",
			},
			[]string{"path", "outcome"},
		),
		TurnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finsight_chat_turn_duration_seconds",
				Help:    "Time from request to end of the answer stream",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"path"},
		),
		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finsight_tool_dispatch_total",
				Help: "Tool dispatches by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finsight_tool_dispatch_duration_seconds",
				Help:    "Duration of the data fetch behind a tool dispatch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		HTTPInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "finsight_http_requests_in_flight",
				Help: "Chat requests currently being served",
			},
		),
		HTTPResponses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finsight_http_responses_total",
				Help: "Chat responses by status code",
			},
			[]string{"code"},
		),
	}
}

// TurnFinished records the end of a chat turn.
func (m *Metrics) TurnFinished(path, outcome string, d time.Duration) {
	m.TurnsTotal.WithLabelValues(path, outcome).Inc()
	m.TurnDuration.WithLabelValues(path).Observe(d.Seconds())
}

// ToolDispatched records one dispatch.
func (m *Metrics) ToolDispatched(tool, outcome string, d time.Duration) {
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// InstrumentHTTP counts in-flight requests and response codes for next.
func (m *Metrics) InstrumentHTTP(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(m.HTTPInFlight,
		promhttp.InstrumentHandlerCounter(m.HTTPResponses, next))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
