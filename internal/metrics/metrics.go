// Package metrics provides Prometheus metrics for beluga-cat.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. It satisfies session.Recorder and
// llm.Observer.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionsStarted    prometheus.Counter
	SessionsEnded      *prometheus.CounterVec
	TurnsTotal         *prometheus.CounterVec
	ProviderRequests   *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
	SideEffectFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "beluga_sessions_active",
				Help: "Number of conversations currently registered.",
			},
		),
		SessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "beluga_sessions_started_total",
				Help: "Total number of conversations started.",
			},
		),
		SessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beluga_sessions_ended_total",
				Help: "Total number of conversations ended by reason.",
			},
			[]string{"reason"},
		),
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beluga_turns_total",
				Help: "Total number of user turns by result.",
			},
			[]string{"result"},
		),
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beluga_provider_requests_total",
				Help: "Total text-generation requests by provider and status.",
			},
			[]string{"provider", "status"},
		),
		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beluga_provider_request_duration_seconds",
				Help:    "Text-generation request duration by provider.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		SideEffectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beluga_side_effect_failures_total",
				Help: "Platform side effects that failed, by step.",
			},
			[]string{"step"},
		),
		registry: reg,
	}

	reg.MustRegister(m.SessionsActive)
	reg.MustRegister(m.SessionsStarted)
	reg.MustRegister(m.SessionsEnded)
	reg.MustRegister(m.TurnsTotal)
	reg.MustRegister(m.ProviderRequests)
	reg.MustRegister(m.ProviderDuration)
	reg.MustRegister(m.SideEffectFailures)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) TurnProcessed(result string) {
	m.TurnsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SideEffectFailed(step string) {
	m.SideEffectFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.SessionsActive.Set(float64(n))
}

// ObserveProviderRequest records one text-generation request.
func (m *Metrics) ObserveProviderRequest(provider, status string, elapsed time.Duration) {
	m.ProviderRequests.WithLabelValues(provider, status).Inc()
	m.ProviderDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}
