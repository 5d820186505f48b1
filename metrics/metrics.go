package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jrsteele09/go-agent-gateway/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agent_gateway"

// Metrics owns the gateway's collectors on a private registry so tests and multiple
// servers in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	oauthOperations *prometheus.CounterVec
	authAttempts    *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	breakerChanges  *prometheus.CounterVec
	agentRequests   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		oauthOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_operations_total",
			Help:      "OAuth flow operations by provider and outcome.",
		}, []string{"operation", "provider", "outcome"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Bearer token authentications by issuer and outcome.",
		}, []string{"issuer", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per agent: 0 closed, 1 half_open, 2 open.",
		}, []string{"agent"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions per agent.",
		}, []string{"agent", "from", "to"}),
		agentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_requests_total",
			Help:      "Dispatched agent requests by outcome.",
		}, []string{"agent", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.oauthOperations,
		m.authAttempts,
		m.breakerState,
		m.breakerChanges,
		m.agentRequests,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveOAuth(operation, provider, outcome string) {
	if provider == "" {
		provider = "unknown"
	}
	m.oauthOperations.WithLabelValues(operation, provider, outcome).Inc()
}

func (m *Metrics) ObserveAuth(issuer, outcome string) {
	if issuer == "" {
		issuer = "unknown"
	}
	m.authAttempts.WithLabelValues(issuer, outcome).Inc()
}

func (m *Metrics) ObserveBreakerState(agentID string, from, to breaker.State) {
	m.breakerChanges.WithLabelValues(agentID, string(from), string(to)).Inc()
	m.breakerState.WithLabelValues(agentID).Set(stateValue(to))
}

func (m *Metrics) ObserveAgentRequest(agentID, outcome string) {
	m.agentRequests.WithLabelValues(agentID, outcome).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
