package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator collectors on a private registry. A nil
// *Metrics is valid and records nothing, so components can be built without it.
type Metrics struct {
	registry *prometheus.Registry

	executions     *prometheus.CounterVec
	setups         *prometheus.CounterVec
	generations    *prometheus.CounterVec
	pollAttempts   *prometheus.CounterVec
	resolverProbes *prometheus.CounterVec
	subscribers    prometheus.Gauge
	httpRequests   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "executions_total",
			Help:      "Remote script executions by terminal status.",
		}, []string{"status"}),
		setups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "setups_total",
			Help:      "Setup attempts by resulting setup status.",
		}, []string{"outcome"}),
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "generations_total",
			Help:      "Generations by terminal status and mode.",
		}, []string{"status", "mode"}),
		pollAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "poll_attempts_total",
			Help:      "History poll attempts by result.",
		}, []string{"result"}),
		resolverProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "resolver_probes_total",
			Help:      "Inference endpoint health probes by result.",
		}, []string{"result"}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "progress_subscribers",
			Help:      "Live progress subscriptions.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
	}
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

func (m *Metrics) SetupFinished(outcome string) {
	if m == nil {
		return
	}
	m.setups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GenerationFinished(status string, simulated bool) {
	if m == nil {
		return
	}
	mode := "live"
	if simulated {
		mode = "simulated"
	}
	m.generations.WithLabelValues(status, mode).Inc()
}

func (m *Metrics) PollAttempt(result string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ResolverProbe(result string) {
	if m == nil {
		return
	}
	m.resolverProbes.WithLabelValues(result).Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
