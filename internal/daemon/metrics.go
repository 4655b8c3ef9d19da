package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"psa/internal/rules"
	"psa/internal/tactile"
)

// Metrics are the daemon's prometheus collectors, registered on a private
// registry so several daemons (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	commands     *prometheus.CounterVec
	healthChecks prometheus.Counter
	issues       *prometheus.CounterVec
	executions   *prometheus.CounterVec
	execDuration prometheus.Histogram
	rulesLoaded  prometheus.Gauge
	ruleStates   *prometheus.GaugeVec
	reloads      prometheus.Counter
	spawns       *prometheus.CounterVec
	queriesBySrc *prometheus.CounterVec
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "psa_daemon_commands_total",
			Help: "Commands handled by the control loop",
		}, []string{"command"}),
		healthChecks: f.NewCounter(prometheus.CounterOpts{
			Name: "psa_health_checks_total",
			Help: "Health checks run",
		}),
		issues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "psa_health_issues_total",
			Help: "Issues found by health checks",
		}, []string{"severity"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "psa_rule_executions_total",
			Help: "Rule executions by result",
		}, []string{"result"}),
		execDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "psa_rule_execution_duration_seconds",
			Help:    "Duration of rule executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		rulesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "psa_rules_loaded",
			Help: "Rules currently loaded",
		}),
		ruleStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "psa_rules_by_health",
			Help: "Rules per lifecycle health state at the last health check",
		}, []string{"state"}),
		reloads: f.NewCounter(prometheus.CounterOpts{
			Name: "psa_rule_reloads_total",
			Help: "Rule directory reloads",
		}),
		spawns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "psa_process_events_total",
			Help: "Probe and action process events",
		}, []string{"event"}),
		queriesBySrc: f.NewCounterVec(prometheus.CounterOpts{
			Name: "psa_queries_total",
			Help: "Answered queries by answer source",
		}, []string{"source"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProcess is a tactile audit callback.
func (m *Metrics) ObserveProcess(ev tactile.AuditEvent) {
	m.spawns.WithLabelValues(string(ev.Type)).Inc()
}

func (m *Metrics) observeExecution(res *rules.ExecutionResult, err error) {
	if err != nil {
		m.executions.WithLabelValues("error").Inc()
		return
	}
	switch {
	case res.Escalated:
		m.executions.WithLabelValues("escalated").Inc()
	case res.Success:
		m.executions.WithLabelValues("success").Inc()
	default:
		m.executions.WithLabelValues("failure").Inc()
	}
	m.execDuration.Observe(res.Duration.Seconds())
}
