package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics exports agent metrics through a Prometheus registry
type PrometheusMetrics struct {
	pollersRunning prometheus.Gauge
	demoPollers    prometheus.Gauge
	stepAttempts   *prometheus.CounterVec
	stepRetries    *prometheus.CounterVec
	cycles         *prometheus.CounterVec
	recoveryRuns   *prometheus.CounterVec
	forwarded      *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	stepDuration   *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers the agent metrics with the given registry.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		pollersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_pollers_running",
			Help: "Current number of running pollers",
		}),
		demoPollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_demo_pollers",
			Help: "Current number of demo pollers",
		}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_step_attempts_total",
			Help: "Total number of step attempts by outcome",
		}, []string{"poller", "step", "status"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_step_retries_total",
			Help: "Total number of step retries",
		}, []string{"poller", "step"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_cycles_total",
			Help: "Total number of finished cycles by state",
		}, []string{"poller", "state"}),
		recoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_recovery_runs_total",
			Help: "Total number of recovery actions by reason",
		}, []string{"poller", "reason"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_forwarded_total",
			Help: "Total number of payloads forwarded to the pipeline by status",
		}, []string{"poller", "status"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_cycle_duration_seconds",
			Help:    "Duration of finished cycles",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"poller"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_step_duration_seconds",
			Help:    "Duration of single step attempts",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"poller", "step"}),
	}

	registry.MustRegister(
		m.pollersRunning,
		m.demoPollers,
		m.stepAttempts,
		m.stepRetries,
		m.cycles,
		m.recoveryRuns,
		m.forwarded,
		m.cycleDuration,
		m.stepDuration,
	)

	return m
}

func (m *PrometheusMetrics) SetPollersRunning(count int) {
	m.pollersRunning.Set(float64(count))
}

func (m *PrometheusMetrics) SetDemoPollers(count int) {
	m.demoPollers.Set(float64(count))
}

func (m *PrometheusMetrics) IncStepAttempts(pollerName, stepName, status string) {
	m.stepAttempts.WithLabelValues(pollerName, stepName, status).Inc()
}

func (m *PrometheusMetrics) IncStepRetries(pollerName, stepName string) {
	m.stepRetries.WithLabelValues(pollerName, stepName).Inc()
}

func (m *PrometheusMetrics) IncCycles(pollerName, state string) {
	m.cycles.WithLabelValues(pollerName, state).Inc()
}

func (m *PrometheusMetrics) IncRecoveryRuns(pollerName, reason string) {
	m.recoveryRuns.WithLabelValues(pollerName, reason).Inc()
}

func (m *PrometheusMetrics) IncForwarded(pollerName, status string) {
	m.forwarded.WithLabelValues(pollerName, status).Inc()
}

func (m *PrometheusMetrics) ObserveCycleDuration(pollerName string, duration time.Duration) {
	m.cycleDuration.WithLabelValues(pollerName).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) ObserveStepDuration(pollerName, stepName string, duration time.Duration) {
	m.stepDuration.WithLabelValues(pollerName, stepName).Observe(duration.Seconds())
}
