package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the run orchestrator.
// All metrics use the harness_orchestrator_ namespace.
type Metrics struct {
	RunsSubmitted prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ActiveRuns    prometheus.Gauge
	ResultsParsed *prometheus.CounterVec
	MonitorErrors prometheus.Counter
}

// NewMetrics creates and registers orchestrator metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "orchestrator",
			Name:      "runs_submitted_total",
			Help:      "Total runs admitted and spawned.",
		}),

		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "orchestrator",
			Name:      "runs_finished_total",
			Help:      "Total runs by terminal status.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harness",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Run wall-clock duration in seconds by terminal status.",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"status"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harness",
			Subsystem: "orchestrator",
			Name:      "active_runs",
			Help:      "Number of runs currently in the active set.",
		}),

		ResultsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "orchestrator",
			Name:      "results_parsed_total",
			Help:      "Results files parsed by outcome (ok, absent, malformed).",
		}, []string{"state"}),

		MonitorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "orchestrator",
			Name:      "monitor_errors_total",
			Help:      "Per-run failures swallowed by the run monitor loop.",
		}),
	}

	reg.MustRegister(
		m.RunsSubmitted,
		m.RunsFinished,
		m.RunDuration,
		m.ActiveRuns,
		m.ResultsParsed,
		m.MonitorErrors,
	)

	return m
}

func (m *Metrics) submitted() {
	if m == nil {
		return
	}
	m.RunsSubmitted.Inc()
	m.ActiveRuns.Inc()
}

func (m *Metrics) finished(status Status, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsFinished.WithLabelValues(string(status)).Inc()
	m.RunDuration.WithLabelValues(string(status)).Observe(seconds)
}

func (m *Metrics) parsed(state ResultsState) {
	if m == nil {
		return
	}
	m.ResultsParsed.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) monitorError() {
	if m == nil {
		return
	}
	m.MonitorErrors.Inc()
}
