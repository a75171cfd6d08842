package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the process sandbox.
// All metrics use the harness_sandbox_ namespace.
type Metrics struct {
	ProcessesStarted prometheus.Counter
	Rejections       *prometheus.CounterVec
	ProcessExits     *prometheus.CounterVec
	ProcessDuration  *prometheus.HistogramVec
	ActiveProcesses  prometheus.Gauge
	MonitorKills     prometheus.Counter
	ProcessRSSBytes  prometheus.Gauge
}

// NewMetrics creates and registers sandbox metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ProcessesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "sandbox",
			Name:      "processes_started_total",
			Help:      "Total processes spawned.",
		}),

		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "sandbox",
			Name:      "rejections_total",
			Help:      "Start requests rejected at admission, by reason.",
		}, []string{"reason"}),

		ProcessExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "sandbox",
			Name:      "process_exits_total",
			Help:      "Finalized processes by outcome (success, error, timeout).",
		}, []string{"outcome"}),

		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harness",
			Subsystem: "sandbox",
			Name:      "process_duration_seconds",
			Help:      "Process wall-clock duration in seconds.",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 1800, 3600},
		}, []string{"outcome"}),

		ActiveProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harness",
			Subsystem: "sandbox",
			Name:      "active_processes",
			Help:      "Number of tracked processes that have not completed.",
		}),

		MonitorKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "sandbox",
			Name:      "monitor_kills_total",
			Help:      "Processes signaled by the monitor for exceeding their timeout.",
		}),

		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harness",
			Subsystem: "sandbox",
			Name:      "process_rss_bytes",
			Help:      "Resident memory of all live tracked processes at the last monitor sweep.",
		}),
	}

	reg.MustRegister(
		m.ProcessesStarted,
		m.Rejections,
		m.ProcessExits,
		m.ProcessDuration,
		m.ActiveProcesses,
		m.MonitorKills,
		m.ProcessRSSBytes,
	)

	return m
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.ProcessesStarted.Inc()
	m.ActiveProcesses.Inc()
}

func (m *Metrics) finished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveProcesses.Dec()
	m.ProcessExits.WithLabelValues(outcome).Inc()
	m.ProcessDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) monitorKill() {
	if m == nil {
		return
	}
	m.MonitorKills.Inc()
}

func (m *Metrics) rss(bytes uint64) {
	if m == nil {
		return
	}
	m.ProcessRSSBytes.Set(float64(bytes))
}
