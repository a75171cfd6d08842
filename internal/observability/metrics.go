package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector owns the custom Prometheus registry shared by all
// components, plus the process-wide metrics. Uses a custom registry, no
// global state. Component metrics (sandbox, orchestrator) register on
// Registry through their own constructors.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Build info, a constant 1 labeled with version and commit.
	BuildInfo *prometheus.GaugeVec

	// Ops HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with the Go runtime and
// process collectors registered on a fresh registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "harness",
			Name:      "build_info",
			Help:      "Build information of the running supervisor.",
		}, []string{"version", "commit"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total ops HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harness",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Ops HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harness",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of ops HTTP requests in flight.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BuildInfo,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// SetBuildInfo records the running version.
func (m *MetricsCollector) SetBuildInfo(version, commit string) {
	if m == nil {
		return
	}
	m.BuildInfo.WithLabelValues(version, commit).Set(1)
}

// RegistryOrNil returns the registry, or nil when metrics are disabled.
// Component metric constructors return nil for a nil registry.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
