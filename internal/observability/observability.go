// Package observability provides Prometheus metrics, OpenTelemetry tracing
// and health checks for the harness supervisor.
// All components are optional and nil-safe; when disabled, instrumented code
// skips recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/harness/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Metrics and Tracer are nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

// New creates an Observability instance from config. A nil config disables
// metrics and tracing; the health checker is always created.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{
		Health: NewHealthChecker(logger),
	}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the OTel tracer, or nil if tracing is disabled.
// Components treat a nil tracer as "no spans".
func (o *Observability) TracerOrNil() trace.Tracer {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Tracer()
}
