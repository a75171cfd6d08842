package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultMonitorInterval is the run monitor tick.
const DefaultMonitorInterval = 5 * time.Second

// StartMonitor launches the periodic status refresh of active runs.
// The returned function stops the loop and waits for it to exit.
func (o *Orchestrator) StartMonitor(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		o.logger.Debug("run monitor started", slog.String("interval", interval.String()))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				o.logger.Debug("run monitor stopped")
				return
			case <-ticker.C:
				o.Sweep(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Sweep refreshes the status of every active run. A failing run is logged
// and skipped.
func (o *Orchestrator) Sweep(ctx context.Context) {
	for _, id := range o.registry.Active() {
		if ctx.Err() != nil {
			return
		}
		o.refresh(ctx, id)
	}
}

func (o *Orchestrator) refresh(ctx context.Context, runID string) {
	defer func() {
		if r := recover(); r != nil {
			o.metrics.monitorError()
			o.logger.Error("run monitor recovered from panic",
				slog.String("run_id", runID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if _, err := o.GetStatus(ctx, runID); err != nil {
		o.metrics.monitorError()
		o.logger.Error("run status refresh failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}
