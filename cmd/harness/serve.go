package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/harness/internal/opsserver"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor with its monitors and ops endpoints",
	Long: `Starts the sandbox timeout monitor and the run status monitor, and
serves /healthz, /readyz and /metrics when an ops listen address is
configured. On SIGINT or SIGTERM every active run is stopped.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "ops server address (overrides observability.listen_addr)")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	comps, err := initComponents(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopSandboxMonitor := comps.sandbox.StartMonitor(ctx, cfg.Sandbox.MonitorInterval())
	stopRunMonitor := comps.orchestrator.StartMonitor(ctx, cfg.Harness.MonitorInterval())

	addr := listenAddr
	if addr == "" && cfg.Observability != nil {
		addr = cfg.Observability.ListenAddr
	}

	var ops *opsserver.Server
	errs := make(chan error, 1)
	if addr != "" {
		opsCfg := opsserver.Config{
			ListenAddr:    addr,
			Metrics:       comps.obs.Metrics,
			HealthChecker: comps.obs.Health,
			Tracer:        comps.obs.TracerOrNil(),
		}
		if cfg.Observability != nil {
			opsCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
		ops = opsserver.New(opsCfg, logger)
		go func() {
			errs <- ops.Start(ctx)
		}()
	}

	logger.Info("harness supervisor started",
		slog.String("version", version),
		slog.String("data_dir", comps.workspace.Root),
		slog.Int("max_concurrent_runs", cfg.Harness.RunLimit()),
		slog.Int("max_processes", cfg.Sandbox.ProcessLimit()),
	)

	// Wait for signal or ops server failure.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("ops server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopRunMonitor()
	stopSandboxMonitor()
	if ops != nil {
		if err := ops.Stop(shutdownCtx); err != nil {
			logger.Error("stopping ops server", slog.String("error", err.Error()))
		}
	}
	comps.shutdown(shutdownCtx)

	logger.Info("harness supervisor stopped")
	return nil
}
