package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/harness/internal/config"
	"github.com/jkaninda/harness/internal/observability"
	"github.com/jkaninda/harness/internal/orchestrator"
	"github.com/jkaninda/harness/internal/sandbox"
	"github.com/jkaninda/harness/internal/workspace"
)

// components holds the pieces shared by serve and run.
type components struct {
	cfg          *config.Config
	logger       *slog.Logger
	workspace    *workspace.Workspace
	obs          *observability.Observability
	sandbox      *sandbox.ProcessSandbox
	orchestrator *orchestrator.Orchestrator
}

// newLogger builds the JSON logger used by every command.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// loadConfig loads the config named by HARNESS_CONFIG or --config. When
// neither is set and the default file does not exist, defaults are used.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := goutils.Env("HARNESS_CONFIG", configPath)
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			logger.Info("no config file found, using defaults", slog.String("path", path))
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", slog.String("path", path))
	return cfg, nil
}

// sandboxConfig maps the sandbox section of the config file.
func sandboxConfig(cfg *config.Config) sandbox.Config {
	return sandbox.Config{
		MaxProcesses:    cfg.Sandbox.ProcessLimit(),
		DefaultTimeout:  cfg.Sandbox.DefaultTimeout(),
		MaxTimeout:      cfg.Sandbox.MaxTimeout(),
		MaxOutputBytes:  cfg.Sandbox.OutputLimit(),
		AllowedCommands: cfg.Sandbox.AllowedCommands,
		BlockedCommands: cfg.Sandbox.BlockedCommands,
		EnvPassthrough:  cfg.Sandbox.EnvPassthrough,
	}
}

// initComponents wires observability, the sandbox and the orchestrator.
// The caller must call shutdown when done.
func initComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	if cfg.Harness.Command == "" {
		return nil, errors.New("harness command is not configured (set harness.command or HARNESS_COMMAND)")
	}

	ws, err := workspace.New(cfg.ResolvedDataDir())
	if err != nil {
		return nil, fmt.Errorf("initializing data directory: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing data directory: %w", err)
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	obs.Metrics.SetBuildInfo(version, commit)
	reg := obs.Metrics.RegistryOrNil()
	tracer := obs.TracerOrNil()

	sbx := sandbox.New(sandboxConfig(cfg), logger).
		WithMetrics(sandbox.NewMetrics(reg)).
		WithTracer(tracer)

	orch := orchestrator.New(sbx, ws, orchestrator.Config{
		HarnessCommand:    cfg.Harness.Command,
		ModelBackend:      cfg.Harness.Backend(),
		MaxConcurrentRuns: cfg.Harness.RunLimit(),
		DefaultTimeout:    cfg.Harness.DefaultTimeout(),
	}, logger).
		WithMetrics(orchestrator.NewMetrics(reg)).
		WithTracer(tracer)
	if models := orchestrator.NewStaticModels(cfg.Harness.Models); models != nil {
		orch.WithModels(models)
	}

	obs.Health.AddCheck("harness", observability.CommandCheck(cfg.Harness.Command))
	obs.Health.AddCheck("data_dir", func(context.Context) error { return ws.CheckWritable() })

	return &components{
		cfg:          cfg,
		logger:       logger,
		workspace:    ws,
		obs:          obs,
		sandbox:      sbx,
		orchestrator: orch,
	}, nil
}

// shutdown stops every run, kills leftover processes and flushes telemetry.
func (c *components) shutdown(ctx context.Context) {
	c.orchestrator.StopAll(ctx)
	c.sandbox.KillAll(ctx)
	c.obs.Shutdown(ctx)
}
