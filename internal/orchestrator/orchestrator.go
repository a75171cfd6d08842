package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/harness/internal/sandbox"
	"github.com/jkaninda/harness/internal/workspace"
)

const (
	defaultModelBackend      = "litellm"
	defaultMaxConcurrentRuns = 3
	defaultRunTimeout        = 30 * time.Minute
)

// Config configures the run orchestrator.
type Config struct {
	HarnessCommand    string // Executable plus fixed leading arguments.
	ModelBackend      string // Passed as --model.
	MaxConcurrentRuns int
	DefaultTimeout    time.Duration
}

// Orchestrator runs the harness through a sandbox and tracks each run.
type Orchestrator struct {
	sandbox  sandbox.Controller
	ws       *workspace.Workspace
	cfg      Config
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	models   ModelLookup
	now      func() time.Time
}

// New creates an orchestrator over the given process controller and data root.
func New(ctrl sandbox.Controller, ws *workspace.Workspace, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.ModelBackend == "" {
		cfg.ModelBackend = defaultModelBackend
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = defaultMaxConcurrentRuns
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultRunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sandbox:  ctrl,
		ws:       ws,
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithMetrics attaches Prometheus metrics.
func (o *Orchestrator) WithMetrics(m *Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithTracer attaches an OpenTelemetry tracer.
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// WithModels enables the pre-submission model check. A nil lookup disables it.
func (o *Orchestrator) WithModels(m ModelLookup) *Orchestrator {
	o.models = m
	return o
}

// Submit admits a run, persists its parameters and starts the harness.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.submit",
			trace.WithAttributes(
				attribute.String("run.task", req.Task),
				attribute.String("run.model", req.Model),
				attribute.Int("run.episodes", req.Episodes),
			))
		defer span.End()
	}

	run, err := o.submit(ctx, req)
	if o.tracer != nil {
		span := trace.SpanFromContext(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("run.id", run.ID))
		}
	}
	return run, err
}

func (o *Orchestrator) submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if o.models != nil {
		info, ok := o.models.Lookup(ctx, req.Model)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a known model", ErrModelUnavailable, req.Model)
		}
		if !info.Available {
			return nil, fmt.Errorf("%w: %q is not available", ErrModelUnavailable, req.Model)
		}
	}

	id, seq, err := o.registry.reserve(o.cfg.MaxConcurrentRuns)
	if err != nil {
		o.logger.WarnContext(ctx, "run rejected", slog.String("error", err.Error()))
		return nil, err
	}

	run, err := o.launch(ctx, id, seq, req)
	if err != nil {
		o.registry.release()
		o.logger.WarnContext(ctx, "run failed to start",
			slog.String("run_id", id),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	o.registry.commit(*run)
	o.metrics.submitted()

	o.logger.InfoContext(ctx, "run submitted",
		slog.String("run_id", run.ID),
		slog.String("correlation_id", run.CorrelationID),
		slog.String("task", run.Task),
		slog.String("model", run.Model),
		slog.Int("episodes", run.Episodes),
		slog.Int("handle", run.Handle),
		slog.Duration("timeout", run.Timeout),
	)
	return run, nil
}

// runConfig is the parameter record written to config.json before spawning.
type runConfig struct {
	RunID          string    `json:"run_id"`
	CorrelationID  string    `json:"correlation_id"`
	Task           string    `json:"task"`
	Model          string    `json:"model"`
	ModelBackend   string    `json:"model_backend"`
	Episodes       int       `json:"episodes"`
	TimeoutSeconds float64   `json:"timeout_seconds"`
	Command        string    `json:"command"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// launch builds the command, writes config.json and spawns the process.
func (o *Orchestrator) launch(ctx context.Context, id string, seq int, req SubmitRequest) (*Run, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}

	if err := o.ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing data root: %w", err)
	}
	resultsDir, err := o.ws.EnsureRunDir(id)
	if err != nil {
		return nil, fmt.Errorf("creating results directory for %s: %w", id, err)
	}

	command, err := BuildCommand(CommandSpec{
		Harness:    o.cfg.HarnessCommand,
		Backend:    o.cfg.ModelBackend,
		Task:       req.Task,
		Model:      req.Model,
		Episodes:   req.Episodes,
		ResultsDir: resultsDir,
		LogDir:     o.ws.LogsDir(),
	})
	if err != nil {
		return nil, err
	}

	run := Run{
		ID:            id,
		CorrelationID: uuid.NewString(),
		Task:          req.Task,
		Model:         req.Model,
		Episodes:      req.Episodes,
		Timeout:       timeout,
		Status:        StatusRunning,
		ResultsDir:    resultsDir,
		seq:           seq,
	}

	if err := o.writeRunConfig(run, command); err != nil {
		return nil, err
	}

	snap, err := o.sandbox.Start(ctx, sandbox.StartRequest{
		Command: command,
		Dir:     o.ws.Root,
		Timeout: timeout,
		Env: map[string]string{
			"HARNESS_RUN_ID":         run.ID,
			"HARNESS_CORRELATION_ID": run.CorrelationID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", id, err)
	}

	run.Handle = snap.Handle
	run.StartedAt = snap.StartedAt
	run.Timeout = snap.Timeout
	return &run, nil
}

func (o *Orchestrator) writeRunConfig(run Run, command string) error {
	data, err := json.MarshalIndent(runConfig{
		RunID:          run.ID,
		CorrelationID:  run.CorrelationID,
		Task:           run.Task,
		Model:          run.Model,
		ModelBackend:   o.cfg.ModelBackend,
		Episodes:       run.Episodes,
		TimeoutSeconds: run.Timeout.Seconds(),
		Command:        command,
		SubmittedAt:    o.now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run config: %w", err)
	}
	path := o.ws.RunConfigPath(run.ID)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func validateRequest(req SubmitRequest) error {
	for _, f := range []struct{ name, value string }{
		{"task", req.Task},
		{"model", req.Model},
	} {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidRequest, f.name)
		}
		if len(strings.Fields(f.value)) != 1 || strings.TrimSpace(f.value) != f.value {
			return fmt.Errorf("%w: %s %q must not contain whitespace", ErrInvalidRequest, f.name, f.value)
		}
	}
	if req.Episodes < 1 {
		return fmt.Errorf("%w: episodes must be at least 1, got %d", ErrInvalidRequest, req.Episodes)
	}
	if req.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	return nil
}

// GetStatus returns the run, first reconciling it with its process if it is
// still active. Once terminal, repeated calls return the same record.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (*Run, error) {
	e, ok := o.registry.entry(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	e.transition.Lock()
	defer e.transition.Unlock()

	run, _ := o.registry.Get(runID)
	if run.Status.Terminal() {
		return &run, nil
	}

	snap, err := o.sandbox.Query(run.Handle)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		o.logger.WarnContext(ctx, "run process no longer tracked",
			slog.String("run_id", runID),
			slog.Int("handle", run.Handle),
		)
		return o.finish(ctx, e, StatusUnknown, nil, nil), nil
	case err != nil:
		return nil, fmt.Errorf("querying process for %s: %w", runID, err)
	case !snap.Completed:
		return &run, nil
	}

	status := StatusCompleted
	if snap.ExitCode == nil || *snap.ExitCode != 0 {
		status = StatusFailed
	}

	// Parsed before the transition is published, so a completed run is never
	// visible without its results.
	results := parseResults(o.ws.ResultsPath(runID))
	o.metrics.parsed(results.State)
	if results.State == ResultsMalformed {
		o.logger.WarnContext(ctx, "run results malformed",
			slog.String("run_id", runID),
			slog.String("path", results.Path),
			slog.String("error", results.Error),
		)
	}

	return o.finish(ctx, e, status, snap, results), nil
}

// finish publishes a terminal transition. Callers hold the run's transition mutex.
func (o *Orchestrator) finish(ctx context.Context, e *entry, status Status, snap *sandbox.ProcessSnapshot, results *Results) *Run {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.transition",
			trace.WithAttributes(attribute.String("run.status", string(status))))
		defer span.End()
	}

	now := o.now()
	run := o.registry.update(e, func(r *Run) {
		r.Status = status
		r.Results = results
		if status != StatusUnknown {
			ended := now
			d := now.Sub(r.StartedAt)
			r.EndedAt = &ended
			r.Duration = &d
		}
	})

	var seconds float64
	if run.Duration != nil {
		seconds = run.Duration.Seconds()
	}
	o.metrics.finished(status, seconds)

	attrs := []any{
		slog.String("run_id", run.ID),
		slog.String("correlation_id", run.CorrelationID),
		slog.String("status", string(status)),
		slog.Float64("duration_seconds", seconds),
	}
	if snap != nil && snap.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *snap.ExitCode), slog.Bool("timed_out", snap.TimedOut))
	}
	if results != nil {
		attrs = append(attrs, slog.String("results", string(results.State)))
	}
	o.logger.InfoContext(ctx, "run finished", attrs...)

	o.forgetProcess(run)
	return &run
}

// forgetProcess drops the finished process record when the controller
// supports it, releasing its buffered output.
func (o *Orchestrator) forgetProcess(run Run) {
	f, ok := o.sandbox.(interface{ Forget(int) error })
	if !ok || run.Status == StatusUnknown {
		return
	}
	if err := f.Forget(run.Handle); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		o.logger.Debug("process record kept",
			slog.String("run_id", run.ID),
			slog.Int("handle", run.Handle),
			slog.String("reason", err.Error()),
		)
	}
}

// Stop kills an active run's process and marks the run stopped regardless of
// the process's exit code. It returns false if the run was already terminal.
// ctx bounds only the wait for the process to exit.
func (o *Orchestrator) Stop(ctx context.Context, runID string) (bool, error) {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.stop",
			trace.WithAttributes(attribute.String("run.id", runID)))
		defer span.End()
	}

	e, ok := o.registry.entry(runID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	e.transition.Lock()
	defer e.transition.Unlock()

	run, _ := o.registry.Get(runID)
	if run.Status.Terminal() {
		return false, nil
	}

	if _, err := o.sandbox.Kill(ctx, run.Handle); err != nil {
		switch {
		case errors.Is(err, sandbox.ErrAlreadyCompleted), errors.Is(err, sandbox.ErrNotFound):
			o.logger.DebugContext(ctx, "run process already gone",
				slog.String("run_id", runID),
				slog.String("reason", err.Error()),
			)
		default:
			o.logger.WarnContext(ctx, "run process exit not confirmed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}

	o.finish(ctx, e, StatusStopped, nil, nil)
	return true, nil
}

// GetResults returns the parsed results of a completed run. For every other
// status it returns (nil, false, nil); check the status to tell a failed run
// from one still in progress.
func (o *Orchestrator) GetResults(runID string) (*Results, bool, error) {
	run, ok := o.registry.Get(runID)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if run.Status != StatusCompleted || run.Results == nil {
		return nil, false, nil
	}
	return run.Results, true, nil
}

// ListRuns returns all runs, newest first, optionally filtered by status.
func (o *Orchestrator) ListRuns(status *Status) []Run {
	return o.registry.List(status)
}

// ActiveRuns returns the ids of runs still believed to be executing.
func (o *Orchestrator) ActiveRuns() []string {
	return o.registry.Active()
}

// StopAll stops every active run.
func (o *Orchestrator) StopAll(ctx context.Context) {
	for _, id := range o.registry.Active() {
		if _, err := o.Stop(ctx, id); err != nil {
			o.logger.Warn("stop failed during shutdown",
				slog.String("run_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}
