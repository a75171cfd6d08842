package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxProcesses   = 10
	defaultTimeout        = 300 * time.Second
	defaultMaxTimeout     = time.Hour
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	// waitDelay bounds how long Wait keeps draining pipes held open by
	// descendants after the child itself has exited or been killed.
	waitDelay = 5 * time.Second
)

// Config configures the process sandbox.
type Config struct {
	MaxProcesses    int
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration // Hard ceiling; requested timeouts are clamped to it.
	MaxOutputBytes  int           // Per stream.
	AllowedCommands []string
	BlockedCommands []string // nil = DefaultBlockedCommands.
	EnvPassthrough  []string // Host variables copied into the child environment.
}

// ProcessSandbox spawns validated commands and tracks them by handle.
//
// Guarantees:
//   - No shell: the command line is split on whitespace and exec'd directly
//   - Each child runs in its own process group (Setpgid)
//   - The entire group is killed on timeout or Kill
//   - No environment inheritance beyond a minimal safe set and an explicit passthrough list
//   - stdout/stderr are capped per stream
type ProcessSandbox struct {
	cfg       Config
	validator *Validator
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	mu         sync.RWMutex
	procs      map[int]*process
	nextHandle int
	starting   int // spawns admitted but not yet registered
}

// process is the sandbox-private record of one child. After creation it is
// mutated only by its own wait goroutine and output writers.
type process struct {
	handle    int
	command   string
	dir       string
	startedAt time.Time
	timeout   time.Duration
	limit     int
	cmd       *exec.Cmd
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{} // closed once finalized

	mu        sync.Mutex
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	completed bool
	exitCode  *int
	timedOut  bool
	killed    bool
}

// New creates a process sandbox.
func New(cfg Config, logger *slog.Logger) *ProcessSandbox {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = defaultMaxProcesses
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = defaultMaxTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessSandbox{
		cfg:        cfg,
		validator:  NewValidator(cfg.AllowedCommands, cfg.BlockedCommands),
		logger:     logger,
		procs:      make(map[int]*process),
		nextHandle: 1,
	}
}

// WithMetrics attaches Prometheus metrics.
func (s *ProcessSandbox) WithMetrics(m *Metrics) *ProcessSandbox {
	s.metrics = m
	return s
}

// WithTracer attaches an OpenTelemetry tracer.
func (s *ProcessSandbox) WithTracer(t trace.Tracer) *ProcessSandbox {
	s.tracer = t
	return s
}

// Validate checks a command line against the sandbox's filter without running it.
func (s *ProcessSandbox) Validate(command string) error {
	return s.validator.Validate(command)
}

// Start validates and spawns a command, returning the initial snapshot.
// The child's lifetime is not bound to ctx.
func (s *ProcessSandbox) Start(ctx context.Context, req StartRequest) (*ProcessSnapshot, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.start",
			trace.WithAttributes(attribute.String("sandbox.command", req.Command)))
		defer span.End()
	}

	snap, err := s.start(ctx, req)
	if err != nil && s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return snap, err
}

func (s *ProcessSandbox) start(ctx context.Context, req StartRequest) (*ProcessSnapshot, error) {
	if err := s.validator.Validate(req.Command); err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			s.metrics.rejected(rej.Reason)
		}
		s.logger.WarnContext(ctx, "sandbox rejected command",
			slog.String("command", req.Command),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if err := s.reserve(); err != nil {
		s.metrics.rejected("capacity")
		return nil, err
	}

	timeout := s.effectiveTimeout(req.Timeout)
	p, err := s.spawn(req, timeout)
	if err != nil {
		s.mu.Lock()
		s.starting--
		s.mu.Unlock()
		return nil, fmt.Errorf("spawning %q: %w", req.Command, err)
	}

	s.mu.Lock()
	s.starting--
	p.handle = s.nextHandle
	s.nextHandle++
	s.procs[p.handle] = p
	s.mu.Unlock()

	s.metrics.started()
	go s.drain(p)

	s.logger.InfoContext(ctx, "sandbox process started",
		slog.Int("handle", p.handle),
		slog.Int("pid", p.cmd.Process.Pid),
		slog.String("command", p.command),
		slog.String("dir", p.dir),
		slog.Duration("timeout", timeout),
	)

	if s.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.handle", p.handle))
	}

	return p.snapshot(), nil
}

// reserve admits one spawn if the ceiling allows it.
func (s *ProcessSandbox) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.starting
	for _, p := range s.procs {
		if !p.isCompleted() {
			running++
		}
	}
	if running >= s.cfg.MaxProcesses {
		return fmt.Errorf("%w: %d of %d processes running", ErrCapacityExceeded, running, s.cfg.MaxProcesses)
	}
	s.starting++
	return nil
}

func (s *ProcessSandbox) effectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = s.cfg.DefaultTimeout
	}
	if requested > s.cfg.MaxTimeout {
		return s.cfg.MaxTimeout
	}
	return requested
}

func (s *ProcessSandbox) spawn(req StartRequest, timeout time.Duration) (*process, error) {
	argv := strings.Fields(req.Command)

	// The deadline drives the timeout kill through cmd.Cancel.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = s.buildEnv(req.Dir, req.Env)

	// The child runs in its own process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	// Kill the entire process group on timeout or Kill, so that
	// children spawned by the command are also terminated.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	p := &process{
		command: req.Command,
		dir:     req.Dir,
		timeout: timeout,
		limit:   s.cfg.MaxOutputBytes,
		cmd:     cmd,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	cmd.Stdout = &streamWriter{p: p, buf: &p.stdout}
	cmd.Stderr = &streamWriter{p: p, buf: &p.stderr}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	p.startedAt = time.Now()
	return p, nil
}

// drain waits for the child and finalizes its record. Output is appended
// concurrently by the streamWriters, and the deadline kill happens inside
// exec through cmd.Cancel.
func (s *ProcessSandbox) drain(p *process) {
	waitErr := p.cmd.Wait()
	deadlineHit := errors.Is(p.ctx.Err(), context.DeadlineExceeded)
	p.cancel()

	code := exitCode(p.cmd.ProcessState)
	if code < 0 {
		s.logger.Error("sandbox wait failed",
			slog.Int("handle", p.handle),
			slog.String("error", fmt.Sprint(waitErr)),
		)
	}

	duration := time.Since(p.startedAt)

	// Metrics are recorded before the record turns completed so observers
	// that see Completed also see the exit counted.
	p.mu.Lock()
	if deadlineHit && !p.killed {
		p.timedOut = true
	}
	timedOut := p.timedOut
	outcome := "success"
	switch {
	case timedOut:
		outcome = "timeout"
	case code != 0:
		outcome = "error"
	}
	s.metrics.finished(outcome, duration.Seconds())
	p.completed = true
	p.exitCode = &code
	p.mu.Unlock()
	close(p.done)

	if timedOut {
		s.logger.Warn("sandbox process killed after timeout",
			slog.Int("handle", p.handle),
			slog.Duration("timeout", p.timeout),
			slog.Int("exit_code", code),
		)
		return
	}
	s.logger.Info("sandbox process exited",
		slog.Int("handle", p.handle),
		slog.Int("exit_code", code),
		slog.Duration("duration", duration),
	)
}

// Query returns a snapshot of the process.
func (s *ProcessSandbox) Query(handle int) (*ProcessSnapshot, error) {
	p, err := s.get(handle)
	if err != nil {
		return nil, err
	}
	return p.snapshot(), nil
}

// Kill terminates the process group, waits for the record to be finalized
// with the real exit code, and returns the final snapshot. ctx bounds only the wait.
func (s *ProcessSandbox) Kill(ctx context.Context, handle int) (*ProcessSnapshot, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.kill",
			trace.WithAttributes(attribute.Int("sandbox.handle", handle)))
		defer span.End()
	}

	p, err := s.get(handle)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: handle %d", ErrAlreadyCompleted, handle)
	}
	p.killed = true
	p.mu.Unlock()
	p.cancel()

	s.logger.InfoContext(ctx, "sandbox process kill requested", slog.Int("handle", handle))

	select {
	case <-p.done:
		return p.snapshot(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for handle %d to exit: %w", handle, ctx.Err())
	}
}

// KillAll kills every process that has not completed. Errors for processes
// that finish on their own in the meantime are ignored.
func (s *ProcessSandbox) KillAll(ctx context.Context) {
	for _, snap := range s.List() {
		if snap.Completed {
			continue
		}
		if _, err := s.Kill(ctx, snap.Handle); err != nil && !errors.Is(err, ErrAlreadyCompleted) {
			s.logger.Warn("sandbox kill failed during shutdown",
				slog.Int("handle", snap.Handle),
				slog.String("error", err.Error()),
			)
		}
	}
}

// List returns snapshots of all tracked processes ordered by handle.
func (s *ProcessSandbox) List() []ProcessSnapshot {
	s.mu.RLock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	sort.Slice(procs, func(i, j int) bool { return procs[i].handle < procs[j].handle })
	out := make([]ProcessSnapshot, len(procs))
	for i, p := range procs {
		out[i] = *p.snapshot()
	}
	return out
}

// Forget drops a completed process from the table.
func (s *ProcessSandbox) Forget(handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[handle]
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrNotFound, handle)
	}
	if !p.isCompleted() {
		return fmt.Errorf("%w: handle %d", ErrStillRunning, handle)
	}
	delete(s.procs, handle)
	return nil
}

func (s *ProcessSandbox) get(handle int) (*process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrNotFound, handle)
	}
	return p, nil
}

// buildEnv constructs a minimal environment. The parent environment is never
// inherited wholesale; only variables named in EnvPassthrough are copied.
func (s *ProcessSandbox) buildEnv(dir string, extra map[string]string) []string {
	home := dir
	if home == "" {
		home = os.TempDir()
	}
	env := map[string]string{
		"PATH": "/usr/local/bin:/usr/bin:/bin",
		"HOME": home,
		"LANG": "en_US.UTF-8",
		"TERM": "dumb",
	}
	for _, name := range s.cfg.EnvPassthrough {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (p *process) isCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// expire marks the process as timed out and kills its group. Returns false if
// the process has already completed or a kill is already in progress.
func (p *process) expire() bool {
	p.mu.Lock()
	if p.completed || p.killed || p.timedOut {
		p.mu.Unlock()
		return false
	}
	p.timedOut = true
	p.mu.Unlock()
	p.cancel()
	return true
}

func (p *process) snapshot() *ProcessSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := &ProcessSnapshot{
		Handle:    p.handle,
		Command:   p.command,
		Dir:       p.dir,
		StartedAt: p.startedAt,
		Timeout:   p.timeout,
		Stdout:    strings.ToValidUTF8(p.stdout.String(), "\uFFFD"),
		Stderr:    strings.ToValidUTF8(p.stderr.String(), "\uFFFD"),
		Completed: p.completed,
		TimedOut:  p.timedOut,
	}
	if p.cmd.Process != nil {
		snap.PID = p.cmd.Process.Pid
	}
	if p.exitCode != nil {
		code := *p.exitCode
		snap.ExitCode = &code
	}
	return snap
}

// streamWriter appends child output to a capped buffer.
// Excess data is discarded silently.
type streamWriter struct {
	p   *process
	buf *bytes.Buffer
}

func (w *streamWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	remaining := w.p.limit - w.buf.Len()
	if remaining <= 0 {
		return len(b), nil
	}
	if len(b) > remaining {
		w.buf.Write(b[:remaining])
		return len(b), nil
	}
	w.buf.Write(b)
	return len(b), nil
}

// exitCode extracts the real exit status. A child terminated by a signal
// reports 128+signal, the shell convention (137 for SIGKILL).
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
