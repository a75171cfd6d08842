package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/harness/internal/sandbox"
	"github.com/jkaninda/harness/internal/workspace"
)

// Fake harness executables. They are run directly, never through a shell
// command line, so the sandbox block list does not apply to their contents.
const (
	successHarness = `#!/bin/sh
while [ $# -gt 0 ]; do
  if [ "$1" = "--results_dir" ]; then dir="$2"; fi
  shift
done
printf '{"success": true, "steps": 3}' > "$dir/results.json"
exit 0
`
	malformedHarness = `#!/bin/sh
while [ $# -gt 0 ]; do
  if [ "$1" = "--results_dir" ]; then dir="$2"; fi
  shift
done
printf 'not json' > "$dir/results.json"
exit 0
`
	failingHarness = `#!/bin/sh
exit 3
`
	hangingHarness = `#!/bin/sh
sleep 30
`
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	orch *Orchestrator
	sbx  *sandbox.ProcessSandbox
	ws   *workspace.Workspace
}

// newTestEnv wires an orchestrator to a real process sandbox running the
// given fake harness script.
func newTestEnv(t *testing.T, script string, sbxCfg sandbox.Config, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()

	harness := filepath.Join(dir, "harness")
	if err := os.WriteFile(harness, []byte(script), 0755); err != nil {
		t.Fatalf("writing fake harness: %v", err)
	}
	ws, err := workspace.New(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}

	sbx := sandbox.New(sbxCfg, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sbx.KillAll(ctx)
	})

	cfg.HarnessCommand = harness
	return &testEnv{
		orch: New(sbx, ws, cfg, testLogger()),
		sbx:  sbx,
		ws:   ws,
	}
}

// waitTerminal polls GetStatus until the run leaves running.
func waitTerminal(t *testing.T, o *Orchestrator, runID string) *Run {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		run, err := o.GetStatus(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetStatus(%s): %v", runID, err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status", runID)
	return nil
}

func submit(t *testing.T, o *Orchestrator, req SubmitRequest) *Run {
	t.Helper()
	run, err := o.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return run
}

var basicRequest = SubmitRequest{Task: "t1", Model: "m1", Episodes: 1, Timeout: 5 * time.Second}

// --- Lifecycle with a real sandbox ---

func TestOrchestrator_SubmitCompleted(t *testing.T) {
	env := newTestEnv(t, successHarness, sandbox.Config{}, Config{})

	run := submit(t, env.orch, basicRequest)
	if run.ID != "run_1" {
		t.Errorf("run id = %q, want run_1", run.ID)
	}
	if run.Status != StatusRunning {
		t.Errorf("initial status = %q, want running", run.Status)
	}
	if run.CorrelationID == "" {
		t.Error("expected a correlation id")
	}

	final := waitTerminal(t, env.orch, run.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}
	if final.EndedAt == nil || final.Duration == nil {
		t.Error("terminal run must have end time and duration")
	}
	if len(env.orch.ActiveRuns()) != 0 {
		t.Errorf("active runs = %v, want none", env.orch.ActiveRuns())
	}

	res, ok, err := env.orch.GetResults(run.ID)
	if err != nil || !ok {
		t.Fatalf("GetResults = (%v, %v, %v), want a document", res, ok, err)
	}
	if res.State != ResultsOK {
		t.Fatalf("results state = %q, want ok", res.State)
	}
	if !res.Success() {
		t.Error("expected success = true")
	}
	if got, _ := res.Document["steps"].(float64); got != 3 {
		t.Errorf("steps = %v, want 3", res.Document["steps"])
	}
}

func TestOrchestrator_ConfigWrittenBeforeSpawn(t *testing.T) {
	env := newTestEnv(t, hangingHarness, sandbox.Config{}, Config{ModelBackend: "openai"})

	run := submit(t, env.orch, basicRequest)

	data, err := os.ReadFile(env.ws.RunConfigPath(run.ID))
	if err != nil {
		t.Fatalf("reading config.json: %v", err)
	}
	var cfg runConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decoding config.json: %v", err)
	}
	if cfg.RunID != run.ID || cfg.Task != "t1" || cfg.Model != "m1" || cfg.Episodes != 1 {
		t.Errorf("config.json = %+v", cfg)
	}
	if cfg.ModelBackend != "openai" {
		t.Errorf("model backend = %q, want openai", cfg.ModelBackend)
	}
	if cfg.CorrelationID != run.CorrelationID {
		t.Errorf("correlation id = %q, want %q", cfg.CorrelationID, run.CorrelationID)
	}
	if cfg.TimeoutSeconds != 5 {
		t.Errorf("timeout = %v, want 5", cfg.TimeoutSeconds)
	}
}

func TestOrchestrator_Failed(t *testing.T) {
	env := newTestEnv(t, failingHarness, sandbox.Config{}, Config{})

	run := submit(t, env.orch, basicRequest)
	final := waitTerminal(t, env.orch, run.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.Results == nil || final.Results.State != ResultsAbsent {
		t.Errorf("results = %+v, want absent marker", final.Results)
	}

	res, ok, err := env.orch.GetResults(run.ID)
	if err != nil || ok || res != nil {
		t.Errorf("GetResults on failed run = (%v, %v, %v), want not available", res, ok, err)
	}
}

func TestOrchestrator_Timeout(t *testing.T) {
	env := newTestEnv(t, hangingHarness, sandbox.Config{}, Config{})

	req := basicRequest
	req.Timeout = 300 * time.Millisecond
	run := submit(t, env.orch, req)

	final := waitTerminal(t, env.orch, run.ID)
	if final.Status != StatusCompleted && final.Status != StatusFailed {
		t.Fatalf("status = %q, want completed or failed", final.Status)
	}
	// SIGKILL is a non-zero exit.
	if final.Status != StatusFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
	if final.Results == nil || final.Results.State != ResultsAbsent {
		t.Errorf("results = %+v, want absent marker", final.Results)
	}
}

func TestOrchestrator_MalformedResults(t *testing.T) {
	env := newTestEnv(t, malformedHarness, sandbox.Config{}, Config{})

	run := submit(t, env.orch, basicRequest)
	final := waitTerminal(t, env.orch, run.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}

	res, ok, err := env.orch.GetResults(run.ID)
	if err != nil || !ok {
		t.Fatalf("GetResults = (%v, %v, %v)", res, ok, err)
	}
	if res.State != ResultsMalformed {
		t.Errorf("state = %q, want malformed", res.State)
	}
	if res.Error == "" {
		t.Error("malformed marker must carry the parse error")
	}
}

func TestOrchestrator_StopIdempotent(t *testing.T) {
	env := newTestEnv(t, hangingHarness, sandbox.Config{}, Config{})
	ctx := context.Background()

	run := submit(t, env.orch, basicRequest)

	stopped, err := env.orch.Stop(ctx, run.ID)
	if err != nil || !stopped {
		t.Fatalf("Stop = (%v, %v), want (true, nil)", stopped, err)
	}
	first, err := env.orch.GetStatus(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if first.Status != StatusStopped {
		t.Fatalf("status = %q, want stopped", first.Status)
	}
	if first.EndedAt == nil || first.Duration == nil {
		t.Fatal("stopped run must have end time and duration")
	}

	stopped, err = env.orch.Stop(ctx, run.ID)
	if err != nil || stopped {
		t.Errorf("second Stop = (%v, %v), want (false, nil)", stopped, err)
	}

	second, err := env.orch.GetStatus(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if second.Status != first.Status || !second.EndedAt.Equal(*first.EndedAt) || *second.Duration != *first.Duration {
		t.Errorf("terminal record changed: %+v -> %+v", first, second)
	}

	if _, ok, _ := env.orch.GetResults(run.ID); ok {
		t.Error("stopped run must not expose results")
	}
}

func TestOrchestrator_StopCompletedRun(t *testing.T) {
	env := newTestEnv(t, successHarness, sandbox.Config{}, Config{})

	run := submit(t, env.orch, basicRequest)
	final := waitTerminal(t, env.orch, run.ID)

	stopped, err := env.orch.Stop(context.Background(), run.ID)
	if err != nil || stopped {
		t.Errorf("Stop on completed run = (%v, %v), want (false, nil)", stopped, err)
	}
	after, _ := env.orch.GetStatus(context.Background(), run.ID)
	if after.Status != StatusCompleted || !after.EndedAt.Equal(*final.EndedAt) {
		t.Errorf("terminal record changed: %+v -> %+v", final, after)
	}
}

func TestOrchestrator_RunCapacity(t *testing.T) {
	env := newTestEnv(t, hangingHarness, sandbox.Config{}, Config{MaxConcurrentRuns: 1})
	ctx := context.Background()

	first := submit(t, env.orch, basicRequest)

	_, err := env.orch.Submit(ctx, basicRequest)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	if !errors.Is(err, sandbox.ErrCapacityExceeded) {
		t.Error("run capacity error should also match sandbox.ErrCapacityExceeded")
	}

	if _, err := env.orch.Stop(ctx, first.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := env.orch.Submit(ctx, basicRequest); err != nil {
		t.Fatalf("Submit after stop: %v", err)
	}
}

func TestOrchestrator_SandboxCapacity(t *testing.T) {
	env := newTestEnv(t, hangingHarness, sandbox.Config{MaxProcesses: 1}, Config{MaxConcurrentRuns: 5})
	ctx := context.Background()

	submit(t, env.orch, basicRequest)

	_, err := env.orch.Submit(ctx, basicRequest)
	if !errors.Is(err, sandbox.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want sandbox.ErrCapacityExceeded", err)
	}
	if errors.Is(err, ErrCapacityExceeded) {
		t.Error("sandbox ceiling should not report as the run ceiling")
	}
	if got := len(env.orch.ListRuns(nil)); got != 1 {
		t.Errorf("runs = %d, want 1 (failed submission discarded)", got)
	}
	if got := len(env.orch.ActiveRuns()); got != 1 {
		t.Errorf("active runs = %d, want 1", got)
	}
}

func TestOrchestrator_SandboxRejection(t *testing.T) {
	env := newTestEnv(t, successHarness, sandbox.Config{AllowedCommands: []string{"python"}}, Config{})

	_, err := env.orch.Submit(context.Background(), basicRequest)
	if !errors.Is(err, sandbox.ErrRejected) {
		t.Fatalf("err = %v, want sandbox.ErrRejected", err)
	}
	if got := len(env.orch.ListRuns(nil)); got != 0 {
		t.Errorf("runs = %d, want 0", got)
	}
}

// --- Fake controller ---

// fakeController is a scripted sandbox.Controller.
type fakeController struct {
	mu        sync.Mutex
	next      int
	startedAt time.Time
	procs     map[int]*sandbox.ProcessSnapshot
	queryErr  map[int]error
	panics    map[int]bool
	startErr  error
}

func newFakeController() *fakeController {
	return &fakeController{
		startedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		procs:     make(map[int]*sandbox.ProcessSnapshot),
		queryErr:  make(map[int]error),
		panics:    make(map[int]bool),
	}
}

func (f *fakeController) Start(_ context.Context, req sandbox.StartRequest) (*sandbox.ProcessSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.next++
	snap := &sandbox.ProcessSnapshot{
		Handle:    f.next,
		Command:   req.Command,
		StartedAt: f.startedAt,
		Timeout:   req.Timeout,
	}
	f.procs[snap.Handle] = snap
	cp := *snap
	return &cp, nil
}

func (f *fakeController) Query(handle int) (*sandbox.ProcessSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[handle] {
		panic("corrupt process record")
	}
	if err := f.queryErr[handle]; err != nil {
		return nil, err
	}
	snap, ok := f.procs[handle]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (f *fakeController) Kill(_ context.Context, handle int) (*sandbox.ProcessSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.procs[handle]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	if snap.Completed {
		return nil, sandbox.ErrAlreadyCompleted
	}
	code := 137
	snap.Completed = true
	snap.ExitCode = &code
	cp := *snap
	return &cp, nil
}

func (f *fakeController) List() []sandbox.ProcessSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.ProcessSnapshot, 0, len(f.procs))
	for i := 1; i <= f.next; i++ {
		if snap, ok := f.procs[i]; ok {
			out = append(out, *snap)
		}
	}
	return out
}

func (f *fakeController) exit(handle, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[handle].Completed = true
	f.procs[handle].ExitCode = &code
}

func (f *fakeController) drop(handle int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, handle)
}

func newFakeOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *fakeController) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	ctrl := newFakeController()
	if cfg.HarnessCommand == "" {
		cfg.HarnessCommand = "harness"
	}
	if cfg.MaxConcurrentRuns == 0 {
		cfg.MaxConcurrentRuns = 10
	}
	return New(ctrl, ws, cfg, testLogger()), ctrl
}

// --- Status reconciliation ---

func TestOrchestrator_GetStatusRunning(t *testing.T) {
	o, _ := newFakeOrchestrator(t, Config{})
	run := submit(t, o, basicRequest)

	got, err := o.GetStatus(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != StatusRunning || got.EndedAt != nil {
		t.Errorf("run = %+v, want running without end time", got)
	}
}

func TestOrchestrator_Unknown(t *testing.T) {
	o, ctrl := newFakeOrchestrator(t, Config{})
	run := submit(t, o, basicRequest)

	ctrl.drop(run.Handle)

	got, err := o.GetStatus(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != StatusUnknown {
		t.Fatalf("status = %q, want unknown", got.Status)
	}
	if len(o.ActiveRuns()) != 0 {
		t.Error("unknown run must leave the active set")
	}
	if _, ok, _ := o.GetResults(run.ID); ok {
		t.Error("unknown run must not expose results")
	}
}

func TestOrchestrator_QueryFailure(t *testing.T) {
	o, ctrl := newFakeOrchestrator(t, Config{})
	run := submit(t, o, basicRequest)

	ctrl.queryErr[run.Handle] = errors.New("table unavailable")
	if _, err := o.GetStatus(context.Background(), run.ID); err == nil {
		t.Fatal("expected machinery error")
	}
	got, _ := o.registry.Get(run.ID)
	if got.Status != StatusRunning {
		t.Errorf("status = %q, want running after a query failure", got.Status)
	}
}

func TestOrchestrator_GetStatusIdempotent(t *testing.T) {
	o, ctrl := newFakeOrchestrator(t, Config{})
	ctx := context.Background()
	run := submit(t, o, basicRequest)

	ctrl.exit(run.Handle, 2)

	first, err := o.GetStatus(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if first.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", first.Status)
	}
	for i := 0; i < 3; i++ {
		again, err := o.GetStatus(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if again.Status != first.Status || !again.EndedAt.Equal(*first.EndedAt) || *again.Duration != *first.Duration {
			t.Fatalf("call %d changed terminal record: %+v -> %+v", i, first, again)
		}
	}
}

func TestOrchestrator_NotFound(t *testing.T) {
	o, _ := newFakeOrchestrator(t, Config{})
	ctx := context.Background()

	if _, err := o.GetStatus(ctx, "run_99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStatus: err = %v, want ErrNotFound", err)
	}
	if _, err := o.Stop(ctx, "run_99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop: err = %v, want ErrNotFound", err)
	}
	if _, _, err := o.GetResults("run_99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetResults: err = %v, want ErrNotFound", err)
	}
}

func TestOrchestrator_StopAfterProcessExited(t *testing.T) {
	o, ctrl := newFakeOrchestrator(t, Config{})
	run := submit(t, o, basicRequest)

	// The process finished but nobody has reconciled it yet.
	ctrl.exit(run.Handle, 0)

	stopped, err := o.Stop(context.Background(), run.ID)
	if err != nil || !stopped {
		t.Fatalf("Stop = (%v, %v), want (true, nil)", stopped, err)
	}
	got, _ := o.GetStatus(context.Background(), run.ID)
	if got.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", got.Status)
	}
}

func TestOrchestrator_SpawnFailureDiscarded(t *testing.T) {
	o, ctrl := newFakeOrchestrator(t, Config{MaxConcurrentRuns: 1})
	ctrl.startErr = errors.New("fork failed")

	if _, err := o.Submit(context.Background(), basicRequest); err == nil {
		t.Fatal("expected spawn error")
	}
	if got := len(o.ListRuns(nil)); got != 0 {
		t.Errorf("runs = %d, want 0", got)
	}
	// The config file survives the failed spawn.
	if _, err := os.Stat(o.ws.RunConfigPath("run_1")); err != nil {
		t.Errorf("config.json missing after failed spawn: %v", err)
	}

	// The reservation was released.
	ctrl.startErr = nil
	run := submit(t, o, basicRequest)
	if run.ID != "run_2" {
		t.Errorf("run id = %q, want run_2 (ids are not reused)", run.ID)
	}
}

func TestOrchestrator_InvalidRequest(t *testing.T) {
	o, _ := newFakeOrchestrator(t, Config{})

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty task", SubmitRequest{Task: "", Model: "m1", Episodes: 1}},
		{"blank model", SubmitRequest{Task: "t1", Model: "  ", Episodes: 1}},
		{"task with whitespace", SubmitRequest{Task: "t1 --evil", Model: "m1", Episodes: 1}},
		{"padded model", SubmitRequest{Task: "t1", Model: " m1", Episodes: 1}},
		{"zero episodes", SubmitRequest{Task: "t1", Model: "m1", Episodes: 0}},
		{"negative timeout", SubmitRequest{Task: "t1", Model: "m1", Episodes: 1, Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.Submit(context.Background(), tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestOrchestrator_ModelLookup(t *testing.T) {
	o, _ := newFakeOrchestrator(t, Config{})
	o.WithModels(StaticModels{
		"m1":  {Name: "m1", Available: true},
		"old": {Name: "old", Available: false},
	})
	ctx := context.Background()

	if _, err := o.Submit(ctx, basicRequest); err != nil {
		t.Fatalf("available model: %v", err)
	}
	for _, model := range []string{"old", "missing"} {
		req := basicRequest
		req.Model = model
		if _, err := o.Submit(ctx, req); !errors.Is(err, ErrModelUnavailable) {
			t.Errorf("model %q: err = %v, want ErrModelUnavailable", model, err)
		}
	}
}

func TestOrchestrator_DefaultTimeout(t *testing.T) {
	o, _ := newFakeOrchestrator(t, Config{DefaultTimeout: 42 * time.Second})

	req := basicRequest
	req.Timeout = 0
	run := submit(t, o, req)
	if run.Timeout != 42*time.Second {
		t.Errorf("timeout = %v, want 42s", run.Timeout)
	}
}

// --- Listing ---

func TestOrchestrator_ListRuns(t *testing.T) {
	o, ctrl := newFakeOrchestrator(t, Config{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, submit(t, o, basicRequest).ID)
	}
	// All fake processes share a start time; order falls back to submission.
	ctrl.exit(1, 0)
	ctrl.exit(3, 1)
	for _, id := range ids {
		if _, err := o.GetStatus(ctx, id); err != nil {
			t.Fatalf("GetStatus(%s): %v", id, err)
		}
	}

	all := o.ListRuns(nil)
	want := []string{"run_4", "run_3", "run_2", "run_1"}
	if len(all) != len(want) {
		t.Fatalf("len = %d, want %d", len(all), len(want))
	}
	for i, run := range all {
		if run.ID != want[i] {
			t.Errorf("all[%d] = %s, want %s", i, run.ID, want[i])
		}
	}

	running := StatusRunning
	filtered := o.ListRuns(&running)
	var subset []string
	for _, run := range all {
		if run.Status == StatusRunning {
			subset = append(subset, run.ID)
		}
	}
	if len(filtered) != len(subset) {
		t.Fatalf("filtered len = %d, want %d", len(filtered), len(subset))
	}
	for i, run := range filtered {
		if run.ID != subset[i] {
			t.Errorf("filtered[%d] = %s, want %s", i, run.ID, subset[i])
		}
	}

	if got := o.ActiveRuns(); len(got) != 2 || got[0] != "run_2" || got[1] != "run_4" {
		t.Errorf("active = %v, want [run_2 run_4]", got)
	}
}

func TestOrchestrator_StopAll(t *testing.T) {
	o, _ := newFakeOrchestrator(t, Config{})
	for i := 0; i < 3; i++ {
		submit(t, o, basicRequest)
	}

	o.StopAll(context.Background())

	if got := o.ActiveRuns(); len(got) != 0 {
		t.Errorf("active = %v, want none", got)
	}
	stopped := StatusStopped
	if got := len(o.ListRuns(&stopped)); got != 3 {
		t.Errorf("stopped runs = %d, want 3", got)
	}
}

// --- Metrics ---

func TestOrchestrator_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, ctrl := newFakeOrchestrator(t, Config{})
	o.WithMetrics(NewMetrics(reg))
	ctx := context.Background()

	a := submit(t, o, basicRequest)
	b := submit(t, o, basicRequest)
	ctrl.exit(a.Handle, 0)
	if _, err := o.GetStatus(ctx, a.ID); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if _, err := o.Stop(ctx, b.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := gatherValue(t, reg, "harness_orchestrator_runs_submitted_total", nil); got != 2 {
		t.Errorf("runs_submitted_total = %v, want 2", got)
	}
	if got := gatherValue(t, reg, "harness_orchestrator_runs_finished_total", map[string]string{"status": "completed"}); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "harness_orchestrator_runs_finished_total", map[string]string{"status": "stopped"}); got != 1 {
		t.Errorf("stopped = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "harness_orchestrator_results_parsed_total", map[string]string{"state": "absent"}); got != 1 {
		t.Errorf("absent = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "harness_orchestrator_active_runs", nil); got != 0 {
		t.Errorf("active_runs = %v, want 0", got)
	}
}

// gatherValue sums counters and gauges of one family whose labels include want.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			labels := make(map[string]string)
			for _, p := range m.GetLabel() {
				labels[p.GetName()] = p.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}
