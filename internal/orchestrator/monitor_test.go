package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSweep_RefreshesActiveRuns(t *testing.T) {
	o, ctrl := newFakeOrchestrator(t, Config{})
	a := submit(t, o, basicRequest)
	b := submit(t, o, basicRequest)
	c := submit(t, o, basicRequest)

	ctrl.exit(a.Handle, 0)
	ctrl.exit(c.Handle, 1)

	o.Sweep(context.Background())

	want := map[string]Status{a.ID: StatusCompleted, b.ID: StatusRunning, c.ID: StatusFailed}
	for id, status := range want {
		run, _ := o.registry.Get(id)
		if run.Status != status {
			t.Errorf("%s status = %q, want %q", id, run.Status, status)
		}
	}
}

func TestSweep_SkipsFailingRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, ctrl := newFakeOrchestrator(t, Config{})
	o.WithMetrics(NewMetrics(reg))

	broken := submit(t, o, basicRequest)
	poisoned := submit(t, o, basicRequest)
	healthy := submit(t, o, basicRequest)

	ctrl.queryErr[broken.Handle] = errors.New("table unavailable")
	ctrl.panics[poisoned.Handle] = true
	ctrl.exit(healthy.Handle, 0)

	o.Sweep(context.Background())

	run, _ := o.registry.Get(healthy.ID)
	if run.Status != StatusCompleted {
		t.Errorf("healthy run status = %q, want completed", run.Status)
	}
	for _, id := range []string{broken.ID, poisoned.ID} {
		run, _ := o.registry.Get(id)
		if run.Status != StatusRunning {
			t.Errorf("%s status = %q, want running", id, run.Status)
		}
	}
	if got := gatherValue(t, reg, "harness_orchestrator_monitor_errors_total", nil); got != 2 {
		t.Errorf("monitor_errors_total = %v, want 2", got)
	}

	// The panicking run's transition mutex must have been released.
	delete(ctrl.panics, poisoned.Handle)
	ctrl.exit(poisoned.Handle, 0)
	done := make(chan struct{})
	go func() {
		_, _ = o.GetStatus(context.Background(), poisoned.ID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("GetStatus blocked after a recovered panic")
	}
}

func TestStartMonitor_Progress(t *testing.T) {
	o, ctrl := newFakeOrchestrator(t, Config{})
	run := submit(t, o, basicRequest)

	stop := o.StartMonitor(context.Background(), 10*time.Millisecond)
	defer stop()

	ctrl.exit(run.Handle, 0)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(o.ActiveRuns()) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := o.registry.Get(run.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed without explicit polling", got.Status)
	}
}

func TestStartMonitor_Stop(t *testing.T) {
	o, _ := newFakeOrchestrator(t, Config{})

	stop := o.StartMonitor(context.Background(), 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
