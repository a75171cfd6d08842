package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/harness/internal/orchestrator"
)

var (
	runTask         string
	runModel        string
	runEpisodes     int
	runTimeout      time.Duration
	runPollInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit one run and wait for it to finish",
	Long: `Submits a single harness run, polls its status until it reaches a
terminal state and prints the final run record with its results as JSON.
Interrupting the command stops the run.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runTask, "task", "", "task name passed to the harness (required)")
	runCmd.Flags().StringVar(&runModel, "model", "", "model name passed to the harness (required)")
	runCmd.Flags().IntVar(&runEpisodes, "episodes", 1, "number of episodes")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "run timeout (default from config)")
	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", time.Second, "status poll interval")
	_ = runCmd.MarkFlagRequired("task")
	_ = runCmd.MarkFlagRequired("model")
}

// runOutput is the JSON printed when a run finishes.
type runOutput struct {
	Run     *orchestrator.Run     `json:"run"`
	Results *orchestrator.Results `json:"results,omitempty"`
}

func runOnce(_ *cobra.Command, _ []string) error {
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
	defer stopSandboxMonitor()

	run, err := comps.orchestrator.Submit(ctx, orchestrator.SubmitRequest{
		Task:     runTask,
		Model:    runModel,
		Episodes: runEpisodes,
		Timeout:  runTimeout,
	})
	if err != nil {
		return fmt.Errorf("submitting run: %w", err)
	}

	run, err = waitForRun(ctx, comps.orchestrator, logger, run.ID, runPollInterval)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		comps.shutdown(shutdownCtx)
		return err
	}

	out := runOutput{Run: run}
	if results, ok, err := comps.orchestrator.GetResults(run.ID); err == nil && ok {
		out.Results = results
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	comps.obs.Shutdown(context.Background())

	if run.Status != orchestrator.StatusCompleted {
		return fmt.Errorf("run %s finished with status %s", run.ID, run.Status)
	}
	return nil
}

// waitForRun polls GetStatus until the run is terminal or ctx is done.
func waitForRun(ctx context.Context, orch *orchestrator.Orchestrator, logger *slog.Logger, runID string, interval time.Duration) (*orchestrator.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := orch.GetStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			logger.Info("interrupted, stopping run", slog.String("run_id", runID))
			return nil, fmt.Errorf("run %s interrupted: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}
