package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates health from multiple subsystems.
type HealthChecker struct {
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks concurrently under a shared
// timeout. The result is "ok" only if every check passes.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(h.checks))
	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(checkCtx, c)
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}
	for i, c := range h.checks {
		res := results[i]
		status.Checks[c.Name] = res
		if res.Status == "ok" {
			continue
		}
		status.Status = "degraded"
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", res.Message),
			)
		}
	}
	return status
}

func runCheck(ctx context.Context, c HealthCheck) CheckResult {
	if err := c.Check(ctx); err != nil {
		return CheckResult{Status: "fail", Message: err.Error()}
	}
	return CheckResult{Status: "ok"}
}

// CommandCheck returns a check that fails unless the executable named by the
// first token of command can be resolved.
func CommandCheck(command string) func(ctx context.Context) error {
	return func(_ context.Context) error {
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return errors.New("no command configured")
		}
		if _, err := exec.LookPath(fields[0]); err != nil {
			return fmt.Errorf("resolving %q: %w", fields[0], err)
		}
		return nil
	}
}
