// Package sandbox runs validated external commands as tracked child processes.
// Every child is spawned without a shell, in its own process group, with a
// sanitized environment; its output is drained asynchronously and its
// timeout is enforced both by its drain goroutine and by a periodic monitor.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRejected is returned when a command fails validation. Permanent.
	ErrRejected = errors.New("command rejected")
	// ErrCapacityExceeded is returned when the process ceiling is reached. Retry after backoff.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNotFound is returned for unknown process handles.
	ErrNotFound = errors.New("process not found")
	// ErrAlreadyCompleted is returned when killing a process that has already exited.
	ErrAlreadyCompleted = errors.New("process already completed")
	// ErrStillRunning is returned when forgetting a process that has not exited.
	ErrStillRunning = errors.New("process still running")
)

// Controller is the raw process-control surface consumed by the run orchestrator.
type Controller interface {
	Start(ctx context.Context, req StartRequest) (*ProcessSnapshot, error)
	Query(handle int) (*ProcessSnapshot, error)
	Kill(ctx context.Context, handle int) (*ProcessSnapshot, error)
	List() []ProcessSnapshot
}

// StartRequest defines what to run and under what constraints.
type StartRequest struct {
	// Command is a whitespace-delimited command line. It is validated and split,
	// never interpreted by a shell.
	Command string

	// Dir overrides the working directory. Empty = inherit the supervisor's.
	Dir string

	// Timeout overrides the sandbox default. Clamped to the hard ceiling.
	Timeout time.Duration

	// Env adds extra variables on top of the sanitized base set.
	Env map[string]string
}

// ProcessSnapshot is a point-in-time copy of a tracked process.
type ProcessSnapshot struct {
	Handle    int           `json:"handle"`
	PID       int           `json:"pid"`
	Command   string        `json:"command"`
	Dir       string        `json:"dir,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Timeout   time.Duration `json:"timeout"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Completed bool          `json:"completed"`
	ExitCode  *int          `json:"exit_code"`
	// TimedOut reports that the sandbox killed the process for exceeding its timeout.
	// The exit code is still the real post-kill code.
	TimedOut bool `json:"timed_out"`
}

// Elapsed returns how long the process has been (or was) tracked as running.
func (p *ProcessSnapshot) Elapsed(now time.Time) time.Duration {
	return now.Sub(p.StartedAt)
}
