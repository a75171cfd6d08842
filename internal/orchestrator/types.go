// Package orchestrator turns run requests into sandboxed harness processes and
// reconciles process completion into run status.
//
// A run moves from running to exactly one terminal status (completed, failed,
// stopped or unknown). Reconciliation is lazy: it happens when GetStatus is
// called, either by a caller or by the run monitor loop. The orchestrator holds
// only the integer process handle; the sandbox owns the process record.
package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/jkaninda/harness/internal/sandbox"
)

var (
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("run not found")
	// ErrCapacityExceeded is returned when active runs reach the concurrency
	// ceiling. It wraps sandbox.ErrCapacityExceeded so one errors.Is check
	// covers both admission gates.
	ErrCapacityExceeded = fmt.Errorf("run %w", sandbox.ErrCapacityExceeded)
	// ErrInvalidRequest is returned for malformed submissions.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrModelUnavailable is returned when the model lookup rejects the model.
	ErrModelUnavailable = errors.New("model unavailable")
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed" // Process exited 0.
	StatusFailed    Status = "failed"    // Process exited non-zero, including timeout kills.
	StatusStopped   Status = "stopped"   // Explicit Stop.
	StatusUnknown   Status = "unknown"   // Sandbox no longer tracks the process.
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusRunning, StatusCompleted, StatusFailed, StatusStopped, StatusUnknown:
		return st, nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// SubmitRequest describes one harness run.
type SubmitRequest struct {
	Task     string
	Model    string
	Episodes int
	Timeout  time.Duration // Zero = orchestrator default.
}

// Run is a point-in-time copy of a run record.
type Run struct {
	ID            string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id"`
	Task          string         `json:"task"`
	Model         string         `json:"model"`
	Episodes      int            `json:"episodes"`
	Timeout       time.Duration  `json:"timeout"`
	StartedAt     time.Time      `json:"started_at"`
	Handle        int            `json:"process_handle"`
	Status        Status         `json:"status"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Duration      *time.Duration `json:"duration,omitempty"`
	ResultsDir    string         `json:"results_dir"`
	Results       *Results       `json:"results,omitempty"` // Set by the completed/failed transition.

	seq int // submission order, breaks StartedAt ties
}
