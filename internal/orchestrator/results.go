package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// ResultsState marks the outcome of reading a run's results file.
type ResultsState string

const (
	ResultsOK        ResultsState = "ok"
	ResultsAbsent    ResultsState = "absent"    // The harness wrote no results file.
	ResultsMalformed ResultsState = "malformed" // The file exists but is not a JSON object.
)

// Results is the parsed harness output of one run.
// Document is shared between snapshots and must be treated as read-only.
type Results struct {
	State    ResultsState   `json:"state"`
	Path     string         `json:"path"`
	Document map[string]any `json:"document,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Success returns the document's "success" flag, false if missing.
func (r *Results) Success() bool {
	if r == nil {
		return false
	}
	v, ok := r.Document["success"].(bool)
	return ok && v
}

// Duration returns the document's "duration" field, interpreted as seconds.
func (r *Results) Duration() (time.Duration, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Document["duration"].(float64)
	if !ok {
		return 0, false
	}
	return time.Duration(v * float64(time.Second)), true
}

// parseResults reads a results file. It never fails: problems are
// reported through the returned marker.
func parseResults(path string) *Results {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Results{State: ResultsAbsent, Path: path}
	}
	if err != nil {
		return &Results{State: ResultsMalformed, Path: path, Error: err.Error()}
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &Results{State: ResultsMalformed, Path: path, Error: fmt.Sprintf("decoding results: %v", err)}
	}
	if doc == nil {
		return &Results{State: ResultsMalformed, Path: path, Error: "results document is not a JSON object"}
	}
	return &Results{State: ResultsOK, Path: path, Document: doc}
}
