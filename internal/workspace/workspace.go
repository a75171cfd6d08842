// Package workspace manages the harness data root.
//
// Layout:
//
//	<root>/results/<run_id>/config.json   submitted parameters, written before spawn
//	<root>/results/<run_id>/results.json  harness output, read after exit
//	<root>/logs/                          harness log text, unstructured
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// RunConfigFile is the per-run parameter file name.
	RunConfigFile = "config.json"
	// ResultsFile is the per-run harness output file name.
	ResultsFile = "results.json"

	dirPerm = 0750
)

// Workspace resolves per-run paths under one data root. Directories are
// created lazily and remembered, so repeated Ensure calls cost one map lookup.
type Workspace struct {
	Root string

	results string
	logs    string

	mu      sync.Mutex
	ensured map[string]struct{}
}

// New resolves root (expanding ~) and creates it if missing.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving data root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		results: filepath.Join(resolved, "results"),
		logs:    filepath.Join(resolved, "logs"),
		ensured: make(map[string]struct{}),
	}
	if err := w.ensure(resolved); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}
	return w, nil
}

// ResultsDir returns <root>/results/, creating it on first use.
func (w *Workspace) ResultsDir() string {
	_ = w.ensure(w.results)
	return w.results
}

// LogsDir returns <root>/logs/, creating it on first use.
func (w *Workspace) LogsDir() string {
	_ = w.ensure(w.logs)
	return w.logs
}

// RunDir returns <root>/results/<runID>/ without creating it. The id is
// flattened to a single path element.
func (w *Workspace) RunDir(runID string) string {
	return filepath.Join(w.results, runDirName(runID))
}

// EnsureRunDir creates the run directory and returns its path.
func (w *Workspace) EnsureRunDir(runID string) (string, error) {
	dir := w.RunDir(runID)
	if err := w.ensure(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// RunConfigPath returns the path of the run's config.json.
func (w *Workspace) RunConfigPath(runID string) string {
	return filepath.Join(w.RunDir(runID), RunConfigFile)
}

// ResultsPath returns the path of the run's results.json.
func (w *Workspace) ResultsPath(runID string) string {
	return filepath.Join(w.RunDir(runID), ResultsFile)
}

// EnsureAll creates results/ and logs/.
func (w *Workspace) EnsureAll() error {
	for _, dir := range []string{w.results, w.logs} {
		if err := w.ensure(dir); err != nil {
			return err
		}
	}
	return nil
}

// CheckWritable creates and removes a probe file under the root.
func (w *Workspace) CheckWritable() error {
	f, err := os.CreateTemp(w.Root, ".probe-*")
	if err != nil {
		return fmt.Errorf("data root %s is not writable: %w", w.Root, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (w *Workspace) ensure(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.ensured[dir]; ok {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	w.ensured[dir] = struct{}{}
	return nil
}

func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}

// runDirName maps a run id to a single safe path element.
func runDirName(runID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, runID)
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." {
		return "_"
	}
	return name
}
