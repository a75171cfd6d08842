package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

// --- Layout ---

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "data")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "data"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"ResultsDir", ws.ResultsDir, "results"},
		{"LogsDir", ws.LogsDir, "logs"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(ws.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

// --- Run Paths ---

func TestRunPaths(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "data"))
	if err != nil {
		t.Fatal(err)
	}

	runDir := ws.RunDir("run_1")
	expected := filepath.Join(ws.Root, "results", "run_1")
	if runDir != expected {
		t.Errorf("RunDir = %q, want %q", runDir, expected)
	}
	if _, err := os.Stat(runDir); !os.IsNotExist(err) {
		t.Errorf("RunDir should not create the directory, stat err = %v", err)
	}

	created, err := ws.EnsureRunDir("run_1")
	if err != nil {
		t.Fatalf("EnsureRunDir: %v", err)
	}
	if created != expected {
		t.Errorf("EnsureRunDir = %q, want %q", created, expected)
	}
	if _, err := os.Stat(created); err != nil {
		t.Errorf("run dir not created: %v", err)
	}

	if got := ws.RunConfigPath("run_1"); got != filepath.Join(expected, "config.json") {
		t.Errorf("RunConfigPath = %q", got)
	}
	if got := ws.ResultsPath("run_1"); got != filepath.Join(expected, "results.json") {
		t.Errorf("ResultsPath = %q", got)
	}
}

func TestRunDirTraversal(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	got := ws.RunDir("../../etc")
	if filepath.Dir(got) != filepath.Join(ws.Root, "results") {
		t.Errorf("RunDir escaped results dir: %q", got)
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "data"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"results", "logs"} {
		p := filepath.Join(ws.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestCheckWritable(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.CheckWritable(); err != nil {
		t.Fatalf("CheckWritable: %v", err)
	}
	entries, _ := os.ReadDir(ws.Root)
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %d entries", len(entries))
	}
}

// --- Helpers ---

func TestRunDirName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
		{".", "_"},
	}
	for _, tc := range tests {
		got := runDirName(tc.input)
		if got != tc.want {
			t.Errorf("runDirName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
