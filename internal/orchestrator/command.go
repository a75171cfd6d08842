package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandSpec holds everything that goes into one harness invocation.
type CommandSpec struct {
	Harness    string // Executable plus fixed leading arguments.
	Backend    string
	Task       string
	Model      string
	Episodes   int
	ResultsDir string
	LogDir     string
}

// BuildCommand renders the harness command line:
//
//	<harness> --task <t> --model <backend> --model_name <m> --num_episodes <n> --results_dir <dir> --log_dir <dir>
//
// The sandbox splits on whitespace, so every single-token value must be free of it.
func BuildCommand(spec CommandSpec) (string, error) {
	if strings.TrimSpace(spec.Harness) == "" {
		return "", fmt.Errorf("%w: harness command is not configured", ErrInvalidRequest)
	}
	for _, tok := range []struct{ name, value string }{
		{"task", spec.Task},
		{"model", spec.Backend},
		{"model_name", spec.Model},
		{"results_dir", spec.ResultsDir},
		{"log_dir", spec.LogDir},
	} {
		if tok.value == "" || strings.ContainsAny(tok.value, " \t\r\n\v\f") {
			return "", fmt.Errorf("%w: %s %q must be a single non-empty token", ErrInvalidRequest, tok.name, tok.value)
		}
	}

	args := []string{
		strings.Join(strings.Fields(spec.Harness), " "),
		"--task", spec.Task,
		"--model", spec.Backend,
		"--model_name", spec.Model,
		"--num_episodes", strconv.Itoa(spec.Episodes),
		"--results_dir", spec.ResultsDir,
		"--log_dir", spec.LogDir,
	}
	return strings.Join(args, " "), nil
}
