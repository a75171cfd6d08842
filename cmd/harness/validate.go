package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/harness/internal/sandbox"
)

var validateCmd = &cobra.Command{
	Use:   "validate <command> [args...]",
	Short: "Check a command line against the sandbox policy",
	Long: `Runs the sandbox validator over the given command line without
executing it. Exits non-zero with the rejection reason when the command
would be refused.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func runValidate(_ *cobra.Command, args []string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	sbx := sandbox.New(sandboxConfig(cfg), logger)
	command := strings.Join(args, " ")
	if err := sbx.Validate(command); err != nil {
		var rej *sandbox.RejectionError
		if errors.As(err, &rej) {
			return fmt.Errorf("rejected (%s): %s", rej.Reason, rej.Detail)
		}
		return err
	}

	fmt.Printf("ok: %s\n", command)
	return nil
}
