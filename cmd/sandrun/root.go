package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/logging"
)

var (
	// Global flags
	verbose    bool
	noColor    bool
	projectDir string
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sandrun",
	Short: "Sandboxed command execution with transactional patch apply",
	Long: `sandrun runs commands against a scratch copy of a project inside an
isolation boundary, records every step, and produces a reviewable
patch of what changed. Approved patches are applied to the real
project transactionally: either the whole patch lands as one commit,
or the work tree is left exactly as it was.

Core Commands:
  run      Execute commands in a sandboxed session and review the result
  apply    Apply a patch to the project transactionally
  version  Show version information`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. A failing sandboxed step propagates
// its exit code to the process without an extra error line.
func Execute(ctx context.Context) {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	var se *silentExitError
	if errors.As(err, &se) {
		os.Exit(se.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".", "Project directory")
}

func newLogger() *zap.Logger {
	return logging.New(verbose)
}
