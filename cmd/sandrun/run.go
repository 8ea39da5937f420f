package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/artifactstore"
	"github.com/coderelay/sandrun/internal/config"
	"github.com/coderelay/sandrun/internal/manager"
	"github.com/coderelay/sandrun/internal/review"
	"github.com/coderelay/sandrun/internal/session"
)

var runFlags struct {
	backend     string
	image       string
	timeout     time.Duration
	keepScratch bool
	reviewMode  string
	yes         bool
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command>...",
	Short: "Execute commands in a sandboxed session",
	Long: `Run one or more shell commands against a scratch copy of the project.
Each positional argument is executed as a single shell command, in
order, inside the same session. When all commands have run, the
session is finalized into a patch plus a run manifest, the patch is
reviewed per the configured review mode, and an approved patch is
applied to the project as one commit.

Examples:
  sandrun run -- 'make test'
  sandrun run --backend local -- 'go generate ./...' 'gofmt -w .'
  sandrun run --review never -- './risky-migration.sh'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.backend, "backend", "", "Session backend (auto, container, local, mock)")
	runCmd.Flags().StringVar(&runFlags.image, "image", "", "Container image override")
	runCmd.Flags().DurationVar(&runFlags.timeout, "timeout", 0, "Per-step timeout override")
	runCmd.Flags().BoolVar(&runFlags.keepScratch, "keep-scratch", false, "Keep the scratch tree after the run")
	runCmd.Flags().StringVar(&runFlags.reviewMode, "review", "", "Review mode override (ask, auto, never)")
	runCmd.Flags().BoolVarP(&runFlags.yes, "yes", "y", false, "Assume yes for review prompts")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	log := newLogger()
	defer log.Sync() //nolint:errcheck
	ctx := cmd.Context()

	project, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	cfg, err := config.Load(project)
	if err != nil {
		return err
	}

	opts := cfg.PolicyOptions(project)
	if runFlags.image != "" {
		opts.Image = runFlags.image
	}
	if runFlags.timeout > 0 {
		opts.Limits.Timeout = runFlags.timeout
	}
	if runFlags.keepScratch {
		opts.KeepScratch = true
	}

	backendName := cfg.Backend
	if runFlags.backend != "" {
		backendName = runFlags.backend
	}
	kind := session.BackendAuto
	if backendName != "" {
		kind, err = session.ParseBackendKind(backendName)
		if err != nil {
			return err
		}
	}

	mgr := manager.New(log)
	key := "run-" + filepath.Base(project)
	sess, err := mgr.GetOrCreate(ctx, key, manager.Overrides{
		Policy:   opts,
		Backend:  kind,
		LocalTTY: review.IsTerminal(os.Stdin),
	})
	if err != nil {
		return err
	}

	lastExit := 0
	for i, command := range args {
		log.Info("running step", zap.Int("index", i), zap.String("command", command))
		res, err := sess.Exec(ctx, command)
		if err != nil {
			// Infrastructure failure: tear down without keeping the
			// broken session around.
			if _, ferr := mgr.Finalize(ctx, key); ferr != nil {
				log.Warn("finalize after infra failure", zap.Error(ferr))
			}
			return err
		}
		lastExit = res.ExitCode
		switch {
		case res.ExitCode == session.ExitPolicyViolation:
			fmt.Fprintf(os.Stderr, "step %d: write policy violation, changes reverted:\n", i)
			for _, p := range res.Violations {
				fmt.Fprintf(os.Stderr, "  %s\n", p)
			}
		case !res.OK:
			fmt.Fprintf(os.Stderr, "step %d: exit %d\n", i, res.ExitCode)
		}
	}

	fin, err := mgr.Finalize(ctx, key)
	if err != nil {
		return err
	}
	if fin == nil {
		return fmt.Errorf("session %s disappeared before finalize", key)
	}
	fmt.Printf("manifest: %s\n", fin.ManifestPath)

	runDir := filepath.Dir(fin.ManifestPath)
	if cfg.Artifacts.Enabled() {
		store, err := artifactstore.New(cfg.Artifacts, log)
		if err != nil {
			return err
		}
		if _, err := store.UploadRun(ctx, runDir, filepath.Base(runDir)); err != nil {
			// Upload is best-effort; the run itself succeeded.
			log.Warn("artifact upload failed", zap.Error(err))
		}
	}

	if fin.PatchPath == "" {
		fmt.Println("no changes to review")
		return exitError(lastExit)
	}
	fmt.Printf("patch: %s\n", fin.PatchPath)

	if err := reviewAndApply(ctx, log, cfg, project, fin.PatchPath, runFlags.reviewMode); err != nil {
		return err
	}
	return exitError(lastExit)
}

// exitError maps the last step's exit code onto the process exit code
// without printing a redundant error message.
func exitError(code int) error {
	if code == 0 {
		return nil
	}
	return &silentExitError{code: code}
}

type silentExitError struct{ code int }

func (e *silentExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
