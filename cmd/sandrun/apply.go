package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/applier"
	"github.com/coderelay/sandrun/internal/config"
	"github.com/coderelay/sandrun/internal/review"
)

var applyFlags struct {
	message string
	force   bool
	review  string
}

var applyCmd = &cobra.Command{
	Use:   "apply <patch>",
	Short: "Apply a patch to the project transactionally",
	Long: `Apply a unified-diff patch to the project as a single commit. Local
uncommitted work is stashed for the duration and restored afterwards.
If anything fails part-way, the work tree is rolled back to exactly
its pre-apply state.

The patch is reviewed first under the configured review mode;
--force applies without review.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringVarP(&applyFlags.message, "message", "m", "", "Commit message (default: generated from the patch)")
	applyCmd.Flags().BoolVar(&applyFlags.force, "force", false, "Apply without review")
	applyCmd.Flags().StringVar(&applyFlags.review, "review", "", "Review mode override (ask, auto, never)")
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	log := newLogger()
	defer log.Sync() //nolint:errcheck
	ctx := cmd.Context()

	project, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	patch, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve patch path: %w", err)
	}
	cfg, err := config.Load(project)
	if err != nil {
		return err
	}

	if applyFlags.force {
		stats, err := review.ComputeStats(ctx, project, patch, nil)
		if err != nil {
			return err
		}
		msg := applyFlags.message
		if msg == "" {
			msg = review.AutoCommitMessage(stats)
		}
		return doApply(ctx, log, project, patch, msg)
	}
	return reviewAndApply(ctx, log, cfg, project, patch, applyFlags.review)
}

// reviewAndApply runs the review pipeline on a finalized patch and
// applies it when the verdict is apply. modeOverride is the calling
// command's --review flag; empty falls back to the config file.
func reviewAndApply(ctx context.Context, log *zap.Logger, cfg config.Config, project, patch, modeOverride string) error {
	caps := cfg.ReviewCaps()
	stats, err := review.ComputeStats(ctx, project, patch, caps.Restricted)
	if err != nil {
		return err
	}
	fmt.Println(stats.Summary())

	mode := cfg.ReviewMode()
	if modeOverride != "" {
		mode, err = review.ParseMode(modeOverride)
		if err != nil {
			return err
		}
	}

	prompter, interactive := pickPrompter()
	engine := review.NewEngine(caps, prompter, log)
	decision, err := engine.Review(ctx, mode, stats, readPatch(patch), interactive)
	if err != nil {
		return err
	}

	switch decision.Action {
	case review.ActionSkip:
		fmt.Printf("patch left for manual review: %s (%s)\n", patch, decision.Reason)
		return nil
	case review.ActionReject:
		fmt.Println("patch rejected")
		return nil
	}

	msg := applyFlags.message
	if msg == "" {
		msg = decision.CommitMessage
	}
	return doApply(ctx, log, project, patch, msg)
}

func doApply(ctx context.Context, log *zap.Logger, project, patch, message string) error {
	res := applier.New(log).Apply(ctx, project, patch, message)
	if res.Err != nil {
		return res.Err
	}
	fmt.Printf("applied as commit %s\n", res.CommitHash)
	return nil
}

// pickPrompter chooses the confirm UI for the attached streams: a
// full-screen viewer on a terminal, otherwise a line prompt that
// prints the truncated patch and reads the answer from stdin. Piped
// stdin is still promptable, so both count as interactive; EOF on a
// closed stdin reads as no.
func pickPrompter() (review.Prompter, bool) {
	if runFlags.yes {
		return yesPrompter{}, true
	}
	if review.IsTerminal(os.Stdin) && review.IsTerminal(os.Stdout) {
		return &review.TerminalPrompter{NoColor: noColor}, true
	}
	return &review.LinePrompter{In: os.Stdin, Out: os.Stderr}, true
}

// yesPrompter answers every confirmation affirmatively (--yes).
type yesPrompter struct{}

func (yesPrompter) Confirm(context.Context, string, []byte) (bool, error) {
	return true, nil
}

func readPatch(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}
