// Package applier commits a session patch to the real repository under
// transactional guarantees: a backup branch and a stash are taken
// before anything is touched, and any failure rolls the repository
// back to a state byte-identical to the pre-call one.
//
// Two concurrent Apply calls against the same repository race on HEAD
// and the stash and must be serialized by the caller; the repository
// itself is shared state no process-local lock can protect.
package applier

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/gitcli"
)

// Result reports one Apply call. On failure both refs are returned for
// forensics even though the rollback already consumed them.
type Result struct {
	OK         bool
	CommitHash string
	BackupRef  string
	StashRef   string
	Err        error
}

// Applier applies patches to a real project repository.
type Applier struct {
	log *zap.Logger
}

// New creates an Applier.
func New(log *zap.Logger) *Applier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Applier{log: log}
}

// Apply commits the patch at patchPath to the repository at projectDir
// with the given commit message. The repository is initialized with a
// baseline commit if it does not exist yet. The call either fully
// commits the patch or leaves the repository exactly as it found it.
func (a *Applier) Apply(ctx context.Context, projectDir, patchPath, message string) Result {
	data, err := os.ReadFile(patchPath)
	if err != nil {
		return Result{Err: fmt.Errorf("applier: patch: %w", err)}
	}
	if len(data) == 0 {
		return Result{Err: fmt.Errorf("applier: refusing to apply empty patch %s", patchPath)}
	}

	// The patch frequently lives untracked inside the project itself
	// (the session run directory); the stash below would sweep it out
	// of the worktree before git apply could read it. Work from a
	// copy outside the repository.
	tmp, err := os.CreateTemp("", "sandrun-*.patch")
	if err != nil {
		return Result{Err: fmt.Errorf("applier: stage patch: %w", err)}
	}
	stagedPath := tmp.Name()
	defer os.Remove(stagedPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Result{Err: fmt.Errorf("applier: stage patch: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return Result{Err: fmt.Errorf("applier: stage patch: %w", err)}
	}

	g := gitcli.New(projectDir)

	if !g.IsRepo(ctx) {
		if err := g.Init(ctx); err != nil {
			return Result{Err: err}
		}
	}
	if !g.HasHead(ctx) {
		if err := g.CommitAll(ctx, "sandrun baseline"); err != nil {
			return Result{Err: err}
		}
	}

	backupRef := "sandrun/backup-" + uuid.NewString()[:8]
	if res := g.Run(ctx, "branch", backupRef, "HEAD"); !res.OK {
		return Result{Err: res.Err()}
	}

	// Stash tracked and untracked local changes out of the way. The
	// push is a no-op (and creates no stash) on a clean tree.
	stashBefore, _ := g.Output(ctx, "rev-parse", "-q", "--verify", "refs/stash")
	if res := g.Run(ctx, "stash", "push", "-u", "-m", "sandrun pre-apply"); !res.OK {
		_ = g.Run(ctx, "branch", "-D", backupRef)
		return Result{BackupRef: backupRef, Err: res.Err()}
	}
	stashAfter, _ := g.Output(ctx, "rev-parse", "-q", "--verify", "refs/stash")
	stashRef := ""
	if stashAfter != "" && stashAfter != stashBefore {
		stashRef = "stash@{0}"
	}

	if res := g.Run(ctx, "apply", "--reject", "--whitespace=nowarn", stagedPath); !res.OK {
		return a.rollback(ctx, g, backupRef, stashRef, patchPath, res.Err())
	}
	if err := g.CommitAll(ctx, message); err != nil {
		return a.rollback(ctx, g, backupRef, stashRef, patchPath, err)
	}
	commit, err := g.Head(ctx)
	if err != nil {
		return a.rollback(ctx, g, backupRef, stashRef, patchPath, err)
	}

	// Best-effort: put the user's local changes back on top.
	if stashRef != "" {
		if res := g.Run(ctx, "stash", "pop"); !res.OK {
			a.log.Warn("stash restore failed; local changes remain stashed",
				zap.String("stash", stashRef),
				zap.String("detail", strings.TrimSpace(res.Stderr)))
		}
	}
	_ = g.Run(ctx, "branch", "-D", backupRef)

	a.log.Info("patch applied",
		zap.String("repo", projectDir),
		zap.String("commit", commit))
	return Result{OK: true, CommitHash: commit}
}

// rollback restores the pre-call state: hard reset to the backup,
// sweep reject artifacts and half-applied files, restore the stash,
// drop the backup ref. The original refs stay in the Result so a
// caller can reconstruct what happened.
func (a *Applier) rollback(ctx context.Context, g *gitcli.Git, backupRef, stashRef, patchPath string, cause error) Result {
	if res := g.Run(ctx, "reset", "--hard", "-q", backupRef); !res.OK {
		// Rollback itself failed; keep every ref and surface both errors.
		return Result{
			BackupRef: backupRef,
			StashRef:  stashRef,
			Err: fmt.Errorf("applier: %v; rollback also failed: %v (recover with: git reset --hard %s)",
				cause, res.Err(), backupRef),
		}
	}
	// Untracked leftovers can only be patch products or .rej files:
	// the user's untracked files were stashed before the apply.
	_ = g.Run(ctx, "clean", "-fd", "-q")
	if stashRef != "" {
		if res := g.Run(ctx, "stash", "pop"); !res.OK {
			a.log.Warn("stash restore failed during rollback",
				zap.String("stash", stashRef),
				zap.String("detail", strings.TrimSpace(res.Stderr)))
		}
	}
	_ = g.Run(ctx, "branch", "-D", backupRef)

	a.log.Warn("patch apply rolled back",
		zap.String("repo", g.Dir()),
		zap.Error(cause))
	return Result{
		BackupRef: backupRef,
		StashRef:  stashRef,
		Err: fmt.Errorf("applier: %w (apply manually with: git apply --reject %s)",
			cause, patchPath),
	}
}
