package session

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/gitcli"
	"github.com/coderelay/sandrun/internal/manifest"
	"github.com/coderelay/sandrun/internal/policy"
	"github.com/coderelay/sandrun/internal/version"
)

// Layout of the control area inside the scratch tree. The journal
// never tracks it (git info/exclude), so step bookkeeping does not
// show up in diffs.
const (
	stepScriptRel = policy.ControlDirName + "/step.sh"
	stepsDirRel   = policy.ControlDirName + "/steps"
)

// stepFiles are the base names of one step's files, identical in the
// scratch control area and the host run directory.
type stepFiles struct {
	Out       string
	Err       string
	Meta      string
	Violation string
}

func stepFileNames(idx int) stepFiles {
	return stepFiles{
		Out:       fmt.Sprintf("step-%d.out", idx),
		Err:       fmt.Sprintf("step-%d.err", idx),
		Meta:      fmt.Sprintf("step-%d.meta.json", idx),
		Violation: fmt.Sprintf("step-%d.violation.txt", idx),
	}
}

// runner is the isolation-specific part of a backend: actually running
// a step inside the boundary, and copying its output files out.
type runner interface {
	// runStep executes the step script for cmd and returns the exit
	// code. Infrastructure failures (not command failures) return an
	// error.
	runStep(ctx context.Context, cmd string, files stepFiles) (int, error)
	// collectStep copies the step's out/err/meta files into the host
	// run directory.
	collectStep(ctx context.Context, files stepFiles) error
}

// core is the scratch journal shared by the container and local
// backends: project mirror, baseline commit, per-step commits with
// write-policy enforcement, and finalize bookkeeping.
type core struct {
	spec *policy.ExecSpec
	log  *zap.Logger
	git  *gitcli.Git

	mu        sync.Mutex
	started   bool
	finalized bool
	destroyed bool
	baseline  string
	startedAt time.Time
	steps     []manifest.StepMeta
	lastExit  int
}

func newCore(spec *policy.ExecSpec, log *zap.Logger) *core {
	if log == nil {
		log = zap.NewNop()
	}
	return &core{
		spec: spec,
		log:  log,
		git:  gitcli.New(spec.WorkHostDir),
	}
}

// start provisions the scratch tree and takes the baseline commit.
// Idempotent: a second call is a no-op.
func (c *core) start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return infraErrf("start", "session %s already destroyed", c.spec.ID)
	}
	if c.started {
		return nil
	}

	if err := os.MkdirAll(c.spec.WorkHostDir, 0o755); err != nil {
		return infraErr("provision scratch", err)
	}
	if err := mirrorTree(c.spec.ProjectDir, c.spec.WorkHostDir); err != nil {
		return infraErr("mirror project", err)
	}
	if err := os.MkdirAll(filepath.Join(c.spec.WorkHostDir, stepsDirRel), 0o755); err != nil {
		return infraErr("provision scratch", err)
	}
	if err := os.MkdirAll(filepath.Join(c.spec.RunDir, "steps"), 0o755); err != nil {
		return infraErr("provision run dir", err)
	}

	if err := c.git.Init(ctx); err != nil {
		return infraErr("init journal", err)
	}
	exclude := filepath.Join(c.spec.WorkHostDir, ".git", "info", "exclude")
	if err := os.WriteFile(exclude, []byte(policy.ControlDirName+"/\n"), 0o644); err != nil {
		return infraErr("init journal", err)
	}
	if err := c.git.CommitAll(ctx, "baseline"); err != nil {
		return infraErr("baseline commit", err)
	}
	baseline, err := c.git.Head(ctx)
	if err != nil {
		return infraErr("baseline commit", err)
	}

	c.baseline = baseline
	c.startedAt = time.Now().UTC()
	c.started = true
	c.log.Info("session started",
		zap.String("session", c.spec.ID),
		zap.String("scratch", c.spec.WorkHostDir),
		zap.String("baseline", baseline))
	return nil
}

// exec runs one step through r and journals the result. Only one step
// is in flight at a time; callers queue on the session mutex.
func (c *core) exec(ctx context.Context, command string, r runner) (*StepResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, infraErrf("exec", "session %s not started", c.spec.ID)
	}
	if c.finalized || c.destroyed {
		return nil, infraErrf("exec", "session %s is closed", c.spec.ID)
	}

	idx := len(c.steps)
	files := stepFileNames(idx)
	startedAt := time.Now().UTC()

	exit, err := r.runStep(ctx, command, files)
	if err != nil {
		return nil, err
	}
	endedAt := time.Now().UTC()

	// 124 is timeout's own exit; bare 137 means something delivered
	// SIGKILL (OOM killer, external kill), which is not a timeout.
	killedBy := ""
	switch exit {
	case exitTimeout:
		killedBy = manifest.KilledByTimeout
	case exitKilled:
		killedBy = manifest.KilledBySignal
	}

	if err := c.git.CommitAll(ctx, fmt.Sprintf("step %d: %s", idx, firstLine(command))); err != nil {
		return nil, infraErr("journal step", err)
	}
	head, err := c.git.Head(ctx)
	if err != nil {
		return nil, infraErr("journal step", err)
	}
	changed, err := c.git.ChangedPaths(ctx, head)
	if err != nil {
		return nil, infraErr("journal step", err)
	}

	var violations []string
	for _, p := range changed {
		if !c.spec.Write.Allowed(p) {
			violations = append(violations, p)
		}
	}

	hostSteps := filepath.Join(c.spec.RunDir, "steps")
	res := &StepResult{
		ExitCode:   exit,
		StdoutFile: filepath.Join(hostSteps, files.Out),
		StderrFile: filepath.Join(hostSteps, files.Err),
	}

	if len(violations) > 0 {
		// The whole step commit is discarded, not just the offending
		// files: the journal must never retain a commit that violates
		// the write policy.
		if err := c.git.ResetHard(ctx, head+"^"); err != nil {
			return nil, infraErr("revert violating step", err)
		}
		body := strings.Join(violations, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(hostSteps, files.Violation), []byte(body), 0o644); err != nil {
			return nil, infraErr("write violation record", err)
		}
		res.ExitCode = ExitPolicyViolation
		res.Violations = violations
		c.log.Warn("step reverted: write policy violation",
			zap.String("session", c.spec.ID),
			zap.Int("step", idx),
			zap.Strings("paths", violations))
	}

	// Artifact copy must finish (or be recorded as failed) before the
	// next step so manifest indices stay meaningful.
	if err := r.collectStep(ctx, files); err != nil {
		c.log.Warn("step artifact copy failed",
			zap.String("session", c.spec.ID),
			zap.Int("step", idx),
			zap.Error(err))
	}

	meta := manifest.StepMeta{
		Index:     idx,
		Command:   command,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		ExitCode:  res.ExitCode,
		KilledBy:  killedBy,
		StdoutRel: "steps/" + files.Out,
		StderrRel: "steps/" + files.Err,
	}
	if err := manifest.WriteStepMeta(filepath.Join(hostSteps, files.Meta), meta); err != nil {
		return nil, infraErr("write step meta", err)
	}

	c.steps = append(c.steps, meta)
	c.lastExit = res.ExitCode
	res.OK = res.ExitCode == 0
	return res, nil
}

// finalize computes the cumulative patch, gathers artifacts, and
// writes the run manifest.
func (c *core) finalize(ctx context.Context, container manifest.ContainerInfo) (*FinalizeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, infraErrf("finalize", "session %s not started", c.spec.ID)
	}
	if c.finalized {
		return nil, infraErrf("finalize", "session %s already finalized", c.spec.ID)
	}

	patch, err := c.git.DiffBinary(ctx, c.baseline, "HEAD")
	if err != nil {
		return nil, infraErr("compute session patch", err)
	}
	patchRel := ""
	patchPath := ""
	if len(patch) > 0 {
		patchRel = "session.patch"
		patchPath = filepath.Join(c.spec.RunDir, patchRel)
		if err := os.WriteFile(patchPath, patch, 0o644); err != nil {
			return nil, infraErr("write session patch", err)
		}
	}

	added, err := c.git.AddedPaths(ctx, c.baseline, "HEAD")
	if err != nil {
		return nil, infraErr("collect artifacts", err)
	}
	artifacts := make([]manifest.ArtifactMeta, 0, len(added))
	for _, rel := range added {
		a := manifest.ArtifactMeta{Path: rel}
		if info, err := os.Stat(filepath.Join(c.spec.WorkHostDir, rel)); err == nil {
			a.SizeBytes = info.Size()
		}
		artifacts = append(artifacts, a)
	}

	m := &manifest.RunManifest{
		Tool:           "sandrun " + version.String(),
		Spec:           c.spec,
		StartedAt:      c.startedAt,
		EndedAt:        time.Now().UTC(),
		Container:      container,
		BaselineCommit: c.baseline,
		ExitSummary:    manifest.ExitSummary{Steps: len(c.steps), LastExitCode: c.lastExit},
		FullPatchRel:   patchRel,
		Steps:          c.steps,
		Artifacts:      artifacts,
		Host:           manifest.CurrentHost(),
	}
	manifestPath := filepath.Join(c.spec.RunDir, "manifest.json")
	if err := m.Write(manifestPath); err != nil {
		return nil, infraErr("write manifest", err)
	}

	c.finalized = true
	c.log.Info("session finalized",
		zap.String("session", c.spec.ID),
		zap.Int("steps", len(c.steps)),
		zap.Bool("has_patch", patchPath != ""))
	return &FinalizeResult{ManifestPath: manifestPath, PatchPath: patchPath}, nil
}

// teardown removes the scratch tree unless it is being kept.
func (c *core) teardown(opts DestroyOpts) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.destroyed = true
	if opts.KeepScratch || c.spec.KeepScratch {
		c.log.Info("keeping scratch tree", zap.String("scratch", c.spec.WorkHostDir))
		return nil
	}
	if err := os.RemoveAll(c.spec.WorkHostDir); err != nil {
		return infraErr("remove scratch", err)
	}
	return nil
}

// scratchStepPath returns the host path of a step file in the scratch
// control area.
func (c *core) scratchStepPath(name string) string {
	return filepath.Join(c.spec.WorkHostDir, stepsDirRel, name)
}

// hostStepPath returns the run-directory path of a step file.
func (c *core) hostStepPath(name string) string {
	return filepath.Join(c.spec.RunDir, "steps", name)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// mirrorTree copies the project into the scratch root, excluding
// version-control metadata and previous run artifacts. The control
// directory itself (step script and friends) is preserved.
func mirrorTree(src, dst string) error {
	skipRuns := filepath.Join(policy.ControlDirName, "runs")
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && (d.Name() == ".git" || rel == skipRuns) {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and the like are not mirrored.
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
