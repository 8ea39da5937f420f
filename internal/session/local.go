package session

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/manifest"
	"github.com/coderelay/sandrun/internal/policy"
)

// graceSeconds is the window between the terminate and kill signals.
const graceSeconds = 5

// allowedPath is the fixed PATH handed to local steps. No user-local
// bin directories, no rc-file hooks.
const allowedPath = "/usr/local/bin:/usr/bin:/bin"

// LocalOptions tune the local backend.
type LocalOptions struct {
	// TTY attaches the step to a pseudo-terminal so commands that
	// probe stdin for a terminal still run. Output capture is
	// unaffected; the step script owns redirection.
	TTY bool
}

// LocalBackend runs steps as host subprocesses with a scrubbed
// environment. It provides no filesystem isolation beyond the scratch
// mirror and the write-policy journal, and is meant for hosts that are
// already isolated (e.g. inside a VM).
type LocalBackend struct {
	c    *core
	opts LocalOptions
}

// NewLocal creates a local backend for the spec.
func NewLocal(spec *policy.ExecSpec, log *zap.Logger, opts LocalOptions) *LocalBackend {
	return &LocalBackend{c: newCore(spec, log), opts: opts}
}

// Start provisions the scratch tree. Idempotent.
func (l *LocalBackend) Start(ctx context.Context) error {
	return l.c.start(ctx)
}

// Exec runs one command through the step script.
func (l *LocalBackend) Exec(ctx context.Context, command string) (*StepResult, error) {
	return l.c.exec(ctx, command, l)
}

// Finalize writes the session patch and manifest.
func (l *LocalBackend) Finalize(ctx context.Context) (*FinalizeResult, error) {
	return l.c.finalize(ctx, manifest.ContainerInfo{Backend: "local", Name: "host"})
}

// Destroy removes the scratch tree unless it is being kept.
func (l *LocalBackend) Destroy(ctx context.Context, opts DestroyOpts) error {
	return l.c.teardown(opts)
}

func (l *LocalBackend) runStep(ctx context.Context, command string, files stepFiles) (int, error) {
	spec := l.c.spec
	script := filepath.Join(spec.WorkHostDir, stepScriptRel)
	if _, err := os.Stat(script); err != nil {
		return 0, infraErr("step script missing", err)
	}

	// The script enforces the step timeout itself; the host-side
	// deadline is a backstop in case the boundary wedges.
	backstop := spec.Limits.Timeout + 2*graceSeconds*time.Second
	stepCtx, cancel := context.WithTimeout(ctx, backstop)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, "sh", script,
		command,
		l.c.scratchStepPath(files.Out),
		l.c.scratchStepPath(files.Err),
		l.c.scratchStepPath(files.Meta),
	)
	cmd.Dir = spec.WorkHostDir
	cmd.Env = scrubbedEnv(spec.WorkHostDir)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = graceSeconds * time.Second

	var err error
	if l.opts.TTY {
		var ptmx *os.File
		ptmx, err = pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
		if err != nil {
			return 0, infraErr("start step", err)
		}
		// The script redirects step output to files; drain whatever
		// leaks onto the terminal so the child never blocks on it.
		go func() { _, _ = io.Copy(io.Discard, ptmx) }()
		err = cmd.Wait()
		_ = ptmx.Close()
	} else {
		cmd.Stdin = nil
		err = cmd.Run()
	}

	return localExitCode(ctx, stepCtx, err)
}

func (l *LocalBackend) collectStep(ctx context.Context, files stepFiles) error {
	for _, name := range []string{files.Out, files.Err} {
		if err := copyFile(l.c.scratchStepPath(name), l.c.hostStepPath(name), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// localExitCode maps a step subprocess outcome to an exit code,
// treating only infrastructure problems as errors.
func localExitCode(parent, step context.Context, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if parent.Err() != nil {
		return 0, infraErr("exec step", parent.Err())
	}
	if errors.Is(step.Err(), context.DeadlineExceeded) {
		return exitTimeout, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return exitKilled, nil
	}
	return 0, infraErr("exec step", err)
}

// scrubbedEnv builds the minimal step environment: allow-listed PATH,
// HOME pointed at the scratch tree, nothing inherited from the host.
func scrubbedEnv(scratch string) []string {
	tmp := os.TempDir()
	return []string{
		"PATH=" + allowedPath,
		"HOME=" + scratch,
		"TMPDIR=" + tmp,
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
}
