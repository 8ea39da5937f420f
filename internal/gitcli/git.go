// Package gitcli wraps git subprocess calls for use as a filesystem
// journal. Every call returns an explicit Result instead of a raw
// error, so callers that implement multi-step rollback logic can
// branch on success/failure without unwinding through panics or
// stringly-typed errors.
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// identityEnv pins a deterministic author/committer so journal commits
// never depend on host git configuration.
var identityEnv = []string{
	"GIT_AUTHOR_NAME=sandrun",
	"GIT_AUTHOR_EMAIL=sandrun@localhost",
	"GIT_COMMITTER_NAME=sandrun",
	"GIT_COMMITTER_EMAIL=sandrun@localhost",
}

// Result captures one git invocation.
type Result struct {
	Args     []string
	OK       bool
	ExitCode int
	Stdout   []byte
	Stderr   string
}

// Err converts a failed Result into an error; nil when the call succeeded.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(string(r.Stdout))
	}
	return fmt.Errorf("git %s: exit %d: %s", strings.Join(r.Args, " "), r.ExitCode, msg)
}

// Git runs git commands rooted at one repository directory.
type Git struct {
	dir string
}

// New returns a Git bound to dir. The directory does not need to be a
// repository yet; Init creates one.
func New(dir string) *Git {
	return &Git{dir: dir}
}

// Dir returns the repository directory.
func (g *Git) Dir() string {
	return g.dir
}

// Available reports whether a git binary can be found on PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// Run executes git with the given arguments and captures the outcome.
// A non-zero exit is reported in the Result, not as an error; only a
// failure to spawn at all is fatal there too (ExitCode -1).
func (g *Git) Run(ctx context.Context, args ...string) Result {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	cmd.Env = append(os.Environ(), identityEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Args:   args,
		Stdout: stdout.Bytes(),
		Stderr: stderr.String(),
	}
	if err == nil {
		res.OK = true
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
		res.Stderr = err.Error()
	}
	return res
}

// Output runs git and returns trimmed stdout, failing on non-zero exit.
func (g *Git) Output(ctx context.Context, args ...string) (string, error) {
	res := g.Run(ctx, args...)
	if !res.OK {
		return "", res.Err()
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context) bool {
	res := g.Run(ctx, "rev-parse", "--is-inside-work-tree")
	return res.OK && strings.TrimSpace(string(res.Stdout)) == "true"
}

// Init creates a repository at dir with an explicit initial branch.
func (g *Git) Init(ctx context.Context) error {
	return g.Run(ctx, "init", "-q", "-b", "main").Err()
}

// HasHead reports whether the repository has at least one commit.
func (g *Git) HasHead(ctx context.Context) bool {
	return g.Run(ctx, "rev-parse", "--verify", "-q", "HEAD").OK
}

// Head returns the current HEAD commit hash.
func (g *Git) Head(ctx context.Context) (string, error) {
	return g.Output(ctx, "rev-parse", "HEAD")
}

// CommitAll stages everything and commits, allowing empty commits so
// callers can always rely on a commit existing afterwards.
func (g *Git) CommitAll(ctx context.Context, message string) error {
	if res := g.Run(ctx, "add", "-A"); !res.OK {
		return res.Err()
	}
	return g.Run(ctx, "commit", "-q", "--allow-empty", "-m", message).Err()
}

// ChangedPaths lists the paths touched by commit relative to its parent.
func (g *Git) ChangedPaths(ctx context.Context, commit string) ([]string, error) {
	out, err := g.Output(ctx, "diff-tree", "--no-commit-id", "--name-only", "-r", "--root", commit)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// DiffBinary returns the binary-safe patch between two commits.
func (g *Git) DiffBinary(ctx context.Context, from, to string) ([]byte, error) {
	res := g.Run(ctx, "diff", "--binary", from, to)
	if !res.OK {
		return nil, res.Err()
	}
	return res.Stdout, nil
}

// AddedPaths lists paths added between two commits.
func (g *Git) AddedPaths(ctx context.Context, from, to string) ([]string, error) {
	out, err := g.Output(ctx, "diff", "--name-only", "--diff-filter=A", from, to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ResetHard moves HEAD (and the work tree) to ref.
func (g *Git) ResetHard(ctx context.Context, ref string) error {
	return g.Run(ctx, "reset", "--hard", "-q", ref).Err()
}
