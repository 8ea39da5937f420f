package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/sandrun/internal/gitcli"
	"github.com/coderelay/sandrun/internal/manifest"
	"github.com/coderelay/sandrun/internal/policy"
)

// localFixture builds a project with an installed step script and a
// local backend ready to start.
func localFixture(t *testing.T, opts policy.Options) (*LocalBackend, *policy.ExecSpec) {
	t.Helper()
	if !gitcli.Available() {
		t.Skip("git not installed")
	}
	if _, err := exec.LookPath("timeout"); err != nil {
		t.Skip("timeout(1) not installed")
	}

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "README.md"), []byte("# demo\n"), 0o644))
	// A nested VCS dir that must not be mirrored. The sentinel name
	// cannot collide with anything the scratch journal's own git init
	// creates.
	require.NoError(t, os.MkdirAll(filepath.Join(project, ".git", "refs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, ".git", "refs", "project-sentinel"), []byte("sentinel\n"), 0o644))

	opts.ProjectDir = project
	t.Setenv(policy.ScratchDirEnv, t.TempDir())

	pol, err := policy.Resolve(opts)
	require.NoError(t, err)
	spec, err := pol.ToSpec()
	require.NoError(t, err)

	script := RenderStepScript(StepScriptParams{
		TimeoutSec:     int(spec.Limits.Timeout / time.Second),
		GraceSec:       graceSeconds,
		OutputCapBytes: spec.Limits.StdoutBytes,
	})
	require.NoError(t, os.MkdirAll(filepath.Join(project, policy.ControlDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, policy.ControlDirName, "step.sh"), []byte(script), 0o755))

	return NewLocal(spec, nil, LocalOptions{}), spec
}

func TestLocal_StartIdempotent(t *testing.T) {
	l, spec := localFixture(t, policy.Options{})
	ctx := context.Background()

	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Start(ctx))

	// Mirror picked up the project and the step script, not the VCS dir.
	assert.FileExists(t, filepath.Join(spec.WorkHostDir, "README.md"))
	assert.FileExists(t, filepath.Join(spec.WorkHostDir, stepScriptRel))
	_, err := os.Stat(filepath.Join(spec.WorkHostDir, ".git", "refs", "project-sentinel"))
	assert.True(t, os.IsNotExist(err), "project VCS metadata must not be mirrored")

	// Exactly one baseline commit.
	g := gitcli.New(spec.WorkHostDir)
	count, err := g.Output(ctx, "rev-list", "--count", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "1", count)

	require.NoError(t, l.Destroy(ctx, DestroyOpts{}))
}

func TestLocal_ExecCapturesOutput(t *testing.T) {
	l, _ := localFixture(t, policy.Options{})
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	defer l.Destroy(ctx, DestroyOpts{})

	res, err := l.Exec(ctx, "echo hi; echo oops >&2")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.ExitCode)

	out, err := os.ReadFile(res.StdoutFile)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(out))

	errOut, err := os.ReadFile(res.StderrFile)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestLocal_CommandFailureIsNotAnError(t *testing.T) {
	l, _ := localFixture(t, policy.Options{})
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	defer l.Destroy(ctx, DestroyOpts{})

	res, err := l.Exec(ctx, "exit 7")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 7, res.ExitCode)
}

func TestLocal_FinalizeWithoutExec(t *testing.T) {
	l, spec := localFixture(t, policy.Options{})
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	defer l.Destroy(ctx, DestroyOpts{})

	fin, err := l.Finalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, fin.PatchPath)

	run, err := manifest.Read(fin.ManifestPath)
	require.NoError(t, err)
	assert.Empty(t, run.Steps)
	assert.Empty(t, run.FullPatchRel)
	assert.Equal(t, spec.ID, run.Spec.ID)
	assert.Len(t, run.BaselineCommit, 40)
}

func TestLocal_SessionPatchAndArtifacts(t *testing.T) {
	l, _ := localFixture(t, policy.Options{})
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	defer l.Destroy(ctx, DestroyOpts{})

	res, err := l.Exec(ctx, "echo generated > result.txt")
	require.NoError(t, err)
	require.True(t, res.OK)

	fin, err := l.Finalize(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, fin.PatchPath)

	patch, err := os.ReadFile(fin.PatchPath)
	require.NoError(t, err)
	assert.Contains(t, string(patch), "result.txt")

	run, err := manifest.Read(fin.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, "session.patch", run.FullPatchRel)
	require.Len(t, run.Artifacts, 1)
	assert.Equal(t, "result.txt", run.Artifacts[0].Path)
}

func TestLocal_PolicyViolationRoundTrip(t *testing.T) {
	l, spec := localFixture(t, policy.Options{
		Write: policy.WritePolicy{
			Allow: []string{"*", "**/*"},
			Deny:  []string{"secrets/**"},
		},
	})
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	defer l.Destroy(ctx, DestroyOpts{})

	g := gitcli.New(spec.WorkHostDir)
	before, err := g.Head(ctx)
	require.NoError(t, err)

	res, err := l.Exec(ctx, "mkdir -p secrets && echo x > secrets/token.txt")
	require.NoError(t, err, "a violation is a step outcome, not an error")
	assert.False(t, res.OK)
	assert.Equal(t, ExitPolicyViolation, res.ExitCode)
	assert.Equal(t, []string{"secrets/token.txt"}, res.Violations)

	// The violating commit was reverted.
	after, err := g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, statErr := os.Stat(filepath.Join(spec.WorkHostDir, "secrets", "token.txt"))
	assert.True(t, os.IsNotExist(statErr))

	// The violation record lists one offending path per line.
	body, err := os.ReadFile(filepath.Join(spec.RunDir, "steps", "step-0.violation.txt"))
	require.NoError(t, err)
	assert.Equal(t, "secrets/token.txt\n", string(body))

	// The session remains usable.
	res, err = l.Exec(ctx, "echo ok > fine.txt")
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestLocal_TimeoutKillsStep(t *testing.T) {
	l, spec := localFixture(t, policy.Options{
		Limits: policy.Limits{Timeout: time.Second},
	})
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	defer l.Destroy(ctx, DestroyOpts{})

	start := time.Now()
	res, err := l.Exec(ctx, "sleep 30")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, exitTimeout, res.ExitCode)
	assert.Less(t, time.Since(start), 15*time.Second)

	meta, err := os.ReadFile(filepath.Join(spec.RunDir, "steps", "step-0.meta.json"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"killedBy": "timeout"`)
}

func TestLocal_SigkillRecordsSignalNotTimeout(t *testing.T) {
	l, spec := localFixture(t, policy.Options{})
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	defer l.Destroy(ctx, DestroyOpts{})

	// The step kills itself with SIGKILL well inside the deadline;
	// the 137 must not be mislabeled as a timeout.
	res, err := l.Exec(ctx, "kill -KILL $$")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, exitKilled, res.ExitCode)

	meta, err := os.ReadFile(filepath.Join(spec.RunDir, "steps", "step-0.meta.json"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"killedBy": "signal"`)
	assert.NotContains(t, string(meta), "timeout")
}

func TestLocal_StdoutCapTruncates(t *testing.T) {
	l, _ := localFixture(t, policy.Options{
		Limits: policy.Limits{StdoutBytes: 1024},
	})
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	defer l.Destroy(ctx, DestroyOpts{})

	res, err := l.Exec(ctx, "head -c 100000 /dev/zero | tr '\\0' 'x'")
	require.NoError(t, err)
	require.True(t, res.OK)

	info, err := os.Stat(res.StdoutFile)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), info.Size())
}
