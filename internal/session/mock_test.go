package session

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/sandrun/internal/manifest"
	"github.com/coderelay/sandrun/internal/policy"
)

func mockSpec(t *testing.T) *policy.ExecSpec {
	t.Helper()
	t.Setenv(policy.ScratchDirEnv, t.TempDir())

	pol, err := policy.Resolve(policy.Options{ProjectDir: t.TempDir()})
	require.NoError(t, err)
	spec, err := pol.ToSpec()
	require.NoError(t, err)
	return spec
}

func TestMock_EndToEnd(t *testing.T) {
	spec := mockSpec(t)
	ctx := context.Background()
	m := NewMock(spec, nil)

	require.NoError(t, m.Start(ctx))
	// Idempotent.
	require.NoError(t, m.Start(ctx))

	res, err := m.Exec(ctx, "echo hi")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.ExitCode)

	out, err := os.ReadFile(res.StdoutFile)
	require.NoError(t, err)
	assert.Equal(t, mockTranscript, string(out))

	fin, err := m.Finalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, fin.PatchPath, "mock sessions never produce a patch")

	run, err := manifest.Read(fin.ManifestPath)
	require.NoError(t, err)
	assert.Len(t, run.Steps, 1)
	assert.Equal(t, "echo hi", run.Steps[0].Command)
	assert.Equal(t, 1, run.ExitSummary.Steps)
	assert.Equal(t, 0, run.ExitSummary.LastExitCode)
	assert.Equal(t, "mock", run.Container.Backend)
	assert.Equal(t, mockBaseline, run.BaselineCommit)

	require.NoError(t, m.Destroy(ctx, DestroyOpts{}))
	_, statErr := os.Stat(spec.WorkHostDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMock_LifecycleGuards(t *testing.T) {
	spec := mockSpec(t)
	ctx := context.Background()
	m := NewMock(spec, nil)

	_, err := m.Exec(ctx, "echo hi")
	var infra *InfraError
	require.ErrorAs(t, err, &infra)

	require.NoError(t, m.Start(ctx))
	_, err = m.Finalize(ctx)
	require.NoError(t, err)

	_, err = m.Finalize(ctx)
	require.ErrorAs(t, err, &infra)

	_, err = m.Exec(ctx, "echo hi")
	require.ErrorAs(t, err, &infra)
}

func TestMock_KeepScratch(t *testing.T) {
	spec := mockSpec(t)
	spec.KeepScratch = true
	ctx := context.Background()
	m := NewMock(spec, nil)

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Destroy(ctx, DestroyOpts{}))
	_, err := os.Stat(spec.WorkHostDir)
	assert.NoError(t, err)
}
