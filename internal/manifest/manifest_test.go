package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/sandrun/internal/policy"
)

func TestWrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run", "manifest.json")

	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	m := &RunManifest{
		Spec:           &policy.ExecSpec{ID: "abc", Image: "debian:bookworm-slim"},
		StartedAt:      started,
		EndedAt:        started.Add(3 * time.Second),
		Container:      ContainerInfo{Backend: "mock", Name: "mock-abc"},
		BaselineCommit: "deadbeef",
		ExitSummary:    ExitSummary{Steps: 1, LastExitCode: 0},
		FullPatchRel:   "session.patch",
		Steps: []StepMeta{{
			Index:     0,
			Command:   "echo hi",
			StartedAt: started,
			EndedAt:   started.Add(time.Second),
			StdoutRel: "steps/step-0.out",
			StderrRel: "steps/step-0.err",
		}},
	}
	require.NoError(t, m.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "}\n"), "trailing newline")
	assert.Contains(t, string(data), `"baselineCommit": "deadbeef"`)
	// ISO-8601 timestamps.
	assert.Contains(t, string(data), `"startedAt": "2026-03-14T09:26:53Z"`)

	back, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, m.BaselineCommit, back.BaselineCommit)
	assert.Len(t, back.Steps, 1)
	assert.Equal(t, "echo hi", back.Steps[0].Command)
	assert.NotNil(t, back.Artifacts)
}

func TestWrite_EmptySlicesNotNull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	m := &RunManifest{Spec: &policy.ExecSpec{ID: "x"}}
	require.NoError(t, m.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"steps": []`)
	assert.Contains(t, string(data), `"artifacts": []`)
}

func TestWriteStepMeta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steps", "step-2.meta.json")

	meta := StepMeta{Index: 2, Command: "make test", ExitCode: 1, KilledBy: KilledByTimeout}
	require.NoError(t, WriteStepMeta(path, meta))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"killedBy": "timeout"`)
	assert.Contains(t, string(data), `"exitCode": 1`)
}

func TestCurrentHost(t *testing.T) {
	h := CurrentHost()
	assert.NotEmpty(t, h.Platform)
	assert.NotEmpty(t, h.Arch)
}
