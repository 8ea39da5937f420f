package gitcli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Git {
	t.Helper()
	if !Available() {
		t.Skip("git not installed")
	}
	g := New(t.TempDir())
	require.NoError(t, g.Init(context.Background()))
	return g
}

func TestRun_FailureIsResultNotError(t *testing.T) {
	if !Available() {
		t.Skip("git not installed")
	}
	g := New(t.TempDir())

	res := g.Run(context.Background(), "rev-parse", "HEAD")
	assert.False(t, res.OK)
	assert.NotZero(t, res.ExitCode)
	assert.Error(t, res.Err())
}

func TestCommitAll_AndHead(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()

	assert.True(t, g.IsRepo(ctx))
	assert.False(t, g.HasHead(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(g.Dir(), "a.txt"), []byte("one\n"), 0o644))
	require.NoError(t, g.CommitAll(ctx, "baseline"))
	assert.True(t, g.HasHead(ctx))

	head, err := g.Head(ctx)
	require.NoError(t, err)
	assert.Len(t, head, 40)
}

func TestChangedPaths(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(g.Dir(), "a.txt"), []byte("one\n"), 0o644))
	require.NoError(t, g.CommitAll(ctx, "baseline"))

	require.NoError(t, os.MkdirAll(filepath.Join(g.Dir(), "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(g.Dir(), "sub", "b.txt"), []byte("two\n"), 0o644))
	require.NoError(t, g.CommitAll(ctx, "step"))

	head, err := g.Head(ctx)
	require.NoError(t, err)

	paths, err := g.ChangedPaths(ctx, head)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/b.txt"}, paths)
}

func TestDiffBinary_EmptyWhenNoChanges(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(g.Dir(), "a.txt"), []byte("one\n"), 0o644))
	require.NoError(t, g.CommitAll(ctx, "baseline"))
	base, err := g.Head(ctx)
	require.NoError(t, err)

	patch, err := g.DiffBinary(ctx, base, "HEAD")
	require.NoError(t, err)
	assert.Empty(t, patch)

	require.NoError(t, os.WriteFile(filepath.Join(g.Dir(), "a.txt"), []byte("one\ntwo\n"), 0o644))
	require.NoError(t, g.CommitAll(ctx, "step"))

	patch, err = g.DiffBinary(ctx, base, "HEAD")
	require.NoError(t, err)
	assert.Contains(t, string(patch), "a.txt")
}

func TestResetHard_RevertsCommit(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(g.Dir(), "a.txt"), []byte("one\n"), 0o644))
	require.NoError(t, g.CommitAll(ctx, "baseline"))
	base, err := g.Head(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(g.Dir(), "bad.txt"), []byte("x\n"), 0o644))
	require.NoError(t, g.CommitAll(ctx, "step"))
	require.NoError(t, g.ResetHard(ctx, base))

	head, err := g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, base, head)
	_, statErr := os.Stat(filepath.Join(g.Dir(), "bad.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
