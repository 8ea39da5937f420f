package policy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Defaults(t *testing.T) {
	dir := t.TempDir()

	p, err := Resolve(Options{ProjectDir: dir})
	require.NoError(t, err)

	assert.Equal(t, dir, p.ProjectDir)
	assert.Equal(t, filepath.Join(dir, ControlDirName, "runs"), p.RunRoot)
	assert.Equal(t, defaultImage, p.Image)
	assert.Equal(t, NetworkDeny, p.Network.Mode)
	assert.Equal(t, 30*time.Second, p.Limits.Timeout)
	assert.Equal(t, int64(512*1024*1024), p.Limits.MemoryBytes)
	assert.Equal(t, 1.0, p.Limits.CPUs)
	assert.Equal(t, int64(1024*1024), p.Limits.StdoutBytes)
	assert.Equal(t, 128, p.Limits.Pids)
	assert.Equal(t, DefaultWritePolicy(), p.Write)
}

func TestResolve_Validation(t *testing.T) {
	dir := t.TempDir()

	_, err := Resolve(Options{})
	require.Error(t, err)

	_, err = Resolve(Options{ProjectDir: filepath.Join(dir, "missing")})
	require.Error(t, err)

	_, err = Resolve(Options{
		ProjectDir: dir,
		Network:    Network{Mode: NetworkDeny, AllowCIDRs: []string{"10.0.0.0/8"}},
	})
	require.Error(t, err)

	_, err = Resolve(Options{
		ProjectDir: dir,
		Network:    Network{Mode: NetworkAllow, AllowCIDRs: []string{"not-a-cidr"}},
	})
	require.Error(t, err)

	_, err = Resolve(Options{
		ProjectDir: dir,
		Write:      WritePolicy{Allow: []string{"a//b"}},
	})
	require.Error(t, err)
}

func TestToSpec_ScratchOutsideProject(t *testing.T) {
	dir := t.TempDir()
	scratch := t.TempDir()
	t.Setenv(ScratchDirEnv, scratch)

	p, err := Resolve(Options{ProjectDir: dir})
	require.NoError(t, err)

	spec, err := p.ToSpec()
	require.NoError(t, err)

	assert.NotEmpty(t, spec.ID)
	assert.Equal(t, filepath.Join(scratch, "sandrun-"+spec.ID), spec.WorkHostDir)
	assert.False(t, within(dir, spec.WorkHostDir))
	assert.Equal(t, filepath.Join(p.RunRoot, spec.ID), spec.RunDir)

	// Fresh id per spec.
	spec2, err := p.ToSpec()
	require.NoError(t, err)
	assert.NotEqual(t, spec.ID, spec2.ID)
}

func TestToSpec_RejectsScratchInsideProject(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ScratchDirEnv, filepath.Join(dir, "scratch"))

	p, err := Resolve(Options{ProjectDir: dir})
	require.NoError(t, err)

	_, err = p.ToSpec()
	require.Error(t, err)
}

func TestWritePolicy_DenyWins(t *testing.T) {
	w := DefaultWritePolicy()

	assert.True(t, w.Allowed("foo.txt"))
	assert.True(t, w.Allowed("src/main.go"))
	assert.False(t, w.Allowed(".git/config"))
	assert.False(t, w.Allowed("certs/key.pem"))
	assert.False(t, w.Allowed(ControlDirName+"/runs/x/manifest.json"))
	assert.False(t, w.Allowed(".env"))
	assert.False(t, w.Allowed(".env.production"))
}
