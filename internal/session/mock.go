package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/manifest"
	"github.com/coderelay/sandrun/internal/policy"
	"github.com/coderelay/sandrun/internal/version"
)

// mockBaseline stands in for a journal commit hash; the mock never
// creates a repository.
const mockBaseline = "0000000000000000000000000000000000000000"

// mockTranscript is the fixed stdout every mock step produces.
const mockTranscript = "sandrun: mock backend, command not executed\n"

// MockBackend executes nothing. Every step exits 0 with a fixed
// transcript, and finalize always reports an empty patch. Its output
// shape is identical to a real backend whose session changed nothing,
// which is what makes it usable in deterministic tests.
type MockBackend struct {
	spec *policy.ExecSpec
	log  *zap.Logger

	mu        sync.Mutex
	started   bool
	finalized bool
	destroyed bool
	startedAt time.Time
	steps     []manifest.StepMeta
	lastExit  int
}

// NewMock creates a mock backend for the spec.
func NewMock(spec *policy.ExecSpec, log *zap.Logger) *MockBackend {
	if log == nil {
		log = zap.NewNop()
	}
	return &MockBackend{spec: spec, log: log}
}

// Start provisions the scratch and run directories. Idempotent.
func (m *MockBackend) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return infraErrf("start", "session %s already destroyed", m.spec.ID)
	}
	if m.started {
		return nil
	}
	if err := os.MkdirAll(m.spec.WorkHostDir, 0o755); err != nil {
		return infraErr("provision scratch", err)
	}
	if err := os.MkdirAll(filepath.Join(m.spec.RunDir, "steps"), 0o755); err != nil {
		return infraErr("provision run dir", err)
	}
	m.startedAt = time.Now().UTC()
	m.started = true
	return nil
}

// Exec records the step without running anything.
func (m *MockBackend) Exec(ctx context.Context, command string) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil, infraErrf("exec", "session %s not started", m.spec.ID)
	}
	if m.finalized || m.destroyed {
		return nil, infraErrf("exec", "session %s is closed", m.spec.ID)
	}

	idx := len(m.steps)
	files := stepFileNames(idx)
	stepsDir := filepath.Join(m.spec.RunDir, "steps")
	now := time.Now().UTC()

	if err := os.WriteFile(filepath.Join(stepsDir, files.Out), []byte(mockTranscript), 0o644); err != nil {
		return nil, infraErr("write step output", err)
	}
	if err := os.WriteFile(filepath.Join(stepsDir, files.Err), nil, 0o644); err != nil {
		return nil, infraErr("write step output", err)
	}

	meta := manifest.StepMeta{
		Index:     idx,
		Command:   command,
		StartedAt: now,
		EndedAt:   now,
		StdoutRel: "steps/" + files.Out,
		StderrRel: "steps/" + files.Err,
	}
	if err := manifest.WriteStepMeta(filepath.Join(stepsDir, files.Meta), meta); err != nil {
		return nil, infraErr("write step meta", err)
	}

	m.steps = append(m.steps, meta)
	m.lastExit = 0
	return &StepResult{
		OK:         true,
		ExitCode:   0,
		StdoutFile: filepath.Join(stepsDir, files.Out),
		StderrFile: filepath.Join(stepsDir, files.Err),
	}, nil
}

// Finalize writes the manifest; the patch is always empty.
func (m *MockBackend) Finalize(ctx context.Context) (*FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil, infraErrf("finalize", "session %s not started", m.spec.ID)
	}
	if m.finalized {
		return nil, infraErrf("finalize", "session %s already finalized", m.spec.ID)
	}

	run := &manifest.RunManifest{
		Tool:           "sandrun " + version.String(),
		Spec:           m.spec,
		StartedAt:      m.startedAt,
		EndedAt:        time.Now().UTC(),
		Container:      manifest.ContainerInfo{Backend: "mock", Name: "mock-" + m.spec.ID},
		BaselineCommit: mockBaseline,
		ExitSummary:    manifest.ExitSummary{Steps: len(m.steps), LastExitCode: m.lastExit},
		Steps:          m.steps,
		Host:           manifest.CurrentHost(),
	}
	manifestPath := filepath.Join(m.spec.RunDir, "manifest.json")
	if err := run.Write(manifestPath); err != nil {
		return nil, infraErr("write manifest", err)
	}

	m.finalized = true
	return &FinalizeResult{ManifestPath: manifestPath}, nil
}

// Destroy removes the scratch tree unless it is being kept.
func (m *MockBackend) Destroy(ctx context.Context, opts DestroyOpts) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.destroyed = true
	if opts.KeepScratch || m.spec.KeepScratch {
		return nil
	}
	if err := os.RemoveAll(m.spec.WorkHostDir); err != nil {
		return infraErr("remove scratch", err)
	}
	return nil
}
