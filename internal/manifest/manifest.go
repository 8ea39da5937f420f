// Package manifest records per-step metadata and assembles the run
// manifest written when a session finalizes.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/coderelay/sandrun/internal/policy"
)

// Kill reasons recorded on a step that did not exit on its own.
const (
	KilledByTimeout = "timeout"
	KilledByOOM     = "oom"
	KilledBySignal  = "signal"
)

// StepMeta is the record of one exec() step.
type StepMeta struct {
	Index     int       `json:"index"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	ExitCode  int       `json:"exitCode"`
	KilledBy  string    `json:"killedBy,omitempty"`
	StdoutRel string    `json:"stdout"`
	StderrRel string    `json:"stderr"`
	PatchRel  string    `json:"patch,omitempty"`
}

// ArtifactMeta describes one file the session produced beyond the
// project mirror (new files relative to the baseline).
type ArtifactMeta struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
}

// ContainerInfo identifies the backend that ran the session.
type ContainerInfo struct {
	Backend string `json:"backend"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ExitSummary aggregates step outcomes.
type ExitSummary struct {
	Steps        int `json:"steps"`
	LastExitCode int `json:"lastExitCode"`
}

// HostInfo describes the host platform the session ran on.
type HostInfo struct {
	Platform string `json:"platform"`
	Release  string `json:"release,omitempty"`
	Arch     string `json:"arch"`
}

// RunManifest is the aggregate written once at finalize.
type RunManifest struct {
	Tool           string           `json:"tool,omitempty"`
	Spec           *policy.ExecSpec `json:"spec"`
	StartedAt      time.Time        `json:"startedAt"`
	EndedAt        time.Time        `json:"endedAt"`
	Container      ContainerInfo    `json:"container"`
	BaselineCommit string           `json:"baselineCommit"`
	ExitSummary    ExitSummary      `json:"exitSummary"`
	FullPatchRel   string           `json:"fullPatchRel,omitempty"`
	Steps          []StepMeta       `json:"steps"`
	Artifacts      []ArtifactMeta   `json:"artifacts"`
	Host           HostInfo         `json:"host"`
}

// CurrentHost probes the host platform. Release is best-effort.
func CurrentHost() HostInfo {
	h := HostInfo{Platform: runtime.GOOS, Arch: runtime.GOARCH}
	if out, err := exec.Command("uname", "-r").Output(); err == nil {
		h.Release = strings.TrimSpace(string(out))
	}
	return h
}

// Write renders the manifest as pretty-printed JSON with a trailing
// newline.
func (m *RunManifest) Write(path string) error {
	if m.Steps == nil {
		m.Steps = []StepMeta{}
	}
	if m.Artifacts == nil {
		m.Artifacts = []ArtifactMeta{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return nil
}

// WriteStepMeta writes one step's metadata file next to its output files.
func WriteStepMeta(path string, meta StepMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal step: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return nil
}

// Read loads a manifest back from disk.
func Read(path string) (*RunManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return &m, nil
}
