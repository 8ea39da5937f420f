// Package policy resolves declarative execution policies into concrete
// per-session specifications.
package policy

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/sandrun/internal/globmatch"
)

// ControlDirName is the project-local directory holding run artifacts
// and the step-runner script. It is excluded from write-policy checks
// and from project mirroring into the scratch tree.
const ControlDirName = ".sandrun"

// ScratchDirEnv overrides the base directory for scratch trees.
const ScratchDirEnv = "SANDRUN_SCRATCH_DIR"

const (
	defaultImage       = "debian:bookworm-slim"
	defaultTimeout     = 30 * time.Second
	defaultMemoryBytes = 512 * 1024 * 1024
	defaultCPUs        = 1.0
	defaultStdoutBytes = 1024 * 1024
	defaultPids        = 128
)

// NetworkMode controls guest network access.
type NetworkMode string

const (
	// NetworkDeny disables all network access (default).
	NetworkDeny NetworkMode = "deny"
	// NetworkAllow enables user-mode networking restricted to AllowCIDRs.
	NetworkAllow NetworkMode = "allow"
)

// Network is the session network policy.
type Network struct {
	Mode       NetworkMode `json:"mode"`
	AllowCIDRs []string    `json:"allow_cidrs,omitempty"`
}

// Limits are the per-step resource ceilings.
type Limits struct {
	Timeout     time.Duration `json:"timeout_ns"`
	MemoryBytes int64         `json:"memory_bytes"`
	CPUs        float64       `json:"cpus"`
	StdoutBytes int64         `json:"stdout_bytes"`
	Pids        int           `json:"pids"`
}

// WritePolicy is the allow/deny glob set applied to every path a step
// creates or modifies, relative to the scratch root. Deny wins.
type WritePolicy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Allowed reports whether a step may touch relPath.
func (w WritePolicy) Allowed(relPath string) bool {
	return globmatch.Allowed(w.Allow, w.Deny, relPath)
}

// ExecPolicy is the resolved, immutable policy for one invocation.
type ExecPolicy struct {
	ProjectDir  string      `json:"project_dir"`
	RunRoot     string      `json:"run_root"`
	Image       string      `json:"image"`
	Network     Network     `json:"network"`
	Limits      Limits      `json:"limits"`
	Write       WritePolicy `json:"write"`
	KeepScratch bool        `json:"keep_scratch"`
}

// Options are the caller-supplied knobs for Resolve. Zero values take
// the documented defaults.
type Options struct {
	ProjectDir  string
	RunRoot     string
	Image       string
	Network     Network
	Limits      Limits
	Write       WritePolicy
	KeepScratch bool
}

// DefaultWritePolicy is the conservative default allow/deny set: any
// non-hidden path may be written, but version-control metadata, the
// control directory, and common credential material may not.
func DefaultWritePolicy() WritePolicy {
	return WritePolicy{
		Allow: []string{"*", "**/*"},
		Deny: []string{
			".git/**",
			ControlDirName + "/**",
			"**/*.pem",
			"**/*.key",
			"**/id_rsa*",
			".env",
			".env.*",
		},
	}
}

// Resolve fills defaults and normalizes paths, producing an immutable
// ExecPolicy. The returned policy is safe to share across sessions.
func Resolve(opts Options) (*ExecPolicy, error) {
	if opts.ProjectDir == "" {
		return nil, fmt.Errorf("policy: project dir is required")
	}
	projectDir, err := filepath.Abs(opts.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("policy: resolve project dir: %w", err)
	}
	info, err := os.Stat(projectDir)
	if err != nil {
		return nil, fmt.Errorf("policy: project dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("policy: project dir %s is not a directory", projectDir)
	}

	runRoot := opts.RunRoot
	if runRoot == "" {
		runRoot = filepath.Join(projectDir, ControlDirName, "runs")
	}
	runRoot, err = filepath.Abs(runRoot)
	if err != nil {
		return nil, fmt.Errorf("policy: resolve run root: %w", err)
	}

	p := &ExecPolicy{
		ProjectDir:  projectDir,
		RunRoot:     runRoot,
		Image:       opts.Image,
		Network:     opts.Network,
		Limits:      opts.Limits,
		Write:       opts.Write,
		KeepScratch: opts.KeepScratch,
	}

	if p.Image == "" {
		p.Image = defaultImage
	}
	if p.Network.Mode == "" {
		p.Network.Mode = NetworkDeny
	}
	if p.Network.Mode == NetworkDeny && len(p.Network.AllowCIDRs) > 0 {
		return nil, fmt.Errorf("policy: allow CIDRs given but network mode is deny")
	}
	for _, c := range p.Network.AllowCIDRs {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return nil, fmt.Errorf("policy: invalid CIDR %q: %w", c, err)
		}
	}

	if p.Limits.Timeout <= 0 {
		p.Limits.Timeout = defaultTimeout
	}
	if p.Limits.MemoryBytes <= 0 {
		p.Limits.MemoryBytes = defaultMemoryBytes
	}
	if p.Limits.CPUs <= 0 {
		p.Limits.CPUs = defaultCPUs
	}
	if p.Limits.StdoutBytes <= 0 {
		p.Limits.StdoutBytes = defaultStdoutBytes
	}
	if p.Limits.Pids <= 0 {
		p.Limits.Pids = defaultPids
	}

	if len(p.Write.Allow) == 0 && len(p.Write.Deny) == 0 {
		p.Write = DefaultWritePolicy()
	}
	for _, pat := range append(append([]string{}, p.Write.Allow...), p.Write.Deny...) {
		if _, err := globmatch.Compile(pat); err != nil {
			return nil, fmt.Errorf("policy: invalid write pattern %q: %w", pat, err)
		}
	}

	return p, nil
}

// ExecSpec is the concrete, per-session derivation of an ExecPolicy.
type ExecSpec struct {
	ID          string      `json:"id"`
	Image       string      `json:"image"`
	ProjectDir  string      `json:"project_dir"`
	WorkHostDir string      `json:"work_host_dir"`
	RunDir      string      `json:"run_dir"`
	Network     Network     `json:"network"`
	Limits      Limits      `json:"limits"`
	Write       WritePolicy `json:"write"`
	KeepScratch bool        `json:"keep_scratch"`
}

// ToSpec mints a fresh session id and derives the concrete spec. The
// scratch tree is always placed outside the project so the mirror never
// recurses into itself.
func (p *ExecPolicy) ToSpec() (*ExecSpec, error) {
	id := uuid.NewString()

	base := os.Getenv(ScratchDirEnv)
	if base == "" {
		base = os.TempDir()
	}
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("policy: resolve scratch base: %w", err)
	}
	workHostDir := filepath.Join(base, "sandrun-"+id)
	if within(p.ProjectDir, workHostDir) {
		return nil, fmt.Errorf("policy: scratch base %s is inside project %s", base, p.ProjectDir)
	}

	return &ExecSpec{
		ID:          id,
		Image:       p.Image,
		ProjectDir:  p.ProjectDir,
		WorkHostDir: workHostDir,
		RunDir:      filepath.Join(p.RunRoot, id),
		Network:     p.Network,
		Limits:      p.Limits,
		Write:       p.Write,
		KeepScratch: p.KeepScratch,
	}, nil
}

// within reports whether path is dir or nested under dir.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
