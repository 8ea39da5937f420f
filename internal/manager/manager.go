// Package manager owns the keyed session registry. It resolves policy
// into a spec, provisions the step-runner script, selects a backend,
// and guarantees that at most one live session exists per key.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/policy"
	"github.com/coderelay/sandrun/internal/session"
)

// StepScriptEnv points at an explicit step-runner script override.
const StepScriptEnv = "SANDRUN_STEP_SCRIPT"

// Overrides configure a session at creation time.
type Overrides struct {
	Policy   policy.Options
	Backend  session.BackendKind
	LocalTTY bool
}

// entry serializes creation per key: the entry lock is held across
// resolve/provision/start, so two concurrent GetOrCreate calls for the
// same unseen key never provision two scratch trees.
type entry struct {
	mu   sync.Mutex
	sess session.Backend
	spec *policy.ExecSpec
}

// Manager is the session registry. The registry map is the only shared
// mutable structure; it is mutated exclusively through GetOrCreate and
// Finalize.
type Manager struct {
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// New creates an empty Manager.
func New(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log, sessions: make(map[string]*entry)}
}

// GetOrCreate returns the live session for key, creating and starting
// one if none exists. Creation for a given key is serialized; a failed
// creation leaves the key free for retry.
func (m *Manager) GetOrCreate(ctx context.Context, key string, opts Overrides) (session.Backend, error) {
	m.mu.Lock()
	e, ok := m.sessions[key]
	if !ok {
		e = &entry{}
		m.sessions[key] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil {
		return e.sess, nil
	}

	sess, spec, err := m.create(ctx, key, opts)
	if err != nil {
		m.mu.Lock()
		if m.sessions[key] == e {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
		return nil, err
	}
	e.sess, e.spec = sess, spec
	return sess, nil
}

func (m *Manager) create(ctx context.Context, key string, opts Overrides) (session.Backend, *policy.ExecSpec, error) {
	pol, err := policy.Resolve(opts.Policy)
	if err != nil {
		return nil, nil, err
	}
	spec, err := pol.ToSpec()
	if err != nil {
		return nil, nil, err
	}
	if _, err := EnsureStepScript(spec); err != nil {
		return nil, nil, err
	}

	sess, err := session.Select(opts.Backend, spec, m.log, session.LocalOptions{TTY: opts.LocalTTY})
	if err != nil {
		return nil, nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, nil, err
	}

	m.log.Info("session created",
		zap.String("key", key),
		zap.String("session", spec.ID))
	return sess, spec, nil
}

// Finalize finalizes, destroys, and evicts the session for key. An
// unknown key is a no-op and returns a nil result.
func (m *Manager) Finalize(ctx context.Context, key string) (*session.FinalizeResult, error) {
	m.mu.Lock()
	e, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, nil
	}

	fin, finErr := e.sess.Finalize(ctx)
	if err := e.sess.Destroy(ctx, session.DestroyOpts{}); err != nil {
		m.log.Warn("session teardown failed",
			zap.String("key", key),
			zap.Error(err))
	}
	if finErr != nil {
		return nil, finErr
	}
	m.log.Info("session finalized",
		zap.String("key", key),
		zap.String("session", e.spec.ID))
	return fin, nil
}

// Keys lists the live session keys.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}

// EnsureStepScript installs the step-runner script into the project's
// control directory, where the scratch mirror picks it up. Resolution
// order: explicit override path, project-local script, built-in
// template. The installed script is executable. Returns the installed
// path.
func EnsureStepScript(spec *policy.ExecSpec) (string, error) {
	controlDir := filepath.Join(spec.ProjectDir, policy.ControlDirName)
	target := filepath.Join(controlDir, "step.sh")

	if override := os.Getenv(StepScriptEnv); override != "" {
		data, err := os.ReadFile(override)
		if err != nil {
			return "", fmt.Errorf("manager: step script override %s: %w", override, err)
		}
		if err := installScript(target, data); err != nil {
			return "", err
		}
		return target, nil
	}

	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() {
		data, err := os.ReadFile(target)
		if err != nil {
			return "", fmt.Errorf("manager: step script: %w", err)
		}
		// A previously generated script must not shadow the template:
		// it was rendered for an earlier session's limits. Only a
		// project-supplied runner is preserved.
		if !session.IsGeneratedStepScript(data) {
			if err := os.Chmod(target, 0o755); err != nil {
				return "", fmt.Errorf("manager: step script: %w", err)
			}
			return target, nil
		}
	}

	script := session.RenderStepScript(session.StepScriptParams{
		TimeoutSec:     int(spec.Limits.Timeout / time.Second),
		GraceSec:       5,
		OutputCapBytes: spec.Limits.StdoutBytes,
	})
	if err := installScript(target, []byte(script)); err != nil {
		return "", err
	}
	return target, nil
}

func installScript(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("manager: step script: %w", err)
	}
	if err := os.WriteFile(target, data, 0o755); err != nil {
		return fmt.Errorf("manager: step script: %w", err)
	}
	return nil
}
