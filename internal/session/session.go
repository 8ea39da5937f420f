// Package session implements the sandboxed session lifecycle: mirror
// the project into a scratch tree, run steps under an isolation
// boundary, journal every filesystem change through git, enforce the
// write policy per step, and assemble the run manifest at finalize.
//
// Three backends implement the same contract: Container (isolated,
// resource-limited), Local (host subprocess with a scrubbed
// environment), and Mock (deterministic, executes nothing).
package session

import (
	"context"
	"fmt"
)

// ExitPolicyViolation is the reserved exit code reported when a step's
// changes touched a path outside the write policy. The step's commit
// is reverted; the session stays usable.
const ExitPolicyViolation = 3

// exitTimeout is what timeout(1) reports when the terminate signal
// fires; exitKilled when the follow-up kill signal was needed.
const (
	exitTimeout = 124
	exitKilled  = 137
)

// StepResult is the outcome of one Exec call. A failing command is a
// normal result, never an error.
type StepResult struct {
	OK         bool
	ExitCode   int
	StdoutFile string
	StderrFile string
	// Violations lists policy-violating paths when ExitCode is
	// ExitPolicyViolation.
	Violations []string
}

// FinalizeResult points at the artifacts a finalized session produced.
// PatchPath is empty when the session changed nothing.
type FinalizeResult struct {
	ManifestPath string
	PatchPath    string
}

// DestroyOpts controls teardown.
type DestroyOpts struct {
	// KeepScratch leaves the scratch tree on disk for debugging.
	KeepScratch bool
}

// Backend is the uniform lifecycle contract.
//
// Start is idempotent. Exec reports command and policy failures in the
// StepResult; only infrastructure failures return an error, and those
// invalidate the session. Finalize may be called once; Destroy tears
// down the isolation boundary and the scratch tree.
type Backend interface {
	Start(ctx context.Context) error
	Exec(ctx context.Context, command string) (*StepResult, error)
	Finalize(ctx context.Context) (*FinalizeResult, error)
	Destroy(ctx context.Context, opts DestroyOpts) error
}

// InfraError marks a provisioning or runtime failure. Callers must
// abandon the session when they see one.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

func infraErr(op string, err error) *InfraError {
	return &InfraError{Op: op, Err: err}
}

func infraErrf(op, format string, args ...any) *InfraError {
	return &InfraError{Op: op, Err: fmt.Errorf(format, args...)}
}
