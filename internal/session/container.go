package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/manifest"
	"github.com/coderelay/sandrun/internal/policy"
)

// Guest mount points. The project is read-only; the scratch tree is
// the writable working copy the step actually runs in.
const (
	guestProject = "/project"
	guestWork    = "/work"
)

// ContainerBackend runs steps inside a container with a read-only
// root, dropped capabilities, and resource ceilings mapped onto the
// runtime's flags. Artifacts leave the guest through the runtime's cp
// primitive so host and guest stay decoupled after teardown.
type ContainerBackend struct {
	c       *core
	runtime string // "docker" or "podman"
	name    string
	version string

	mu sync.Mutex
	up bool
}

// ContainerRuntimeAvailable reports the first usable container runtime
// binary, or "" when none is installed.
func ContainerRuntimeAvailable() string {
	for _, rt := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(rt); err == nil {
			return rt
		}
	}
	return ""
}

// NewContainer creates a container backend bound to the given runtime
// binary.
func NewContainer(spec *policy.ExecSpec, log *zap.Logger, runtime string) *ContainerBackend {
	return &ContainerBackend{
		c:       newCore(spec, log),
		runtime: runtime,
		name:    "sandrun-" + spec.ID,
	}
}

// Start provisions the scratch tree and boots the session container.
// Idempotent.
func (b *ContainerBackend) Start(ctx context.Context) error {
	if err := b.c.start(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.up {
		return nil
	}

	if out, err := exec.CommandContext(ctx, b.runtime, "--version").Output(); err == nil {
		b.version = strings.TrimSpace(string(out))
	}

	args := BuildContainerRunArgs(b.c.spec, b.runtime, b.name)
	if out, err := exec.CommandContext(ctx, b.runtime, args...).CombinedOutput(); err != nil {
		return infraErrf("start container", "%s run: %v: %s", b.runtime, err, strings.TrimSpace(string(out)))
	}
	b.up = true
	b.c.log.Info("container started",
		zap.String("session", b.c.spec.ID),
		zap.String("runtime", b.runtime),
		zap.String("container", b.name))
	return nil
}

// Exec runs one command through the step script inside the container.
func (b *ContainerBackend) Exec(ctx context.Context, command string) (*StepResult, error) {
	return b.c.exec(ctx, command, b)
}

// Finalize writes the session patch and manifest.
func (b *ContainerBackend) Finalize(ctx context.Context) (*FinalizeResult, error) {
	return b.c.finalize(ctx, manifest.ContainerInfo{
		Backend: b.runtime,
		Name:    b.name,
		Version: b.version,
	})
}

// Destroy stops and removes the container, then the scratch tree.
func (b *ContainerBackend) Destroy(ctx context.Context, opts DestroyOpts) error {
	b.mu.Lock()
	if b.up {
		if out, err := exec.CommandContext(ctx, b.runtime, "rm", "-f", b.name).CombinedOutput(); err != nil {
			b.c.log.Warn("container removal failed",
				zap.String("container", b.name),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(err))
		}
		b.up = false
	}
	b.mu.Unlock()
	return b.c.teardown(opts)
}

func (b *ContainerBackend) runStep(ctx context.Context, command string, files stepFiles) (int, error) {
	b.mu.Lock()
	up := b.up
	b.mu.Unlock()
	if !up {
		return 0, infraErrf("exec step", "container %s not running", b.name)
	}

	guestSteps := guestWork + "/" + stepsDirRel
	backstop := b.c.spec.Limits.Timeout + 2*graceSeconds*time.Second
	stepCtx, cancel := context.WithTimeout(ctx, backstop)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, b.runtime, "exec", b.name,
		"sh", guestWork+"/"+stepScriptRel,
		command,
		guestSteps+"/"+files.Out,
		guestSteps+"/"+files.Err,
		guestSteps+"/"+files.Meta,
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = graceSeconds * time.Second

	return localExitCode(ctx, stepCtx, cmd.Run())
}

func (b *ContainerBackend) collectStep(ctx context.Context, files stepFiles) error {
	guestSteps := guestWork + "/" + stepsDirRel
	var errs []error
	for _, name := range []string{files.Out, files.Err} {
		src := b.name + ":" + guestSteps + "/" + name
		if out, err := exec.CommandContext(ctx, b.runtime, "cp", src, b.c.hostStepPath(name)).CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("%s cp %s: %v: %s", b.runtime, name, err, strings.TrimSpace(string(out))))
		}
	}
	return errors.Join(errs...)
}

// BuildContainerRunArgs assembles the container-create arguments for a
// spec. Exported so the flag mapping can be pinned by tests without a
// runtime installed.
func BuildContainerRunArgs(spec *policy.ExecSpec, runtime, name string) []string {
	args := []string{
		"run", "-d",
		"--name", name,
		"--read-only",
		"--tmpfs", "/tmp",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", strconv.Itoa(spec.Limits.Pids),
		"--cpus", strconv.FormatFloat(spec.Limits.CPUs, 'f', -1, 64),
		"--memory", strconv.FormatInt(spec.Limits.MemoryBytes, 10),
	}
	args = append(args, networkArgs(spec.Network, runtime)...)
	args = append(args,
		"-v", spec.ProjectDir+":"+guestProject+":ro",
		"-v", spec.WorkHostDir+":"+guestWork+":rw",
		"-w", guestWork,
		spec.Image,
		"sleep", "infinity",
	)
	return args
}

// networkArgs maps the network policy onto runtime flags. Deny is a
// hard --network none; allow uses user-mode networking, with the CIDR
// allow list exported to the guest for in-boundary filtering.
func networkArgs(n policy.Network, runtime string) []string {
	if n.Mode != policy.NetworkAllow {
		return []string{"--network", "none"}
	}
	var args []string
	if runtime == "podman" {
		args = append(args, "--network", "slirp4netns:allow_host_loopback=false")
	} else {
		args = append(args, "--network", "bridge")
	}
	if len(n.AllowCIDRs) > 0 {
		args = append(args, "--env", "SANDRUN_ALLOW_CIDRS="+strings.Join(n.AllowCIDRs, ","))
	}
	return args
}
