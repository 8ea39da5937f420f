package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/coderelay/sandrun/internal/policy"
)

// BackendKind names a backend selection.
type BackendKind string

const (
	// BackendAuto probes the environment: container runtime if one is
	// installed, local otherwise.
	BackendAuto      BackendKind = "auto"
	BackendContainer BackendKind = "container"
	BackendLocal     BackendKind = "local"
	BackendMock      BackendKind = "mock"
)

// ParseBackendKind validates a configuration string.
func ParseBackendKind(s string) (BackendKind, error) {
	switch BackendKind(s) {
	case BackendAuto, BackendContainer, BackendLocal, BackendMock:
		return BackendKind(s), nil
	case "":
		return BackendAuto, nil
	default:
		return "", fmt.Errorf("invalid backend %q: must be auto, container, local, or mock", s)
	}
}

// Select chooses and constructs a backend for the spec. The choice is
// a pure function of the kind and the environment probe; it never
// changes over the life of the session.
func Select(kind BackendKind, spec *policy.ExecSpec, log *zap.Logger, local LocalOptions) (Backend, error) {
	switch kind {
	case BackendMock:
		return NewMock(spec, log), nil
	case BackendLocal:
		return NewLocal(spec, log, local), nil
	case BackendContainer:
		rt := ContainerRuntimeAvailable()
		if rt == "" {
			return nil, fmt.Errorf("session: no container runtime on PATH")
		}
		return NewContainer(spec, log, rt), nil
	case BackendAuto, "":
		if rt := ContainerRuntimeAvailable(); rt != "" {
			return NewContainer(spec, log, rt), nil
		}
		if log != nil {
			log.Warn("no container runtime found, falling back to local backend",
				zap.String("session", spec.ID))
		}
		return NewLocal(spec, log, local), nil
	default:
		return nil, fmt.Errorf("session: unknown backend kind %q", kind)
	}
}
