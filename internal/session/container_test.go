package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coderelay/sandrun/internal/policy"
)

func containerTestSpec() *policy.ExecSpec {
	return &policy.ExecSpec{
		ID:          "abc123",
		Image:       "debian:bookworm-slim",
		ProjectDir:  "/proj",
		WorkHostDir: "/tmp/sandrun-abc123",
		Network:     policy.Network{Mode: policy.NetworkDeny},
		Limits: policy.Limits{
			MemoryBytes: 512 * 1024 * 1024,
			CPUs:        1,
			Pids:        128,
		},
	}
}

func TestBuildContainerRunArgs(t *testing.T) {
	spec := containerTestSpec()
	args := BuildContainerRunArgs(spec, "docker", "sandrun-abc123")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--name sandrun-abc123")
	assert.Contains(t, joined, "--read-only")
	assert.Contains(t, joined, "--cap-drop ALL")
	assert.Contains(t, joined, "--security-opt no-new-privileges")
	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "--pids-limit 128")
	assert.Contains(t, joined, "--cpus 1")
	assert.Contains(t, joined, "--memory 536870912")
	assert.Contains(t, joined, "-v /proj:/project:ro")
	assert.Contains(t, joined, "-v /tmp/sandrun-abc123:/work:rw")
	assert.Contains(t, joined, "-w /work")
	// The command keeps the container alive for repeated exec calls.
	assert.Equal(t, []string{"debian:bookworm-slim", "sleep", "infinity"}, args[len(args)-3:])
}

func TestNetworkArgs_AllowModes(t *testing.T) {
	n := policy.Network{Mode: policy.NetworkAllow, AllowCIDRs: []string{"10.0.0.0/8", "192.168.1.0/24"}}

	docker := strings.Join(networkArgs(n, "docker"), " ")
	assert.Contains(t, docker, "--network bridge")
	assert.Contains(t, docker, "SANDRUN_ALLOW_CIDRS=10.0.0.0/8,192.168.1.0/24")

	podman := strings.Join(networkArgs(n, "podman"), " ")
	assert.Contains(t, podman, "slirp4netns:allow_host_loopback=false")
}

func TestParseBackendKind(t *testing.T) {
	tests := []struct {
		input   string
		want    BackendKind
		wantErr bool
	}{
		{"auto", BackendAuto, false},
		{"container", BackendContainer, false},
		{"local", BackendLocal, false},
		{"mock", BackendMock, false},
		{"", BackendAuto, false},
		{"vm", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBackendKind(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
