// Package version provides build-time version information.
//
// Set at build time via:
//
//	go build -ldflags "-X github.com/coderelay/sandrun/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

// Version is the release version, set at build time via ldflags.
var Version = "dev"

// GitCommit is the short git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// String renders "version (commit)".
func String() string {
	return Version + " (" + GitCommit + ")"
}
