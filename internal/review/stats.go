package review

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/coderelay/sandrun/internal/gitcli"
	"github.com/coderelay/sandrun/internal/globmatch"
)

// Stats summarizes a patch for triage without applying it.
type Stats struct {
	Files             int
	Additions         int
	Deletions         int
	Bytes             int64
	AppliesCleanly    bool
	TouchesRestricted bool
	// Paths are the files the patch touches, in numstat order.
	Paths []string
}

// Empty reports whether the patch changes nothing.
func (s Stats) Empty() bool {
	return s.Files == 0 && s.Bytes == 0
}

// Summary renders a one-line description for prompts and logs.
func (s Stats) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d file", s.Files)
	if s.Files != 1 {
		b.WriteString("s")
	}
	fmt.Fprintf(&b, " changed, +%d/-%d, %d bytes", s.Additions, s.Deletions, s.Bytes)
	if !s.AppliesCleanly {
		b.WriteString(" [does not apply cleanly]")
	}
	if s.TouchesRestricted {
		b.WriteString(" [touches restricted paths]")
	}
	return b.String()
}

// ComputeStats inspects a patch against a project with git dry runs:
// `git apply --numstat` for the file tally and `git apply --check`
// for applicability. Nothing in the project is modified.
func ComputeStats(ctx context.Context, projectDir, patchPath string, restricted []string) (Stats, error) {
	info, err := os.Stat(patchPath)
	if err != nil {
		return Stats{}, fmt.Errorf("review: stat patch: %w", err)
	}

	var stats Stats
	stats.Bytes = info.Size()
	if stats.Bytes == 0 {
		return stats, nil
	}

	g := gitcli.New(projectDir)

	numstat, err := g.Output(ctx, "apply", "--numstat", patchPath)
	if err != nil {
		return Stats{}, fmt.Errorf("review: numstat: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(numstat), "\n") {
		if line == "" {
			continue
		}
		// Format: <added>\t<deleted>\t<path>; "-" for binary files.
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		if n, err := strconv.Atoi(parts[0]); err == nil {
			stats.Additions += n
		}
		if n, err := strconv.Atoi(parts[1]); err == nil {
			stats.Deletions += n
		}
		stats.Paths = append(stats.Paths, parts[2])
	}
	stats.Files = len(stats.Paths)

	check := g.Run(ctx, "apply", "--check", patchPath)
	stats.AppliesCleanly = check.OK

	stats.TouchesRestricted = touchesRestricted(stats.Paths, restricted)
	return stats, nil
}

// touchesRestricted matches paths against the restricted list. An
// entry ending in "/" is a directory prefix, an entry containing glob
// metacharacters is a pattern, anything else is an exact path.
func touchesRestricted(paths, restricted []string) bool {
	var prefixes, exact, globs []string
	for _, r := range restricted {
		switch {
		case strings.HasSuffix(r, "/"):
			prefixes = append(prefixes, r)
		case strings.ContainsAny(r, "*?["):
			globs = append(globs, r)
		default:
			exact = append(exact, r)
		}
	}
	for _, p := range paths {
		for _, pre := range prefixes {
			if strings.HasPrefix(p, pre) {
				return true
			}
		}
		for _, e := range exact {
			if p == e {
				return true
			}
		}
		if globmatch.MatchAny(globs, p) {
			return true
		}
	}
	return false
}
