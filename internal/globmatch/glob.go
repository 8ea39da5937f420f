// Package globmatch compiles allow/deny path patterns into matchers.
//
// Patterns use a restricted glob dialect over slash-separated relative
// paths:
//
//   - '*' matches within a single path segment and will not match a
//     leading dot unless the pattern segment itself starts with a dot
//   - '?' is the single-character analog of '*'
//   - '**' matches whole path segments, none of which may start with a
//     dot; at the start of a pattern ("**/x") it requires at least one
//     directory segment, so "**/*" never matches a top-level file
//   - a trailing "/**" matches the named directory itself or anything
//     nested beneath it
//
// Patterns compile to plain regular expressions with no lookahead or
// lookbehind, so the compiled form stays portable across engines.
package globmatch

import (
	"errors"
	"regexp"
	"strings"
)

// segAny matches one path segment that does not start with a dot.
const segAny = `[^/.][^/]*`

// neverMatch is a fragment that matches no string at all. Used for
// segment branches that cannot be satisfied (e.g. '*' forced onto a
// literal leading dot).
const neverMatch = `[^\s\S]`

// Matcher is a compiled pattern.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// Compile turns a glob pattern into a Matcher.
func Compile(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, errors.New("globmatch: empty pattern")
	}
	p := normalize(pattern)

	segs := strings.Split(p, "/")
	var b strings.Builder
	b.WriteString("^")
	needSep := false
	for i, seg := range segs {
		if seg == "" {
			return nil, errors.New("globmatch: empty path segment in " + pattern)
		}
		last := i == len(segs)-1
		if seg == "**" {
			if last {
				if i == 0 {
					// "**" alone: any path made of non-dot segments.
					b.WriteString("(?:" + segAny + "(?:/" + segAny + ")*)?")
				} else {
					// trailing "/**": the directory itself or anything below.
					b.WriteString("(?:/" + segAny + ")*")
				}
			} else if i == 0 {
				// Leading "**/" requires at least one directory segment.
				b.WriteString("(?:" + segAny + "/)+")
			} else {
				if needSep {
					b.WriteString("/")
				}
				b.WriteString("(?:" + segAny + "/)*")
			}
			needSep = false
			continue
		}
		if needSep {
			b.WriteString("/")
		}
		b.WriteString(translateSegment(seg))
		needSep = true
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, errors.New("globmatch: cannot compile " + pattern + ": " + err.Error())
	}
	return &Matcher{pattern: pattern, re: re}, nil
}

// Pattern returns the original pattern text.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Match reports whether the relative path matches the pattern.
func (m *Matcher) Match(relPath string) bool {
	return m.re.MatchString(normalize(relPath))
}

// MatchAny reports whether relPath matches any of the patterns.
// Invalid patterns are skipped.
func MatchAny(patterns []string, relPath string) bool {
	rel := normalize(relPath)
	for _, p := range patterns {
		m, err := Compile(p)
		if err != nil {
			continue
		}
		if m.re.MatchString(rel) {
			return true
		}
	}
	return false
}

// Allowed applies the write policy to relPath: the path must match at
// least one allow pattern, and deny always wins over allow.
func Allowed(allow, deny []string, relPath string) bool {
	if MatchAny(deny, relPath) {
		return false
	}
	return MatchAny(allow, relPath)
}

// normalize converts separators to '/' and strips a leading "./".
func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}

// translateSegment converts one pattern segment to a regexp fragment,
// applying the leading-dot rule: unless the pattern segment itself
// starts with a dot, it must not match a segment that does.
func translateSegment(seg string) string {
	if strings.HasPrefix(seg, ".") {
		return translatePlain(seg)
	}
	re, ok := translateNoDot(seg)
	if !ok {
		return neverMatch
	}
	return re
}

// translateNoDot builds a fragment whose matches cannot start with a
// dot. The bool is false when the segment can never satisfy that.
func translateNoDot(seg string) (string, bool) {
	if seg == "" {
		return "", false
	}
	switch seg[0] {
	case '*':
		rest := strings.TrimLeft(seg, "*")
		if rest == "" {
			return segAny, true
		}
		// Either the star consumes at least one (non-dot) character,
		// or it matches empty and the rest carries the dot rule.
		alt := segAny + translatePlain(rest)
		if emptyRe, ok := translateNoDot(rest); ok {
			return "(?:" + emptyRe + "|" + alt + ")", true
		}
		return "(?:" + alt + ")", true
	case '?':
		return "[^/.]" + translatePlain(seg[1:]), true
	case '.':
		return "", false
	default:
		return translatePlain(seg), true
	}
}

// translatePlain converts a segment without the leading-dot rule.
func translatePlain(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		switch seg[i] {
		case '*':
			for i+1 < len(seg) && seg[i+1] == '*' {
				i++
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(seg[i])))
		}
	}
	return b.String()
}
