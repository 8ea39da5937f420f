// Package review triages session patches: apply, ask, skip, or
// reject, bounded by safety caps on patch size and sensitive paths.
package review

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Mode is the review posture.
type Mode string

const (
	// ModeAsk always shows the patch and prompts.
	ModeAsk Mode = "ask"
	// ModeAuto applies without asking when every safety cap holds.
	ModeAuto Mode = "auto"
	// ModeNever skips every patch.
	ModeNever Mode = "never"
)

// ParseMode validates a configuration string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAsk, ModeAuto, ModeNever:
		return Mode(s), nil
	case "":
		return ModeAsk, nil
	default:
		return "", fmt.Errorf("invalid review mode %q: must be ask, auto, or never", s)
	}
}

// Caps are the safety ceilings for auto mode.
type Caps struct {
	MaxFiles     int
	MaxDeletions int
	MaxBytes     int64
	// Restricted paths force interactive review even under auto.
	// Entries are prefixes or glob patterns.
	Restricted []string
}

// DefaultCaps returns the stock ceilings.
func DefaultCaps() Caps {
	return Caps{
		MaxFiles:     20,
		MaxDeletions: 10,
		MaxBytes:     200 * 1024,
		Restricted: []string{
			".github/",
			".git/",
			"Makefile",
			"go.mod",
			"go.sum",
			"**/*.pem",
		},
	}
}

// Action is the triage outcome.
type Action int

const (
	ActionSkip Action = iota
	ActionApply
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionApply:
		return "apply"
	case ActionReject:
		return "reject"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Decision is the engine's verdict. CommitMessage is set only for
// ActionApply; Reason only for ActionSkip.
type Decision struct {
	Action        Action
	Reason        string
	CommitMessage string
}

func skip(reason string) Decision {
	return Decision{Action: ActionSkip, Reason: reason}
}

func apply(msg string) Decision {
	return Decision{Action: ActionApply, CommitMessage: msg}
}

// Prompter is the interactive collaborator for ask-mode review. It
// displays the patch and returns the user's yes/no answer.
type Prompter interface {
	Confirm(ctx context.Context, summary string, patch []byte) (bool, error)
}

// Engine triages patches.
type Engine struct {
	caps     Caps
	prompter Prompter
	log      *zap.Logger
}

// NewEngine creates an engine. prompter may be nil when no terminal is
// available; ask-mode review then degrades to skip.
func NewEngine(caps Caps, prompter Prompter, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{caps: caps, prompter: prompter, log: log}
}

// withinCaps reports whether the patch satisfies every auto-apply cap.
func (e *Engine) withinCaps(s Stats) bool {
	return s.AppliesCleanly &&
		s.Files <= e.caps.MaxFiles &&
		s.Deletions <= e.caps.MaxDeletions &&
		s.Bytes <= e.caps.MaxBytes &&
		!s.TouchesRestricted
}

// Review runs the decision table. interactive reports whether a
// terminal (and prompter) is available for confirmation.
func (e *Engine) Review(ctx context.Context, mode Mode, stats Stats, patch []byte, interactive bool) (Decision, error) {
	if stats.Empty() {
		return skip("empty patch"), nil
	}
	if mode == ModeNever {
		return skip("review disabled"), nil
	}

	switch mode {
	case ModeAuto:
		if e.withinCaps(stats) {
			return apply(AutoCommitMessage(stats)), nil
		}
		e.log.Info("auto caps exceeded, degrading to interactive review",
			zap.Int("files", stats.Files),
			zap.Int("deletions", stats.Deletions),
			zap.Int64("bytes", stats.Bytes),
			zap.Bool("clean", stats.AppliesCleanly),
			zap.Bool("restricted", stats.TouchesRestricted))
		if !interactive || e.prompter == nil {
			return skip("auto caps exceeded and no terminal for confirmation"), nil
		}
		return e.confirm(ctx, stats, patch)

	case ModeAsk:
		if !interactive || e.prompter == nil {
			return skip("interactive review required and no terminal"), nil
		}
		return e.confirm(ctx, stats, patch)

	default:
		return skip(fmt.Sprintf("unknown review mode %q", mode)), nil
	}
}

func (e *Engine) confirm(ctx context.Context, stats Stats, patch []byte) (Decision, error) {
	ok, err := e.prompter.Confirm(ctx, stats.Summary(), patch)
	if err != nil {
		return Decision{}, fmt.Errorf("review: confirm: %w", err)
	}
	if !ok {
		return Decision{Action: ActionReject}, nil
	}
	return apply(AutoCommitMessage(stats)), nil
}

// AutoCommitMessage builds the commit message for an applied patch.
func AutoCommitMessage(s Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sandrun: apply session patch (%d file", s.Files)
	if s.Files != 1 {
		b.WriteString("s")
	}
	fmt.Fprintf(&b, ", +%d/-%d)", s.Additions, s.Deletions)
	return b.String()
}
