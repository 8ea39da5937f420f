package session

import (
	"bytes"
	"fmt"
)

// StepScriptVersion identifies the generated step-runner template.
// Bump when the script contract changes.
const StepScriptVersion = 1

// stepScriptMarker tags generated scripts so installers can tell them
// apart from a project-supplied runner.
const stepScriptMarker = "# sandrun step runner v"

// IsGeneratedStepScript reports whether data is a script produced by
// RenderStepScript (any version). Project-supplied runners lack the
// marker and are left alone by the installer.
func IsGeneratedStepScript(data []byte) bool {
	return bytes.Contains(data, []byte(stepScriptMarker))
}

// StepScriptParams are the knobs baked into a generated step script.
type StepScriptParams struct {
	TimeoutSec     int
	GraceSec       int
	OutputCapBytes int64
}

// RenderStepScript produces the step-runner shell script. The script
// is invoked as
//
//	step.sh <command> <out-file> <err-file> <meta-file>
//
// and is responsible for the in-boundary concerns: the timeout with
// terminate-then-kill escalation, the output byte cap, and a small
// metadata record with JSON-escaped command text. The function is
// pure: identical params yield byte-identical scripts.
func RenderStepScript(p StepScriptParams) string {
	return fmt.Sprintf(`#!/bin/sh
# sandrun step runner v%d (generated; do not edit)
# usage: step.sh <command> <out-file> <err-file> <meta-file>
set -u

STEP_CMD=$1
STEP_OUT=$2
STEP_ERR=$3
STEP_META=$4

json_escape() {
  printf '%%s' "$1" | sed -e 's/\\/\\\\/g' -e 's/"/\\"/g' -e 's/	/\\t/g' | tr '\n' ' '
}

clip() {
  if [ "$(wc -c <"$1")" -gt %d ]; then
    head -c %d "$1" >"$1.clip" && mv "$1.clip" "$1"
  fi
}

started_at=$(date -u +%%Y-%%m-%%dT%%H:%%M:%%SZ)
timeout -k %ds %ds sh -c "$STEP_CMD" >"$STEP_OUT" 2>"$STEP_ERR"
code=$?
ended_at=$(date -u +%%Y-%%m-%%dT%%H:%%M:%%SZ)

clip "$STEP_OUT"
clip "$STEP_ERR"

killed=null
if [ "$code" -eq 124 ]; then
  killed='"timeout"'
elif [ "$code" -eq 137 ]; then
  killed='"signal"'
fi

printf '{"cmd":"%%s","exit":%%d,"killedBy":%%s,"startedAt":"%%s","endedAt":"%%s"}\n' \
  "$(json_escape "$STEP_CMD")" "$code" "$killed" "$started_at" "$ended_at" >"$STEP_META"

exit "$code"
`, StepScriptVersion, p.OutputCapBytes, p.OutputCapBytes, p.GraceSec, p.TimeoutSec)
}
