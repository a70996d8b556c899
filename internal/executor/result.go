package executor

import (
	"strings"
	"time"
)

// Result is the outcome of one program run. The installer reads the version
// probe from Stdout, and failures surface Stderr to the caller.
type Result struct {
	// ExitCode is the process exit code. -1 indicates timeout or signal death.
	ExitCode int

	Stdout string
	Stderr string

	// Duration is how long the process took to run.
	Duration time.Duration

	// TimedOut is true if the process was killed due to timeout.
	TimedOut bool
}

// Succeeded reports a clean zero exit.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Output returns trimmed stdout.
func (r *Result) Output() string {
	return strings.TrimSpace(r.Stdout)
}

// Diagnostic returns the most useful text for an error message: stderr when
// present, otherwise stdout.
func (r *Result) Diagnostic() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return r.Output()
}
