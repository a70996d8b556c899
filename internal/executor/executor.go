// Package executor runs zpool, zfs and the helper install command without a
// shell, capturing output and killing the whole process group on timeout.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Executor runs programs directly (no shell) with output capture.
type Executor struct {
	// Env, when non-nil, replaces the child's environment.
	Env []string
}

// New creates a new Executor with default settings.
func New() *Executor {
	return &Executor{}
}

// Run executes name with args under the given timeout.
// A non-zero exit or a timeout is reported in the Result, not as an error.
// An error is returned only when the program could not be started.
func (e *Executor) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error) {
	return e.RunWithInput(ctx, timeout, nil, name, args...)
}

// RunWithInput is Run with stdin supplied from input, e.g. a key passphrase.
// input is not retained after the call.
func (e *Executor) RunWithInput(ctx context.Context, timeout time.Duration, input []byte, name string, args ...string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = e.Env
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	// zpool import may fork; the whole group goes on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := &Result{Duration: time.Since(start), Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode, res.TimedOut = -1, true
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
}
