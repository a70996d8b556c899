package main

import (
	"errors"

	"github.com/doughall/zfsbroker/internal/broker"
)

// Exit codes. Scripts can tell authorization problems from helper failures
// without parsing messages.
const (
	exitOK            = 0
	exitFailure       = 1
	exitUsage         = 2
	exitDenied        = 3
	exitCancelled     = 4
	exitInstallFailed = 5
	exitUnavailable   = 6
	exitHelperFailed  = 7
	exitTimeout       = 8
	exitInterrupted   = 130
)

// exitError carries an explicit exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCode maps an error from a command to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}

	switch broker.Kind(err) {
	case "invalid":
		return exitUsage
	case "denied":
		return exitDenied
	case "cancelled":
		return exitCancelled
	case "install_failed":
		return exitInstallFailed
	case "retries_exhausted", "closed":
		return exitUnavailable
	case "helper_failed":
		return exitHelperFailed
	case "timeout":
		return exitTimeout
	case "aborted":
		return exitInterrupted
	default:
		return exitFailure
	}
}
