package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/doughall/zfsbroker/internal/helper"
	"github.com/doughall/zfsbroker/internal/installer"
	"github.com/doughall/zfsbroker/internal/rights"
)

// Errors delivered to reply callbacks. Only the connection errors are retried
// by the broker; everything else reaches the caller on the first occurrence.
var (
	// ErrRightDenied and ErrRightCancelled come from the rights store.
	ErrRightDenied    = rights.ErrDenied
	ErrRightCancelled = rights.ErrCancelled

	// ErrInstallationFailed means the helper could not be placed or updated.
	ErrInstallationFailed = installer.ErrInstallationFailed

	// ErrConnectionFailed means no channel to the helper could be opened.
	ErrConnectionFailed = errors.New("helper connection failed")

	// ErrConnectionInvalidated means an open channel went away.
	ErrConnectionInvalidated = errors.New("helper connection invalidated")

	// ErrHelperOutdated accompanies ErrConnectionFailed when the handshake
	// reached a helper of another version.
	ErrHelperOutdated = errors.New("helper version mismatch")

	// ErrRetriesExhausted is matched by every *RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("helper connection retries exhausted")

	// ErrHelperOperationFailed is matched by every *HelperOperationFailedError.
	ErrHelperOperationFailed = errors.New("helper operation failed")

	ErrInvalidRequest = errors.New("invalid request")
	ErrBrokerClosed   = errors.New("broker closed")
)

// RetriesExhaustedError is delivered once a task's retry budget is spent.
type RetriesExhaustedError struct {
	Failures int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d connection failures: %v", e.Failures, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// HelperOperationFailedError passes the helper's own failure through unchanged.
type HelperOperationFailedError struct {
	Remote *helper.RemoteError
}

func (e *HelperOperationFailedError) Error() string {
	return e.Remote.Error()
}

func (e *HelperOperationFailedError) Unwrap() error {
	return e.Remote
}

func (e *HelperOperationFailedError) Is(target error) bool {
	return target == ErrHelperOperationFailed
}

// IsRetryable reports whether err is a connection-layer failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrConnectionInvalidated)
}

// Kind names the class of a reply error for logs and the journal.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrInstallationFailed):
		return "install_failed"
	case errors.Is(err, ErrRightDenied):
		return "denied"
	case errors.Is(err, ErrRightCancelled):
		return "cancelled"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, ErrHelperOperationFailed):
		return "helper_failed"
	case errors.Is(err, ErrBrokerClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "aborted"
	default:
		return "error"
	}
}
