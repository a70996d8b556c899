// Package rights obtains authorization for privileged operations from the
// host's policy authority. Acquiring a right may put a credential prompt in
// front of the user, so callers must never invoke Store.Acquire on a goroutine
// that has to stay responsive.
package rights

import (
	"context"
	"errors"
	"fmt"
)

// Right names one privileged capability. The set is fixed at compile time.
type Right string

const (
	ImportPools        Right = "import-pools"
	MountFilesystems   Right = "mount-filesystems"
	UnmountFilesystems Right = "unmount-filesystems"
	LoadKey            Right = "load-key"
	ScrubPool          Right = "scrub-pool"
	InstallHelper      Right = "install-helper"
)

// All lists every right, in a stable order.
var All = []Right{ImportPools, MountFilesystems, UnmountFilesystems, LoadKey, ScrubPool, InstallHelper}

// ActionID is the policy action identifier for r under prefix,
// e.g. "io.zfsbroker.scrub-pool".
func (r Right) ActionID(prefix string) string {
	return prefix + "." + string(r)
}

// Outcomes other than a grant. Neither is worth retrying without new input
// from the user.
var (
	ErrDenied    = errors.New("authorization denied")
	ErrCancelled = errors.New("authorization cancelled by user")
)

// SystemError reports that the policy authority itself could not be asked.
type SystemError struct {
	Right Right
	Err   error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("acquire right %s: %v", e.Right, e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

// Store acquires rights. A nil error means the right was granted.
// Otherwise the error wraps ErrDenied or ErrCancelled, or is a *SystemError.
type Store interface {
	Acquire(ctx context.Context, right Right) error
}

// StoreFunc adapts a function to Store.
type StoreFunc func(ctx context.Context, right Right) error

// Acquire calls f.
func (f StoreFunc) Acquire(ctx context.Context, right Right) error {
	return f(ctx, right)
}
