package broker

import (
	"context"
	"sync"

	"github.com/doughall/zfsbroker/internal/helper"
)

// Remote is the live helper channel handed to a task.
type Remote interface {
	Call(ctx context.Context, command helper.Command, payload any) error
}

// TaskFunc runs against the helper once a channel is available. Returning a
// connection error (see IsRetryable) requeues the task while its retry budget
// lasts; any other result is final.
type TaskFunc func(ctx context.Context, remote Remote) error

// ReplyFunc receives a task's final result. It is called exactly once, from a
// broker goroutine, and must not block.
type ReplyFunc func(err error)

// reply wraps a ReplyFunc so it can only fire once.
type reply struct {
	once sync.Once
	fn   ReplyFunc
}

func newReply(fn ReplyFunc) *reply {
	return &reply{fn: fn}
}

// resolve fires the callback on the first call and reports whether it did.
func (r *reply) resolve(err error) bool {
	fired := false
	r.once.Do(func() {
		fired = true
		if r.fn != nil {
			r.fn(err)
		}
	})
	return fired
}

// pendingTask is a unit of work waiting for, or running on, a helper channel.
type pendingTask struct {
	id    string
	ctx   context.Context
	run   TaskFunc
	reply *reply
	// stopWatch releases the context watch set up on submission.
	stopWatch func() bool

	// remaining counts retries left. It goes negative once the budget is spent.
	remaining int
	failures  int
	attempts  int
	lastErr   error

	// chargedCycle is the last connect cycle whose failure was charged to this
	// task, so that one failure is never counted twice.
	chargedCycle uint64
}

// charge records the failure of connect cycle for this task and reports
// whether the retry budget is now exhausted.
func (t *pendingTask) charge(cycle uint64, cause error) bool {
	if t.chargedCycle != cycle {
		t.chargedCycle = cycle
		t.remaining--
		t.failures++
		t.lastErr = cause
	}
	return t.remaining < 0
}

func (t *pendingTask) exhausted() error {
	return &RetriesExhaustedError{Failures: t.failures, Last: t.lastErr}
}

// resolution is a reply to fire once the manager lock is released.
type resolution struct {
	task *pendingTask
	err  error
}

func fire(resolutions []resolution) {
	for _, r := range resolutions {
		if r.task.stopWatch != nil {
			r.task.stopWatch()
		}
		r.task.reply.resolve(r.err)
	}
}
