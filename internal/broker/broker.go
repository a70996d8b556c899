// Package broker performs privileged ZFS operations on behalf of an
// unprivileged process by forwarding them to the root helper.
//
// Each operation is authorized against the rights store, queued until a
// channel to the helper exists, and answered through a callback that fires
// exactly once. Connection failures are retried within a per-task budget,
// and the helper is reinstalled between attempts when it turns out to be
// missing or stale.
//
// Usage:
//
//	b := broker.New(broker.Options{Rights: store, Installer: inst, Dialer: dialer, Logger: logger})
//	b.ConnectToAuthorization()
//	b.ScrubPool(ctx, broker.ScrubPoolRequest{Pool: "tank"}, func(err error) { ... })
package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/doughall/zfsbroker/internal/rights"
)

// HelperInstaller keeps the helper installed and can force a reinstall.
type HelperInstaller interface {
	Installer
	Install(ctx context.Context) error
}

// Options configures a Broker.
type Options struct {
	Rights    rights.Store
	Installer HelperInstaller
	Dialer    Dialer
	// Recorder, if set, receives every finished operation.
	Recorder Recorder
	// MaxFailures is the default retry budget per task. Negative selects
	// DefaultMaxFailures.
	MaxFailures int
	// CallTimeout bounds each helper call when positive.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Broker is the entry point for the application. Safe for concurrent use.
type Broker struct {
	rights     rights.Store
	installer  HelperInstaller
	manager    *Manager
	dispatcher *Dispatcher
	logger     *slog.Logger

	connectOnce sync.Once
}

// New creates a disconnected broker. Nothing is dialed or installed until
// ConnectToAuthorization or the first operation.
func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var inst Installer
	if opts.Installer != nil {
		inst = opts.Installer
	}
	manager := NewManager(opts.Dialer, inst, opts.MaxFailures, logger)

	return &Broker{
		rights:     opts.Rights,
		installer:  opts.Installer,
		manager:    manager,
		dispatcher: NewDispatcher(opts.Rights, manager, opts.Recorder, opts.CallTimeout, logger),
		logger:     logger.With(slog.String("component", "broker")),
	}
}

// ConnectToAuthorization prepares the rights store and primes the helper
// connection. It never installs the helper, never blocks and may be called
// any number of times.
func (b *Broker) ConnectToAuthorization() {
	b.connectOnce.Do(func() {
		if c, ok := b.rights.(interface{ Connect() error }); ok {
			go func() {
				if err := c.Connect(); err != nil {
					b.logger.Warn("rights store unavailable", slog.String("error", err.Error()))
				}
			}()
		}
	})
	b.manager.Prime()
}

// Install reinstalls the helper unconditionally and blocks until done. A live
// channel is dropped so that later operations reach the new helper.
func (b *Broker) Install(ctx context.Context) error {
	if b.installer == nil {
		return errors.New("no helper installer configured")
	}
	if err := b.installer.Install(ctx); err != nil {
		return err
	}
	b.manager.Reset()
	return nil
}

// ImportPools imports pools through the helper under rights.ImportPools.
func (b *Broker) ImportPools(ctx context.Context, req ImportPoolsRequest, reply ReplyFunc) {
	b.dispatcher.ImportPools(ctx, req, reply)
}

// MountFilesystems mounts datasets under rights.MountFilesystems.
func (b *Broker) MountFilesystems(ctx context.Context, req MountFilesystemsRequest, reply ReplyFunc) {
	b.dispatcher.MountFilesystems(ctx, req, reply)
}

// UnmountFilesystems unmounts datasets under rights.UnmountFilesystems.
func (b *Broker) UnmountFilesystems(ctx context.Context, req UnmountFilesystemsRequest, reply ReplyFunc) {
	b.dispatcher.UnmountFilesystems(ctx, req, reply)
}

// LoadKeyForFilesystem loads an encryption key under rights.LoadKey.
func (b *Broker) LoadKeyForFilesystem(ctx context.Context, req LoadKeyRequest, reply ReplyFunc) {
	b.dispatcher.LoadKeyForFilesystem(ctx, req, reply)
}

// ScrubPool starts, pauses or stops a scrub under rights.ScrubPool.
func (b *Broker) ScrubPool(ctx context.Context, req ScrubPoolRequest, reply ReplyFunc) {
	b.dispatcher.ScrubPool(ctx, req, reply)
}

// Dispatch runs any of the operation requests.
func (b *Broker) Dispatch(ctx context.Context, req Request, reply ReplyFunc) {
	b.dispatcher.Dispatch(ctx, req, reply)
}

// ExecuteWhenConnected runs task on the helper channel with the default retry
// budget. No right is acquired on the caller's behalf.
func (b *Broker) ExecuteWhenConnected(ctx context.Context, task TaskFunc, done ReplyFunc) {
	b.manager.ExecuteWhenConnected(ctx, task, done)
}

// ExecuteWithRetries runs task with a budget of maxFailures connection failures.
func (b *Broker) ExecuteWithRetries(ctx context.Context, task TaskFunc, done ReplyFunc, maxFailures int) {
	b.manager.ExecuteWithRetries(ctx, task, done, maxFailures)
}

// State returns the connection state.
func (b *Broker) State() State {
	return b.manager.State()
}

// Healthy reports whether the broker is not sitting on a failed connection.
// After a failed attempt the manager stays Invalidated until another attempt
// begins.
func (b *Broker) Healthy() bool {
	return b.manager.State() != Invalidated
}

// Status returns a snapshot of the connection and queue.
func (b *Broker) Status() Status {
	return b.manager.Status()
}

// Close fails queued operations with ErrBrokerClosed and releases the
// connection and the rights store.
// It does not wait for a running task.
func (b *Broker) Close() error {
	b.manager.Close()
	return b.closeRights()
}

// Shutdown closes the broker and waits for running work until ctx is done.
func (b *Broker) Shutdown(ctx context.Context) error {
	err := b.manager.Shutdown(ctx)
	if cerr := b.closeRights(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (b *Broker) closeRights() error {
	if c, ok := b.rights.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
