package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/doughall/zfsbroker/internal/helper"
	"github.com/doughall/zfsbroker/internal/rights"
)

// Outcome describes one finished operation.
type Outcome struct {
	Request  Request
	Command  helper.Command
	Target   string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Recorder receives every finished operation.
type Recorder interface {
	Record(Outcome)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Outcome)

func (f RecorderFunc) Record(o Outcome) {
	f(o)
}

// Dispatcher turns operation requests into authorized helper calls.
type Dispatcher struct {
	rights      rights.Store
	manager     *Manager
	recorder    Recorder
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher submitting to manager. recorder may be
// nil. A positive callTimeout bounds each helper call.
func NewDispatcher(store rights.Store, manager *Manager, recorder Recorder, callTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		rights:      store,
		manager:     manager,
		recorder:    recorder,
		callTimeout: callTimeout,
		logger:      logger.With(slog.String("component", "dispatcher")),
	}
}

// ImportPools imports pools through the helper under rights.ImportPools.
func (d *Dispatcher) ImportPools(ctx context.Context, req ImportPoolsRequest, reply ReplyFunc) {
	d.Dispatch(ctx, req, reply)
}

// MountFilesystems mounts datasets under rights.MountFilesystems.
func (d *Dispatcher) MountFilesystems(ctx context.Context, req MountFilesystemsRequest, reply ReplyFunc) {
	d.Dispatch(ctx, req, reply)
}

// UnmountFilesystems unmounts datasets under rights.UnmountFilesystems.
func (d *Dispatcher) UnmountFilesystems(ctx context.Context, req UnmountFilesystemsRequest, reply ReplyFunc) {
	d.Dispatch(ctx, req, reply)
}

// LoadKeyForFilesystem loads an encryption key under rights.LoadKey.
func (d *Dispatcher) LoadKeyForFilesystem(ctx context.Context, req LoadKeyRequest, reply ReplyFunc) {
	d.Dispatch(ctx, req, reply)
}

// ScrubPool starts, pauses or stops a scrub under rights.ScrubPool.
func (d *Dispatcher) ScrubPool(ctx context.Context, req ScrubPoolRequest, reply ReplyFunc) {
	d.Dispatch(ctx, req, reply)
}

// Dispatch validates req, acquires its right and queues it for the helper.
// It returns immediately; reply fires exactly once on a broker goroutine.
// A refused right is answered without touching the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, reply ReplyFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	once := newReply(reply)
	finish := func(err error) {
		d.record(req, started, err)
		once.resolve(err)
	}

	go func() {
		if err := req.Validate(); err != nil {
			finish(fmt.Errorf("%w: %s: %v", ErrInvalidRequest, req.Command(), err))
			return
		}

		if err := d.rights.Acquire(ctx, req.Right()); err != nil {
			d.logger.Info("right not granted",
				slog.String("right", string(req.Right())),
				slog.String("error", err.Error()),
			)
			finish(err)
			return
		}

		d.manager.ExecuteWhenConnected(ctx, func(ctx context.Context, remote Remote) error {
			if d.callTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
				defer cancel()
			}
			return remote.Call(ctx, req.Command(), req)
		}, finish)
	}()
}

func (d *Dispatcher) record(req Request, started time.Time, err error) {
	duration := time.Since(started)
	attrs := []any{
		slog.String("command", string(req.Command())),
		slog.String("target", req.Target()),
		slog.Duration("duration", duration),
	}
	if err != nil {
		d.logger.Warn("operation failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		d.logger.Info("operation completed", attrs...)
	}

	if d.recorder != nil {
		d.recorder.Record(Outcome{
			Request:  req,
			Command:  req.Command(),
			Target:   req.Target(),
			Started:  started,
			Duration: duration,
			Err:      err,
		})
	}
}
