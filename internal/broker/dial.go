package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doughall/zfsbroker/internal/helper"
)

// DefaultHandshakeTimeout bounds the hello exchange after the socket connects.
const DefaultHandshakeTimeout = 10 * time.Second

// HelperDialer connects to the helper socket and checks its version.
type HelperDialer struct {
	SocketPath string
	// BrokerVersion is announced to the helper during the handshake.
	BrokerVersion string
	// HelperVersion, if set, must match the version the helper reports.
	// A mismatch fails the attempt so the next one reinstalls.
	HelperVersion string
	// HandshakeTimeout bounds the hello exchange. Zero selects
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Dial opens a channel and performs the handshake.
func (d *HelperDialer) Dial(ctx context.Context) (Channel, error) {
	conn, err := helper.Dial(ctx, d.SocketPath, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	helloCtx, cancel := context.WithTimeout(ctx, timeout)
	hello, err := conn.Hello(helloCtx, d.BrokerVersion)
	cancel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake: %w", ErrConnectionFailed, err)
	}
	if d.HelperVersion != "" && hello.HelperVersion != d.HelperVersion {
		conn.Close()
		return nil, fmt.Errorf("%w: %w: helper reports %s, want %s",
			ErrConnectionFailed, ErrHelperOutdated, hello.HelperVersion, d.HelperVersion)
	}

	d.Logger.Debug("helper handshake complete",
		slog.String("helper_version", hello.HelperVersion),
		slog.Int("helper_pid", hello.PID),
	)
	return &helperChannel{conn: conn}, nil
}

// helperChannel maps helper.Conn errors onto the broker taxonomy.
type helperChannel struct {
	conn *helper.Conn
}

func (c *helperChannel) Call(ctx context.Context, command helper.Command, payload any) error {
	err := c.conn.Call(ctx, command, payload, nil)
	if err == nil {
		return nil
	}

	var remote *helper.RemoteError
	switch {
	case errors.As(err, &remote):
		return &HelperOperationFailedError{Remote: remote}
	case errors.Is(err, helper.ErrClosed):
		return fmt.Errorf("%w: %w", ErrConnectionInvalidated, err)
	default:
		return err
	}
}

func (c *helperChannel) Done() <-chan struct{} { return c.conn.Done() }
func (c *helperChannel) Err() error            { return c.conn.Err() }
func (c *helperChannel) Close() error          { return c.conn.Close() }
