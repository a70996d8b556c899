// polkit.go implements Store against polkit over the system D-Bus.
//
// Each Right maps to a polkit action "<prefix>.<right>" declared in the
// policy file shipped with the helper. CheckAuthorization is called with
// AllowUserInteraction, so polkit may show its authentication agent; the
// call blocks until the user answers.
package rights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	polkitBusName    = "org.freedesktop.PolicyKit1"
	polkitObjectPath = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	polkitCheck      = "org.freedesktop.PolicyKit1.Authority.CheckAuthorization"
	polkitCancel     = "org.freedesktop.PolicyKit1.Authority.CancelCheckAuthorization"

	polkitCancelledError = "org.freedesktop.PolicyKit1.Error.Cancelled"

	// flagAllowUserInteraction lets polkit prompt for credentials.
	flagAllowUserInteraction uint32 = 0x1

	// detailDismissed is set by polkit when the user closed the prompt.
	detailDismissed = "polkit.dismissed"
)

// DefaultActionPrefix prefixes every polkit action ID.
const DefaultActionPrefix = "io.zfsbroker"

// polkitSubject is the (sa{sv}) subject structure.
type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// polkitResult is the (bba{ss}) authorization result structure.
type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// Polkit asks polkit for rights on behalf of this process.
type Polkit struct {
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewPolkit creates a polkit-backed Store. The system bus connection is made
// lazily on the first Acquire, or eagerly by Connect.
func NewPolkit(actionPrefix string, logger *slog.Logger) *Polkit {
	if actionPrefix == "" {
		actionPrefix = DefaultActionPrefix
	}
	return &Polkit{
		prefix: actionPrefix,
		logger: logger.With(slog.String("component", "rights")),
	}
}

// Connect opens the system bus connection. Safe to call repeatedly.
func (p *Polkit) Connect() error {
	_, err := p.connection()
	return err
}

// Acquire asks polkit whether this process holds right, prompting the user
// if the policy requires authentication.
func (p *Polkit) Acquire(ctx context.Context, right Right) error {
	conn, err := p.connection()
	if err != nil {
		return &SystemError{Right: right, Err: err}
	}

	names := conn.Names()
	if len(names) == 0 {
		return &SystemError{Right: right, Err: errors.New("no unique bus name")}
	}

	subject := polkitSubject{
		Kind: "system-bus-name",
		Details: map[string]dbus.Variant{
			"name": dbus.MakeVariant(names[0]),
		},
	}
	actionID := right.ActionID(p.prefix)
	cancelID := uuid.NewString()

	p.logger.Debug("checking authorization",
		slog.String("action", actionID),
	)

	authority := conn.Object(polkitBusName, polkitObjectPath)
	call := authority.CallWithContext(ctx, polkitCheck, 0,
		subject, actionID, map[string]string{}, flagAllowUserInteraction, cancelID)

	if call.Err != nil {
		if ctx.Err() != nil {
			// Take the prompt down; the caller is gone.
			authority.Call(polkitCancel, 0, cancelID)
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		if isPolkitCancelled(call.Err) {
			return ErrCancelled
		}
		return &SystemError{Right: right, Err: call.Err}
	}

	var result polkitResult
	if err := call.Store(&result); err != nil {
		return &SystemError{Right: right, Err: fmt.Errorf("decode authorization result: %w", err)}
	}

	err = interpretResult(result)
	if err != nil {
		p.logger.Info("authorization not granted",
			slog.String("action", actionID),
			slog.String("error", err.Error()),
		)
		return err
	}

	p.logger.Debug("authorization granted", slog.String("action", actionID))
	return nil
}

// Close releases the system bus connection.
func (p *Polkit) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *Polkit) connection() (*dbus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.conn.Connected() {
		return p.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	p.conn = conn
	return conn, nil
}

// interpretResult maps a polkit answer onto the Store contract.
func interpretResult(result polkitResult) error {
	if result.IsAuthorized {
		return nil
	}
	if result.Details[detailDismissed] != "" {
		return ErrCancelled
	}
	if result.IsChallenge {
		return fmt.Errorf("%w: authentication required but no agent answered", ErrDenied)
	}
	return ErrDenied
}

func isPolkitCancelled(err error) bool {
	var value dbus.Error
	if errors.As(err, &value) {
		return value.Name == polkitCancelledError
	}
	var ptr *dbus.Error
	if errors.As(err, &ptr) {
		return ptr.Name == polkitCancelledError
	}
	return false
}
