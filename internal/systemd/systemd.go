// Package systemd connects zfsbroker to the service manager.
//
// Both binaries run as Type=notify units: the broker under the user manager
// and the helper under the system manager. Notifications are no-ops when
// NOTIFY_SOCKET is unset, so the same code runs from a terminal. The broker
// also reads the helper unit's state over the system bus for `status`.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	sddbus "github.com/coreos/go-systemd/v22/dbus"
)

// notify sends one sd_notify state line and reports whether it was delivered.
func notify(state, what string) bool {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		slog.Warn("systemd notification failed", "notification", what, "error", err)
		return false
	case sent:
		slog.Debug("systemd notified", "notification", what)
	}
	return sent
}

// NotifyReady reports READY=1 once the process is serving.
func NotifyReady() bool {
	return notify(daemon.SdNotifyReady, "ready")
}

// NotifyStopping reports STOPPING=1 at the start of shutdown.
func NotifyStopping() bool {
	return notify(daemon.SdNotifyStopping, "stopping")
}

// NotifyStatus sets the free-form status line shown by systemctl status.
func NotifyStatus(status string) bool {
	return notify("STATUS="+status, "status")
}

// HealthCheckFunc reports whether the process should keep its watchdog fed.
type HealthCheckFunc func() bool

// StartWatchdog feeds the service watchdog at half of WatchdogSec while
// healthy reports true. Without a watchdog it returns immediately. The
// pinging goroutine exits with ctx.
func StartWatchdog(ctx context.Context, healthy HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		slog.Debug("systemd watchdog disabled", "error", err)
		return
	}
	every := interval / 2
	slog.Info("systemd watchdog enabled", "watchdog_sec", interval, "ping_every", every)
	go feedWatchdog(ctx, every, healthy)
}

func feedWatchdog(ctx context.Context, every time.Duration, healthy HealthCheckFunc) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !healthy() {
			slog.Warn("broker unhealthy; withholding watchdog ping")
			continue
		}
		notify(daemon.SdNotifyWatchdog, "watchdog")
	}
}

// IsRunningUnderSystemd reports whether a notify socket was handed to us.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}

// UnitState describes a systemd unit as reported by the system manager.
type UnitState struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
}

// Active reports whether the unit is running.
func (u UnitState) Active() bool {
	return u.ActiveState == "active"
}

// ErrUnitNotFound is returned when the system manager has no such unit loaded.
var ErrUnitNotFound = errors.New("unit not found")

// unitLister is the part of the systemd bus connection used here.
type unitLister interface {
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]sddbus.UnitStatus, error)
	Close()
}

// dialSystemBus is replaced in tests.
var dialSystemBus = func(ctx context.Context) (unitLister, error) {
	return sddbus.NewSystemConnectionContext(ctx)
}

// QueryUnit returns the state of a unit from the system manager, typically
// the helper's service unit.
func QueryUnit(ctx context.Context, name string) (UnitState, error) {
	conn, err := dialSystemBus(ctx)
	if err != nil {
		return UnitState{}, fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	units, err := conn.ListUnitsByNamesContext(ctx, []string{name})
	if err != nil {
		return UnitState{}, fmt.Errorf("query unit %s: %w", name, err)
	}
	for _, u := range units {
		if u.Name != name {
			continue
		}
		if u.LoadState == "not-found" {
			return UnitState{}, fmt.Errorf("%s: %w", name, ErrUnitNotFound)
		}
		return UnitState{
			Name:        u.Name,
			Description: u.Description,
			LoadState:   u.LoadState,
			ActiveState: u.ActiveState,
			SubState:    u.SubState,
		}, nil
	}
	return UnitState{}, fmt.Errorf("%s: %w", name, ErrUnitNotFound)
}
