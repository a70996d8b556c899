// Package installer keeps the privileged helper installed at the version
// bundled with the broker.
//
// The installer never runs speculatively: the connection manager calls
// EnsureInstalled only after a connection attempt failed, and the user calls
// Install for manual repair. Installing requires the install-helper right,
// which may prompt for credentials, and then runs the privileged install
// command (by default through pkexec) that places the helper and restarts it.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/doughall/zfsbroker/internal/executor"
	"github.com/doughall/zfsbroker/internal/rights"
)

const (
	probeTimeout   = 5 * time.Second
	installTimeout = 5 * time.Minute

	// BundlePlaceholder in an install command is replaced by the bundled helper path.
	BundlePlaceholder = "{bundle}"
)

// ErrInstallationFailed is wrapped by every error from Install and
// EnsureInstalled. It is not worth retrying without user action.
var ErrInstallationFailed = errors.New("helper installation failed")

// pkexec exit codes for a dismissed or refused authentication dialog.
const (
	pkexecDismissed    = 126
	pkexecUnauthorized = 127
)

// Prober reports the version of the installed helper, VersionNone if absent.
type Prober interface {
	InstalledVersion(ctx context.Context) (string, error)
}

// Mechanism places the bundled helper on the system with root privileges.
type Mechanism interface {
	Install(ctx context.Context, bundledPath string) error
}

// Config describes where the helper lives.
type Config struct {
	// BundledPath is the helper binary shipped with the broker.
	BundledPath string
	// InstalledPath is where the install command places the helper.
	InstalledPath string
	// BundledVersion is the helper version the broker was built against.
	BundledVersion string
	// BundledChecksum, if set, must match the SHA-256 of BundledPath.
	BundledChecksum string
	// InstallCommand is the privileged install command. BundlePlaceholder
	// arguments are replaced with BundledPath.
	InstallCommand []string
}

// Installer compares and installs helper versions. Safe for concurrent use;
// concurrent installs collapse into one.
type Installer struct {
	cfg       Config
	rights    rights.Store
	prober    Prober
	mechanism Mechanism
	logger    *slog.Logger

	mu sync.Mutex
}

// New creates an installer that probes by executing the installed helper
// with --version and installs through cfg.InstallCommand.
func New(cfg Config, store rights.Store, logger *slog.Logger) *Installer {
	exec := executor.New()
	return NewWith(cfg, store,
		&ExecProber{Path: cfg.InstalledPath, Exec: exec},
		&ExecMechanism{Command: cfg.InstallCommand, Exec: exec},
		logger,
	)
}

// NewWith creates an installer with explicit probe and install mechanism.
func NewWith(cfg Config, store rights.Store, prober Prober, mechanism Mechanism, logger *slog.Logger) *Installer {
	return &Installer{
		cfg:       cfg,
		rights:    store,
		prober:    prober,
		mechanism: mechanism,
		logger:    logger.With(slog.String("component", "installer")),
	}
}

// Inspect compares the installed helper with the bundle.
func (i *Installer) Inspect(ctx context.Context) VersionInfo {
	info := VersionInfo{
		Bundled:   i.cfg.BundledVersion,
		Installed: VersionUnknown,
	}

	installed, err := i.prober.InstalledVersion(ctx)
	if err != nil {
		i.logger.Warn("could not determine installed helper version",
			slog.String("error", err.Error()),
		)
	} else {
		info.Installed = installed
	}

	if info.Installed == VersionNone {
		return info
	}

	if sum, err := ComputeChecksum(i.cfg.BundledPath); err == nil {
		info.BundledChecksum = sum
	}
	if i.cfg.InstalledPath != "" {
		if sum, err := ComputeChecksum(i.cfg.InstalledPath); err == nil {
			info.InstalledChecksum = sum
		}
	}
	return info
}

// EnsureInstalled installs the bundled helper unless the installed one is
// current (see VersionInfo.NeedsInstall). It blocks until installation
// completes.
func (i *Installer) EnsureInstalled(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	info := i.Inspect(ctx)
	if !info.NeedsInstall() {
		i.logger.Debug("helper up to date", slog.String("version", info.Installed))
		return nil
	}

	i.logger.Info("helper needs installation",
		slog.String("installed", info.Installed),
		slog.String("bundled", info.Bundled),
		slog.String("reason", info.Reason()),
	)
	return i.install(ctx)
}

// Install installs the bundled helper unconditionally.
func (i *Installer) Install(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.logger.Info("forced helper installation", slog.String("bundled", i.cfg.BundledVersion))
	return i.install(ctx)
}

// install runs with i.mu held.
func (i *Installer) install(ctx context.Context) error {
	if _, err := os.Stat(i.cfg.BundledPath); err != nil {
		return fmt.Errorf("%w: bundled helper: %w", ErrInstallationFailed, err)
	}
	if i.cfg.BundledChecksum != "" {
		if err := VerifyChecksum(i.cfg.BundledPath, i.cfg.BundledChecksum); err != nil {
			return fmt.Errorf("%w: %w", ErrInstallationFailed, err)
		}
	}

	if err := i.rights.Acquire(ctx, rights.InstallHelper); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallationFailed, err)
	}

	start := time.Now()
	if err := i.mechanism.Install(ctx, i.cfg.BundledPath); err != nil {
		i.logger.Error("helper installation failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrInstallationFailed, err)
	}

	i.logger.Info("helper installed",
		slog.String("version", i.cfg.BundledVersion),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// ExecProber runs the installed helper with --version.
type ExecProber struct {
	Path string
	Exec *executor.Executor
}

// InstalledVersion returns VersionNone when Path does not exist.
func (p *ExecProber) InstalledVersion(ctx context.Context) (string, error) {
	if _, err := os.Stat(p.Path); err != nil {
		if os.IsNotExist(err) {
			return VersionNone, nil
		}
		return "", fmt.Errorf("stat installed helper: %w", err)
	}

	result, err := p.Exec.Run(ctx, probeTimeout, p.Path, "--version")
	if err != nil {
		return "", err
	}
	if !result.Succeeded() {
		return VersionUnknown, nil
	}

	out := result.Output()
	if line, _, found := strings.Cut(out, "\n"); found {
		out = line
	}
	if out == "" {
		return VersionUnknown, nil
	}
	return strings.TrimSpace(out), nil
}

// ExecMechanism runs a privileged install command such as
// ["pkexec", "/usr/libexec/zfsbroker/install-helper", "{bundle}"].
type ExecMechanism struct {
	Command []string
	Exec    *executor.Executor
}

// Install runs the command and maps pkexec's authentication exit codes onto
// the rights errors.
func (m *ExecMechanism) Install(ctx context.Context, bundledPath string) error {
	if len(m.Command) == 0 {
		return errors.New("no install command configured")
	}

	args := make([]string, 0, len(m.Command)-1)
	for _, arg := range m.Command[1:] {
		args = append(args, strings.ReplaceAll(arg, BundlePlaceholder, bundledPath))
	}

	result, err := m.Exec.Run(ctx, installTimeout, m.Command[0], args...)
	if err != nil {
		return err
	}

	viaPkexec := filepath.Base(m.Command[0]) == "pkexec"
	switch {
	case result.Succeeded():
		return nil
	case result.TimedOut:
		return fmt.Errorf("install command timed out after %s", installTimeout)
	case viaPkexec && result.ExitCode == pkexecDismissed:
		return rights.ErrCancelled
	case viaPkexec && result.ExitCode == pkexecUnauthorized:
		return rights.ErrDenied
	default:
		return fmt.Errorf("install command exited %d: %s", result.ExitCode, result.Diagnostic())
	}
}
