package installer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/doughall/zfsbroker/internal/executor"
	"github.com/doughall/zfsbroker/internal/rights"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber struct {
	mu      sync.Mutex
	version string
	err     error
}

func (p *fakeProber) InstalledVersion(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version, p.err
}

func (p *fakeProber) set(version string) {
	p.mu.Lock()
	p.version = version
	p.mu.Unlock()
}

// fakeMechanism "installs" by making the prober report the new version.
type fakeMechanism struct {
	prober  *fakeProber
	version string
	err     error
	calls   atomic.Int32
	delay   time.Duration
}

func (m *fakeMechanism) Install(ctx context.Context, bundledPath string) error {
	m.calls.Add(1)
	time.Sleep(m.delay)
	if m.err != nil {
		return m.err
	}
	m.prober.set(m.version)
	return nil
}

func writeBundle(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zfsbroker-helper")
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func grantAll(granted *atomic.Int32) rights.Store {
	return rights.StoreFunc(func(ctx context.Context, right rights.Right) error {
		if right != rights.InstallHelper {
			return errors.New("unexpected right " + string(right))
		}
		granted.Add(1)
		return nil
	})
}

func TestEnsureInstalled(t *testing.T) {
	tests := []struct {
		name          string
		installed     string
		wantInstalls  int32
		wantRightAsks int32
	}{
		{name: "absent helper is installed", installed: VersionNone, wantInstalls: 1, wantRightAsks: 1},
		{name: "older helper is upgraded", installed: "1.2.0", wantInstalls: 1, wantRightAsks: 1},
		{name: "newer helper is replaced", installed: "9.0.0", wantInstalls: 1, wantRightAsks: 1},
		{name: "unknown version is reinstalled", installed: VersionUnknown, wantInstalls: 1, wantRightAsks: 1},
		{name: "current helper is left alone", installed: "1.3.0", wantInstalls: 0, wantRightAsks: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := &fakeProber{version: tt.installed}
			mech := &fakeMechanism{prober: prober, version: "1.3.0"}
			var asks atomic.Int32

			inst := NewWith(Config{
				BundledPath:    writeBundle(t, "helper-1.3.0"),
				BundledVersion: "1.3.0",
			}, grantAll(&asks), prober, mech, nopLogger())

			if err := inst.EnsureInstalled(context.Background()); err != nil {
				t.Fatalf("EnsureInstalled: %v", err)
			}
			if got := mech.calls.Load(); got != tt.wantInstalls {
				t.Errorf("expected %d installs, got %d", tt.wantInstalls, got)
			}
			if got := asks.Load(); got != tt.wantRightAsks {
				t.Errorf("expected %d right acquisitions, got %d", tt.wantRightAsks, got)
			}
		})
	}
}

func TestEnsureInstalled_RightDenied(t *testing.T) {
	prober := &fakeProber{version: VersionNone}
	mech := &fakeMechanism{prober: prober, version: "1.3.0"}
	deny := rights.StoreFunc(func(ctx context.Context, right rights.Right) error {
		return rights.ErrDenied
	})

	inst := NewWith(Config{
		BundledPath:    writeBundle(t, "helper"),
		BundledVersion: "1.3.0",
	}, deny, prober, mech, nopLogger())

	err := inst.EnsureInstalled(context.Background())
	if !errors.Is(err, ErrInstallationFailed) {
		t.Errorf("expected ErrInstallationFailed, got %v", err)
	}
	if !errors.Is(err, rights.ErrDenied) {
		t.Errorf("expected the denial to stay visible, got %v", err)
	}
	if mech.calls.Load() != 0 {
		t.Error("install mechanism must not run without the install right")
	}
}

func TestEnsureInstalled_MechanismFails(t *testing.T) {
	prober := &fakeProber{version: VersionNone}
	mech := &fakeMechanism{prober: prober, err: errors.New("disk full")}
	var asks atomic.Int32

	inst := NewWith(Config{
		BundledPath:    writeBundle(t, "helper"),
		BundledVersion: "1.3.0",
	}, grantAll(&asks), prober, mech, nopLogger())

	err := inst.EnsureInstalled(context.Background())
	if !errors.Is(err, ErrInstallationFailed) {
		t.Fatalf("expected ErrInstallationFailed, got %v", err)
	}
}

func TestInstall_BundleChecksumMismatch(t *testing.T) {
	prober := &fakeProber{version: VersionNone}
	mech := &fakeMechanism{prober: prober, version: "1.3.0"}
	var asks atomic.Int32

	inst := NewWith(Config{
		BundledPath:     writeBundle(t, "tampered"),
		BundledVersion:  "1.3.0",
		BundledChecksum: "0000000000000000000000000000000000000000000000000000000000000000",
	}, grantAll(&asks), prober, mech, nopLogger())

	err := inst.Install(context.Background())
	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ChecksumMismatchError, got %v", err)
	}
	if asks.Load() != 0 {
		t.Error("must not prompt for a bundle that failed verification")
	}
}

func TestInstall_Forced(t *testing.T) {
	prober := &fakeProber{version: "1.3.0"}
	mech := &fakeMechanism{prober: prober, version: "1.3.0"}
	var asks atomic.Int32

	inst := NewWith(Config{
		BundledPath:    writeBundle(t, "helper"),
		BundledVersion: "1.3.0",
	}, grantAll(&asks), prober, mech, nopLogger())

	if err := inst.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if mech.calls.Load() != 1 {
		t.Errorf("forced install should run even when current, got %d runs", mech.calls.Load())
	}
}

func TestEnsureInstalled_ConcurrentCallsInstallOnce(t *testing.T) {
	prober := &fakeProber{version: VersionNone}
	mech := &fakeMechanism{prober: prober, version: "1.3.0", delay: 20 * time.Millisecond}
	var asks atomic.Int32

	inst := NewWith(Config{
		BundledPath:    writeBundle(t, "helper"),
		BundledVersion: "1.3.0",
	}, grantAll(&asks), prober, mech, nopLogger())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inst.EnsureInstalled(context.Background()); err != nil {
				t.Errorf("EnsureInstalled: %v", err)
			}
		}()
	}
	wg.Wait()

	if mech.calls.Load() != 1 {
		t.Errorf("expected exactly one install, got %d", mech.calls.Load())
	}
}

func TestInspect_ReplacedBinary(t *testing.T) {
	bundle := writeBundle(t, "good helper")
	installed := writeBundle(t, "someone else's helper")

	inst := NewWith(Config{
		BundledPath:    bundle,
		InstalledPath:  installed,
		BundledVersion: "1.3.0",
	}, rights.StoreFunc(func(context.Context, rights.Right) error { return nil }),
		&fakeProber{version: "1.3.0"}, &fakeMechanism{}, nopLogger())

	info := inst.Inspect(context.Background())
	if !info.NeedsInstall() {
		t.Fatal("a helper whose binary differs from the bundle must be reinstalled")
	}
	if info.Reason() != "installed helper binary does not match the bundle" {
		t.Errorf("unexpected reason %q", info.Reason())
	}
}

func TestExecProber(t *testing.T) {
	dir := t.TempDir()

	t.Run("absent", func(t *testing.T) {
		p := &ExecProber{Path: filepath.Join(dir, "missing"), Exec: executor.New()}
		v, err := p.InstalledVersion(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != VersionNone {
			t.Errorf("expected %q, got %q", VersionNone, v)
		}
	})

	t.Run("reports version", func(t *testing.T) {
		path := filepath.Join(dir, "helper-ok")
		os.WriteFile(path, []byte("#!/bin/sh\necho 1.3.0\n"), 0755)
		p := &ExecProber{Path: path, Exec: executor.New()}
		v, err := p.InstalledVersion(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "1.3.0" {
			t.Errorf("expected 1.3.0, got %q", v)
		}
	})

	t.Run("broken helper", func(t *testing.T) {
		path := filepath.Join(dir, "helper-broken")
		os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0755)
		p := &ExecProber{Path: path, Exec: executor.New()}
		v, err := p.InstalledVersion(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != VersionUnknown {
			t.Errorf("expected %q, got %q", VersionUnknown, v)
		}
	})
}

func TestExecMechanism(t *testing.T) {
	t.Run("substitutes bundle path", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "installed")
		m := &ExecMechanism{
			Command: []string{"sh", "-c", "cp \"$0\" \"$1\"", BundlePlaceholder, out},
			Exec:    executor.New(),
		}
		bundle := writeBundle(t, "payload")
		if err := m.Install(context.Background(), bundle); err != nil {
			t.Fatalf("install: %v", err)
		}
		data, err := os.ReadFile(out)
		if err != nil || string(data) != "payload" {
			t.Errorf("bundle was not copied: %q, %v", data, err)
		}
	})

	t.Run("failure carries stderr", func(t *testing.T) {
		m := &ExecMechanism{
			Command: []string{"sh", "-c", "echo read-only filesystem >&2; exit 2"},
			Exec:    executor.New(),
		}
		err := m.Install(context.Background(), "/unused")
		if err == nil {
			t.Fatal("expected error")
		}
		if got := err.Error(); got != "install command exited 2: read-only filesystem" {
			t.Errorf("unexpected error text %q", got)
		}
	})

	t.Run("no command", func(t *testing.T) {
		m := &ExecMechanism{Exec: executor.New()}
		if err := m.Install(context.Background(), "/unused"); err == nil {
			t.Fatal("expected error without a command")
		}
	})
}

func TestParseSemVer(t *testing.T) {
	tests := []struct {
		in      string
		want    SemVer
		wantErr bool
	}{
		{in: "1.2.3", want: SemVer{1, 2, 3}},
		{in: "v0.10.0", want: SemVer{0, 10, 0}},
		{in: "1.2", wantErr: true},
		{in: "none", wantErr: true},
		{in: "1.x.3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSemVer(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if (SemVer{1, 2, 3}).Compare(SemVer{1, 3, 0}) != -1 {
		t.Error("1.2.3 should sort before 1.3.0")
	}
	if (SemVer{2, 0, 0}).Compare(SemVer{1, 9, 9}) != 1 {
		t.Error("2.0.0 should sort after 1.9.9")
	}
}
