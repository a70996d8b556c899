package broker

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/doughall/zfsbroker/internal/codec"
	"github.com/doughall/zfsbroker/internal/helper"
	"github.com/doughall/zfsbroker/internal/rights"
)

const helperVersion = "1.3.0"

func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "zb")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "h.sock")
}

// testHelper runs an in-process helper and records what it was asked to do.
type testHelper struct {
	t       *testing.T
	path    string
	version string

	mu       sync.Mutex
	srv      *helper.Server
	stop     func()
	received []any
	failWith error
}

func newTestHelper(t *testing.T, path, version string) *testHelper {
	h := &testHelper{t: t, path: path, version: version}
	t.Cleanup(h.shutdown)
	return h
}

func (h *testHelper) start() {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	srv := helper.NewServer(h.path, h.version, nopLogger())
	srv.Handle(helper.CommandScrubPool, h.handler(func() any { return &ScrubPoolRequest{} }))
	srv.Handle(helper.CommandMountFilesystems, h.handler(func() any { return &MountFilesystemsRequest{} }))
	srv.Handle(helper.CommandLoadKey, h.handler(func() any { return &LoadKeyRequest{} }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	h.srv = srv
	h.stop = func() {
		cancel()
		<-done
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(h.path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatal("helper socket never appeared")
}

func (h *testHelper) handler(newPayload func() any) helper.HandlerFunc {
	return func(ctx context.Context, payload codec.RawMessage) (any, error) {
		req := newPayload()
		if err := codec.Unmarshal(payload, req); err != nil {
			return nil, err
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.received = append(h.received, req)
		return nil, h.failWith
	}
}

func (h *testHelper) shutdown() {
	h.mu.Lock()
	stop := h.stop
	h.stop = nil
	h.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (h *testHelper) requests() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.received...)
}

// helperInstaller "installs" by (re)starting the test helper at the bundled version.
type helperInstaller struct {
	helper  *testHelper
	bundled string

	ensures  atomic.Int32
	installs atomic.Int32
}

func (i *helperInstaller) EnsureInstalled(ctx context.Context) error {
	i.ensures.Add(1)
	i.helper.mu.Lock()
	current := i.helper.stop != nil && i.helper.version == i.bundled
	i.helper.mu.Unlock()
	if current {
		return nil
	}
	return i.Install(ctx)
}

func (i *helperInstaller) Install(ctx context.Context) error {
	i.installs.Add(1)
	i.helper.shutdown()
	i.helper.mu.Lock()
	i.helper.version = i.bundled
	i.helper.mu.Unlock()
	i.helper.start()
	return nil
}

// recordingStore grants everything except the rights in deny.
type recordingStore struct {
	deny map[rights.Right]error

	mu       sync.Mutex
	acquired []rights.Right
}

func (s *recordingStore) Acquire(ctx context.Context, right rights.Right) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = append(s.acquired, right)
	return s.deny[right]
}

type countingDialer struct {
	inner Dialer
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context) (Channel, error) {
	d.dials.Add(1)
	return d.inner.Dial(ctx)
}

func newTestBroker(t *testing.T, path string, store rights.Store, inst HelperInstaller) (*Broker, *countingDialer) {
	t.Helper()
	dialer := &countingDialer{inner: &HelperDialer{
		SocketPath:    path,
		BrokerVersion: "test",
		HelperVersion: helperVersion,
		Logger:        nopLogger(),
	}}
	b := New(Options{
		Rights:      store,
		Installer:   inst,
		Dialer:      dialer,
		MaxFailures: DefaultMaxFailures,
		Logger:      nopLogger(),
	})
	t.Cleanup(func() { b.Close() })
	return b, dialer
}

func TestBroker_MountWithHelperInstalled(t *testing.T) {
	path := shortSocketPath(t)
	h := newTestHelper(t, path, helperVersion)
	h.start()
	inst := &helperInstaller{helper: h, bundled: helperVersion}
	store := &recordingStore{}
	b, dialer := newTestBroker(t, path, store, inst)

	reply, replies := replyChan()
	b.MountFilesystems(context.Background(), MountFilesystemsRequest{Filesystems: []string{"tank/home"}}, reply)

	if err := waitReply(t, replies); err != nil {
		t.Fatalf("mount: %v", err)
	}
	expectNoMoreReplies(t, replies)

	if inst.ensures.Load() != 0 || inst.installs.Load() != 0 {
		t.Error("a current helper must not be reinstalled")
	}
	if dialer.dials.Load() != 1 {
		t.Errorf("expected one dial, got %d", dialer.dials.Load())
	}
	got := h.requests()
	if len(got) != 1 {
		t.Fatalf("expected one request at the helper, got %d", len(got))
	}
	if mount := got[0].(*MountFilesystemsRequest); mount.Filesystems[0] != "tank/home" {
		t.Errorf("helper received %+v", mount)
	}
	if len(store.acquired) != 1 || store.acquired[0] != rights.MountFilesystems {
		t.Errorf("expected the mount right to be acquired, got %v", store.acquired)
	}
}

func TestBroker_ScrubInstallsAbsentHelper(t *testing.T) {
	path := shortSocketPath(t)
	h := newTestHelper(t, path, "")
	inst := &helperInstaller{helper: h, bundled: helperVersion}
	b, _ := newTestBroker(t, path, &recordingStore{}, inst)

	reply, replies := replyChan()
	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank"}, reply)

	if err := waitReply(t, replies); err != nil {
		t.Fatalf("scrub: %v", err)
	}
	if inst.installs.Load() != 1 {
		t.Errorf("expected one install, got %d", inst.installs.Load())
	}
	got := h.requests()
	if len(got) != 1 || got[0].(*ScrubPoolRequest).Pool != "tank" {
		t.Errorf("helper received %v", got)
	}
}

func TestBroker_OutdatedHelperIsReplaced(t *testing.T) {
	path := shortSocketPath(t)
	h := newTestHelper(t, path, "1.0.0")
	h.start()
	inst := &helperInstaller{helper: h, bundled: helperVersion}
	b, dialer := newTestBroker(t, path, &recordingStore{}, inst)

	reply, replies := replyChan()
	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank"}, reply)

	if err := waitReply(t, replies); err != nil {
		t.Fatalf("scrub: %v", err)
	}
	if inst.installs.Load() != 1 {
		t.Errorf("expected the outdated helper to be replaced once, got %d installs", inst.installs.Load())
	}
	if dialer.dials.Load() != 2 {
		t.Errorf("expected 2 dials, got %d", dialer.dials.Load())
	}
}

func TestBroker_DeniedRightNeverConnects(t *testing.T) {
	path := shortSocketPath(t)
	h := newTestHelper(t, path, helperVersion)
	h.start()
	store := &recordingStore{deny: map[rights.Right]error{
		rights.LoadKey:   rights.ErrDenied,
		rights.ScrubPool: rights.ErrCancelled,
	}}
	b, dialer := newTestBroker(t, path, store, &helperInstaller{helper: h, bundled: helperVersion})

	reply, replies := replyChan()
	b.LoadKeyForFilesystem(context.Background(), LoadKeyRequest{Filesystem: "tank/secret", Passphrase: []byte("hunter22")}, reply)
	if err := waitReply(t, replies); !errors.Is(err, ErrRightDenied) {
		t.Fatalf("expected ErrRightDenied, got %v", err)
	}

	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank"}, reply)
	if err := waitReply(t, replies); !errors.Is(err, ErrRightCancelled) {
		t.Fatalf("expected ErrRightCancelled, got %v", err)
	}

	if dialer.dials.Load() != 0 {
		t.Errorf("denied operations must not connect, got %d dials", dialer.dials.Load())
	}
	if len(h.requests()) != 0 {
		t.Error("denied operations must not reach the helper")
	}
}

func TestBroker_HelperFailurePassesThrough(t *testing.T) {
	path := shortSocketPath(t)
	h := newTestHelper(t, path, helperVersion)
	h.failWith = &helper.RemoteError{Code: "pool_busy", Message: "pool tank is busy"}
	h.start()
	b, dialer := newTestBroker(t, path, &recordingStore{}, &helperInstaller{helper: h, bundled: helperVersion})

	reply, replies := replyChan()
	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank"}, reply)

	err := waitReply(t, replies)
	var failed *HelperOperationFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected HelperOperationFailedError, got %v", err)
	}
	if failed.Remote.Code != "pool_busy" || failed.Remote.Message != "pool tank is busy" {
		t.Errorf("helper error was altered: %+v", failed.Remote)
	}
	if dialer.dials.Load() != 1 || len(h.requests()) != 1 {
		t.Error("a helper failure must not be retried")
	}
}

func TestBroker_ReconnectsAfterHelperRestart(t *testing.T) {
	path := shortSocketPath(t)
	h := newTestHelper(t, path, helperVersion)
	h.start()
	inst := &helperInstaller{helper: h, bundled: helperVersion}
	b, dialer := newTestBroker(t, path, &recordingStore{}, inst)

	reply, replies := replyChan()
	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank"}, reply)
	if err := waitReply(t, replies); err != nil {
		t.Fatalf("first scrub: %v", err)
	}

	h.mu.Lock()
	h.srv.DropConnections()
	h.mu.Unlock()

	deadline := time.Now().Add(replyTimeout)
	for b.State() == Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank", Action: ScrubStop}, reply)
	if err := waitReply(t, replies); err != nil {
		t.Fatalf("scrub after restart: %v", err)
	}
	if dialer.dials.Load() != 2 {
		t.Errorf("expected a second dial, got %d", dialer.dials.Load())
	}
	if inst.installs.Load() != 0 {
		t.Error("a current helper must not be reinstalled after a restart")
	}
}

func TestBroker_InvalidRequestIsRejected(t *testing.T) {
	store := &recordingStore{}
	dialer := &countingDialer{inner: &fakeDialer{}}
	b := New(Options{Rights: store, Dialer: dialer, MaxFailures: -1, Logger: nopLogger()})
	defer b.Close()

	reply, replies := replyChan()
	b.UnmountFilesystems(context.Background(), UnmountFilesystemsRequest{Filesystems: []string{"-a"}}, reply)

	if err := waitReply(t, replies); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if len(store.acquired) != 0 || dialer.dials.Load() != 0 {
		t.Error("an invalid request must not prompt or connect")
	}
}

func TestBroker_ConnectToAuthorizationIsIdempotent(t *testing.T) {
	path := shortSocketPath(t)
	h := newTestHelper(t, path, helperVersion)
	h.start()
	inst := &helperInstaller{helper: h, bundled: helperVersion}
	b, dialer := newTestBroker(t, path, &recordingStore{}, inst)

	for i := 0; i < 5; i++ {
		b.ConnectToAuthorization()
	}

	deadline := time.Now().Add(replyTimeout)
	for b.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.State() != Connected {
		t.Fatalf("expected connected, got %s", b.State())
	}
	b.ConnectToAuthorization()
	if dialer.dials.Load() != 1 {
		t.Errorf("expected a single dial, got %d", dialer.dials.Load())
	}
	if inst.ensures.Load() != 0 {
		t.Error("connecting must not check or install the helper")
	}
}

func TestBroker_InstallDropsChannel(t *testing.T) {
	path := shortSocketPath(t)
	h := newTestHelper(t, path, helperVersion)
	h.start()
	inst := &helperInstaller{helper: h, bundled: helperVersion}
	b, dialer := newTestBroker(t, path, &recordingStore{}, inst)

	reply, replies := replyChan()
	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank"}, reply)
	if err := waitReply(t, replies); err != nil {
		t.Fatalf("scrub: %v", err)
	}

	if err := b.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if inst.installs.Load() != 1 {
		t.Errorf("expected a forced install, got %d", inst.installs.Load())
	}

	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank"}, reply)
	if err := waitReply(t, replies); err != nil {
		t.Fatalf("scrub after install: %v", err)
	}
	if dialer.dials.Load() != 2 {
		t.Errorf("expected a fresh dial after install, got %d", dialer.dials.Load())
	}
}

func TestBroker_RecordsOutcomes(t *testing.T) {
	path := shortSocketPath(t)
	h := newTestHelper(t, path, helperVersion)
	h.start()

	var mu sync.Mutex
	var outcomes []Outcome
	b := New(Options{
		Rights: &recordingStore{},
		Dialer: &HelperDialer{SocketPath: path, HelperVersion: helperVersion, Logger: nopLogger()},
		Recorder: RecorderFunc(func(o Outcome) {
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		}),
		MaxFailures: -1,
		Logger:      nopLogger(),
	})
	defer b.Close()

	reply, replies := replyChan()
	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank"}, reply)
	if err := waitReply(t, replies); err != nil {
		t.Fatalf("scrub: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	if outcomes[0].Command != helper.CommandScrubPool || outcomes[0].Target != "tank" || outcomes[0].Err != nil {
		t.Errorf("unexpected outcome %+v", outcomes[0])
	}
}

func TestHelperDialer_HandshakeTimesOut(t *testing.T) {
	path := shortSocketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	// Accept connections and never answer hello.
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	d := &HelperDialer{SocketPath: path, HandshakeTimeout: 100 * time.Millisecond, Logger: nopLogger()}
	start := time.Now()
	_, err = d.Dial(context.Background())
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a failed connection after the handshake deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("handshake wait took %s", elapsed)
	}
}

func TestBroker_SilentHelperExhaustsRetries(t *testing.T) {
	path := shortSocketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	b := New(Options{
		Rights:      &recordingStore{},
		Dialer:      &HelperDialer{SocketPath: path, HandshakeTimeout: 50 * time.Millisecond, Logger: nopLogger()},
		MaxFailures: 1,
		Logger:      nopLogger(),
	})
	defer b.Close()

	reply, replies := replyChan()
	b.MountFilesystems(context.Background(), MountFilesystemsRequest{Filesystems: []string{"tank/home"}}, reply)
	var exhausted *RetriesExhaustedError
	if err := waitReply(t, replies); !errors.As(err, &exhausted) {
		t.Fatalf("expected RetriesExhaustedError, got %v", err)
	}
	if exhausted.Failures != 2 {
		t.Errorf("expected 2 charged failures, got %d", exhausted.Failures)
	}
	if b.Healthy() {
		t.Error("broker reports healthy after exhausting its retries")
	}
}

func TestBroker_HealthyAgainAfterReconnect(t *testing.T) {
	var dials atomic.Int32
	b := New(Options{
		Rights: &recordingStore{},
		Dialer: DialerFunc(func(ctx context.Context) (Channel, error) {
			if dials.Add(1) == 1 {
				return nil, ErrConnectionFailed
			}
			return newFakeChannel(nil), nil
		}),
		MaxFailures: 0,
		Logger:      nopLogger(),
	})
	defer b.Close()

	if !b.Healthy() {
		t.Fatal("a fresh broker should be healthy")
	}
	reply, replies := replyChan()
	b.ScrubPool(context.Background(), ScrubPoolRequest{Pool: "tank"}, reply)
	if err := waitReply(t, replies); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if b.Healthy() {
		t.Fatal("expected unhealthy after a failed connect")
	}

	b.ConnectToAuthorization()
	deadline := time.Now().Add(replyTimeout)
	for !b.Healthy() || b.State() != Connected {
		if time.Now().After(deadline) {
			t.Fatalf("broker did not recover, state %s", b.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
