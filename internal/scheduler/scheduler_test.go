package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/doughall/zfsbroker/internal/broker"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeScrubber struct {
	mu      sync.Mutex
	pools   []string
	replies []broker.ReplyFunc
}

func (f *fakeScrubber) ScrubPool(ctx context.Context, req broker.ScrubPoolRequest, reply broker.ReplyFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools = append(f.pools, req.Pool)
	f.replies = append(f.replies, reply)
}

func (f *fakeScrubber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pools)
}

func (f *fakeScrubber) answer(i int, err error) {
	f.mu.Lock()
	reply := f.replies[i]
	f.mu.Unlock()
	reply(err)
}

type fakeHistory map[string]time.Time

func (h fakeHistory) LastScrub(pool string) (time.Time, bool, error) {
	t, ok := h[pool]
	return t, ok, nil
}

// newTestScheduler returns a scheduler whose clock reads *now.
func newTestScheduler(t *testing.T, schedules map[string]string, history History, started time.Time, now *time.Time) (*Scheduler, *fakeScrubber) {
	t.Helper()
	scrubber := &fakeScrubber{}
	s, err := New(schedules, scrubber, history, nopLogger())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.started = started
	s.now = func() time.Time { return *now }
	return s, scrubber
}

func TestScheduler_ScrubsWhenDue(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := started.Add(time.Hour)
	s, scrubber := newTestScheduler(t, map[string]string{"tank": "0 2 * * *"}, fakeHistory{}, started, &now)
	ctx := context.Background()

	s.processSchedules(ctx)
	if scrubber.calls() != 0 {
		t.Fatal("scrub started before its time")
	}

	now = started.Add(2 * time.Hour)
	s.processSchedules(ctx)
	if scrubber.calls() != 1 || scrubber.pools[0] != "tank" {
		t.Fatalf("expected one scrub of tank, got %v", scrubber.pools)
	}

	// Still pending: no second submission.
	now = now.Add(30 * time.Second)
	s.processSchedules(ctx)
	if scrubber.calls() != 1 {
		t.Fatalf("expected the pending scrub to block another, got %d calls", scrubber.calls())
	}

	scrubber.answer(0, nil)
	now = now.Add(time.Hour)
	s.processSchedules(ctx)
	if scrubber.calls() != 1 {
		t.Errorf("scrub repeated before the next slot, got %d calls", scrubber.calls())
	}

	now = started.Add(26 * time.Hour)
	s.processSchedules(ctx)
	if scrubber.calls() != 2 {
		t.Errorf("expected the next day's scrub, got %d calls", scrubber.calls())
	}
}

func TestScheduler_CatchesUpFromHistory(t *testing.T) {
	started := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := started
	history := fakeHistory{
		"tank":   started.Add(-8 * 24 * time.Hour),
		"backup": started.Add(-time.Hour),
	}
	s, scrubber := newTestScheduler(t, map[string]string{
		"tank":   "@weekly",
		"backup": "@weekly",
	}, history, started, &now)

	s.processSchedules(context.Background())
	if scrubber.calls() != 1 || scrubber.pools[0] != "tank" {
		t.Fatalf("expected only the overdue pool to scrub, got %v", scrubber.pools)
	}
}

func TestScheduler_FailedScrubWaitsForNextSlot(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := started.Add(2 * time.Hour)
	s, scrubber := newTestScheduler(t, map[string]string{"tank": "0 2 * * *"}, fakeHistory{}, started, &now)

	s.processSchedules(context.Background())
	scrubber.answer(0, broker.ErrRightDenied)

	now = now.Add(time.Minute)
	s.processSchedules(context.Background())
	if scrubber.calls() != 1 {
		t.Errorf("a failed scrub must not be retried every tick, got %d calls", scrubber.calls())
	}
}

func TestScheduler_NextRuns(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := started
	s, _ := newTestScheduler(t, map[string]string{"tank": "0 3 * * *"}, nil, started, &now)

	next := s.NextRuns()
	want := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if !next["tank"].Equal(want) {
		t.Errorf("expected %v, got %v", want, next["tank"])
	}
}

func TestNew_RejectsInvalidSchedule(t *testing.T) {
	_, err := New(map[string]string{"tank": "not a cron line"}, &fakeScrubber{}, nil, nopLogger())
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestScheduler_RunStopsOnShutdown(t *testing.T) {
	s, _ := newTestScheduler(t, map[string]string{}, nil, time.Now(), new(time.Time))
	s.now = time.Now

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		running := s.cancel != nil
		s.mu.Unlock()
		if running || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "@monthly", "0 3 * * 0"} {
		if err := ValidateSchedule(expr); err != nil {
			t.Errorf("valid expression %q rejected: %v", expr, err)
		}
	}
	for _, expr := range []string{"61 * * * *", "bogus", "0 0 3 * * *"} {
		if err := ValidateSchedule(expr); err == nil {
			t.Errorf("invalid expression %q accepted", expr)
		}
	}
}

func TestParseSchedulesSortsByPool(t *testing.T) {
	parsed, err := parseSchedules(map[string]string{"tank": "@weekly", "backup": "@daily", "archive": "@monthly"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var pools []string
	for _, ps := range parsed {
		pools = append(pools, ps.pool)
	}
	if len(pools) != 3 || pools[0] != "archive" || pools[2] != "tank" {
		t.Errorf("expected pools in name order, got %v", pools)
	}
}
