// Package scheduler starts pool scrubs on cron schedules.
// The loop checks every 30 seconds which pools are due, measured from the
// last successful scrub in the journal, and submits scrub requests through
// the broker like any other caller.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/doughall/zfsbroker/internal/broker"
)

const checkInterval = 30 * time.Second

// Scrubber submits scrub requests.
type Scrubber interface {
	ScrubPool(ctx context.Context, req broker.ScrubPoolRequest, reply broker.ReplyFunc)
}

// History reports when a pool was last scrubbed.
type History interface {
	LastScrub(pool string) (time.Time, bool, error)
}

// Scheduler runs the scrub loop
type Scheduler struct {
	schedules []poolSchedule
	scrubber  Scrubber
	history   History
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	started   time.Time
	triggered map[string]time.Time
	inflight  map[string]bool
	cancel    context.CancelFunc
}

// New creates a scheduler for schedules, a map of pool name to cron
// expression. Every expression is validated up front.
func New(schedules map[string]string, scrubber Scrubber, history History, logger *slog.Logger) (*Scheduler, error) {
	parsed, err := parseSchedules(schedules)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		started:   time.Now(),
		schedules: parsed,
		scrubber:  scrubber,
		history:   history,
		logger:    logger.With(slog.String("component", "scheduler")),
		now:       time.Now,
		triggered: make(map[string]time.Time),
		inflight:  make(map[string]bool),
	}, nil
}

// Run starts the scheduler loop (blocking) until ctx is cancelled or
// Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.started = s.now()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("scheduler started", slog.Int("pools", len(s.schedules)))
	for _, ps := range s.schedules {
		s.logger.Debug("scrub schedule",
			slog.String("pool", ps.pool),
			slog.String("schedule", ps.expr),
		)
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// Check immediately on startup to catch scrubs missed while stopped
	s.processSchedules(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.processSchedules(ctx)
		}
	}
}

// NextRuns returns the next scrub time per pool.
func (s *Scheduler) NextRuns() map[string]time.Time {
	next := make(map[string]time.Time, len(s.schedules))
	for _, ps := range s.schedules {
		next[ps.pool] = ps.next(s.baseline(ps.pool))
	}
	return next
}

// processSchedules submits a scrub for every due pool not already scrubbing.
func (s *Scheduler) processSchedules(ctx context.Context) {
	now := s.now()
	for _, ps := range s.schedules {
		pool := ps.pool
		if now.Before(ps.next(s.baseline(pool))) {
			continue
		}

		s.mu.Lock()
		busy := s.inflight[pool]
		if !busy {
			s.inflight[pool] = true
			s.triggered[pool] = now
		}
		s.mu.Unlock()
		if busy {
			s.logger.Debug("scrub still pending", slog.String("pool", pool))
			continue
		}

		s.trigger(ctx, pool)
	}
}

func (s *Scheduler) trigger(ctx context.Context, pool string) {
	poolLogger := s.logger.With(slog.String("pool", pool))
	poolLogger.Info("starting scheduled scrub")

	s.scrubber.ScrubPool(ctx, broker.ScrubPoolRequest{Pool: pool, Action: broker.ScrubStart}, func(err error) {
		s.mu.Lock()
		delete(s.inflight, pool)
		s.mu.Unlock()

		if err != nil {
			poolLogger.Warn("scheduled scrub failed",
				slog.String("kind", broker.Kind(err)),
				slog.String("error", err.Error()),
			)
			return
		}
		poolLogger.Info("scheduled scrub started")
	})
}

// baseline is the time the next scrub of pool is measured from: the latest
// of the last recorded scrub, the last trigger and, lacking both, startup.
func (s *Scheduler) baseline(pool string) time.Time {
	s.mu.Lock()
	last := s.started
	triggered, ok := s.triggered[pool]
	s.mu.Unlock()

	if s.history != nil {
		scrubbed, found, err := s.history.LastScrub(pool)
		if err != nil {
			s.logger.Warn("could not read last scrub",
				slog.String("pool", pool),
				slog.String("error", err.Error()),
			)
		} else if found {
			last = scrubbed
		}
	}
	if ok && triggered.After(last) {
		last = triggered
	}
	return last
}

// Shutdown stops the loop. Scrubs already submitted are left to the broker.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
