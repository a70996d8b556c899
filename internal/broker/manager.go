package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxFailures is the number of connection failures a task survives.
const DefaultMaxFailures = 2

// Channel is an open connection to the helper.
type Channel interface {
	Remote
	// Done is closed when the channel goes away.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Dialer opens channels to the helper.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context) (Channel, error) {
	return f(ctx)
}

// Installer repairs the helper installation between connect attempts.
type Installer interface {
	EnsureInstalled(ctx context.Context) error
}

// Status is a snapshot of the manager.
type Status struct {
	State    State
	Queued   int
	InFlight bool
	Cycle    uint64
}

// Manager owns the helper connection and the queue of tasks waiting for it.
//
// Tasks run one at a time in submission order on the live channel. When a
// connect attempt fails or the channel goes away, every waiting task is
// charged one failure and the next attempt first verifies the helper
// installation. The manager stays Invalidated until that attempt begins. A
// queued task whose context ends leaves the queue at once. A task whose budget is spent is answered with
// *RetriesExhaustedError; an installation failure answers every waiting task.
//
// All state lives under mu. Dialing, installing and task execution happen on
// manager goroutines, and their results are applied under mu together with
// the cycle they belong to, so results from a superseded attempt are dropped.
type Manager struct {
	dialer      Dialer
	installer   Installer
	maxFailures int
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	channel Channel
	cycle   uint64
	suspect bool
	queue   []*pendingTask
	current *pendingTask
	running bool
	closed  bool
}

// NewManager creates a disconnected manager. A negative maxFailures selects
// DefaultMaxFailures. installer may be nil, in which case failed connections
// are retried without repair.
func NewManager(dialer Dialer, installer Installer, maxFailures int, logger *slog.Logger) *Manager {
	if maxFailures < 0 {
		maxFailures = DefaultMaxFailures
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:      dialer,
		installer:   installer,
		maxFailures: maxFailures,
		logger:      logger.With(slog.String("component", "connection")),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the connection and queue.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:    m.state,
		Queued:   len(m.queue),
		InFlight: m.current != nil,
		Cycle:    m.cycle,
	}
}

// Prime starts a connect attempt if none is live or in progress. It never
// installs the helper and never blocks.
func (m *Manager) Prime() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.idleLocked() || m.current != nil {
		return
	}
	m.beginConnectLocked(false)
}

// ExecuteWhenConnected queues run with the default retry budget and returns
// the task ID. done receives the outcome exactly once.
func (m *Manager) ExecuteWhenConnected(ctx context.Context, run TaskFunc, done ReplyFunc) string {
	return m.submit(ctx, run, done, m.maxFailures)
}

// ExecuteWithRetries is ExecuteWhenConnected with an explicit retry budget.
func (m *Manager) ExecuteWithRetries(ctx context.Context, run TaskFunc, done ReplyFunc, maxFailures int) string {
	if maxFailures < 0 {
		maxFailures = m.maxFailures
	}
	return m.submit(ctx, run, done, maxFailures)
}

func (m *Manager) submit(ctx context.Context, run TaskFunc, done ReplyFunc, maxFailures int) string {
	if ctx == nil {
		ctx = context.Background()
	}
	t := &pendingTask{
		id:        uuid.NewString(),
		ctx:       ctx,
		run:       run,
		reply:     newReply(done),
		remaining: maxFailures,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.reply.resolve(ErrBrokerClosed)
		return t.id
	}
	m.queue = append(m.queue, t)
	t.stopWatch = context.AfterFunc(ctx, func() { m.dropCancelled(t) })
	m.logger.Debug("task queued",
		slog.String("task", t.id),
		slog.String("state", m.state.String()),
		slog.Int("queued", len(m.queue)),
	)
	m.kickLocked()
	m.mu.Unlock()
	return t.id
}

// Reset discards the live channel, or a connect attempt in progress, without
// charging anyone, so that the next task reaches a freshly installed helper.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.suspect = false
	if m.closed {
		m.mu.Unlock()
		return
	}

	var ch Channel
	switch m.state {
	case Connected:
		ch = m.channel
		m.channel = nil
		m.cycle++
		m.apply(eventChannelLost)
		m.apply(eventReset)
		m.logger.Info("dropping helper channel after reinstall")
	case Connecting:
		// The dial in flight may still reach the old helper. Its result
		// belongs to a superseded cycle and is dropped.
		m.cycle++
		m.wg.Add(1)
		go m.connect(m.cycle, false)
		m.logger.Info("restarting helper connect after reinstall", slog.Uint64("cycle", m.cycle))
	case Invalidated:
		m.apply(eventReset)
	}
	m.kickLocked()
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// dropCancelled answers a queued task whose context ended. A task already
// running is left to its TaskFunc, which sees the same context.
func (m *Manager) dropCancelled(t *pendingTask) {
	m.mu.Lock()
	found := false
	for i, q := range m.queue {
		if q == t {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()

	if found {
		m.logger.Debug("queued task cancelled", slog.String("task", t.id))
		fire([]resolution{{task: t, err: t.ctx.Err()}})
	}
}

// Close fails every queued task with ErrBrokerClosed and drops the channel.
// A task already running finishes on its own.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.apply(eventClose)
	m.cancel()

	ch := m.channel
	m.channel = nil
	out := make([]resolution, 0, len(m.queue))
	for _, t := range m.queue {
		out = append(out, resolution{task: t, err: ErrBrokerClosed})
	}
	m.queue = nil
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	fire(out)
}

// Shutdown closes the manager and waits for its goroutines until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply moves the state machine. mu must be held.
func (m *Manager) apply(e event) {
	next, ok := transition(m.state, e)
	if !ok {
		m.logger.Error("invalid connection state transition",
			slog.String("state", m.state.String()),
			slog.String("event", e.String()),
		)
		return
	}
	if next != m.state {
		m.logger.Debug("connection state changed",
			slog.String("from", m.state.String()),
			slog.String("to", next.String()),
			slog.String("event", e.String()),
		)
	}
	m.state = next
}

// idleLocked reports whether no channel is live and no attempt is running.
func (m *Manager) idleLocked() bool {
	return m.state == Disconnected || m.state == Invalidated
}

// kickLocked makes progress on the queue: it starts the runner on a live
// channel, or a connect attempt when idle and nothing is running.
func (m *Manager) kickLocked() {
	if m.closed || len(m.queue) == 0 {
		return
	}
	switch m.state {
	case Connected:
		if !m.running {
			m.running = true
			m.wg.Add(1)
			go m.runQueue(m.cycle, m.channel)
		}
	case Disconnected, Invalidated:
		if m.current == nil {
			m.beginConnectLocked(m.suspect)
		}
	}
}

func (m *Manager) beginConnectLocked(verify bool) {
	if m.state == Invalidated {
		m.apply(eventReset)
	}
	m.apply(eventConnect)
	m.cycle++
	m.wg.Add(1)
	go m.connect(m.cycle, verify)
}

func (m *Manager) connect(cycle uint64, verify bool) {
	defer m.wg.Done()

	if verify && m.installer != nil {
		m.logger.Info("verifying helper installation", slog.Uint64("cycle", cycle))
		if err := m.installer.EnsureInstalled(m.ctx); err != nil {
			m.connectFailed(cycle, err)
			return
		}
	}

	ch, err := m.dialer.Dial(m.ctx)
	if err != nil {
		if !IsRetryable(err) {
			err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		m.connectFailed(cycle, err)
		return
	}
	m.connected(cycle, ch)
}

func (m *Manager) connected(cycle uint64, ch Channel) {
	m.mu.Lock()
	if m.closed || cycle != m.cycle {
		m.mu.Unlock()
		ch.Close()
		return
	}
	m.apply(eventConnected)
	m.channel = ch
	m.suspect = false
	m.logger.Info("connected to helper",
		slog.Uint64("cycle", cycle),
		slog.Int("queued", len(m.queue)),
	)

	m.wg.Add(1)
	go m.watch(cycle, ch)
	m.kickLocked()
	m.mu.Unlock()
}

func (m *Manager) connectFailed(cycle uint64, err error) {
	m.mu.Lock()
	if m.closed || cycle != m.cycle {
		m.mu.Unlock()
		return
	}
	m.apply(eventConnectFailed)
	m.suspect = true

	var out []resolution
	if IsRetryable(err) {
		m.logger.Warn("helper connection failed",
			slog.Uint64("cycle", cycle),
			slog.String("error", err.Error()),
			slog.Int("queued", len(m.queue)),
		)
		out = m.chargeLocked(cycle, err)
	} else {
		m.logger.Error("helper unavailable, failing queued tasks",
			slog.Uint64("cycle", cycle),
			slog.String("error", err.Error()),
			slog.Int("queued", len(m.queue)),
		)
		for _, t := range m.queue {
			out = append(out, resolution{task: t, err: err})
		}
		m.queue = nil
	}

	m.kickLocked()
	m.mu.Unlock()
	fire(out)
}

func (m *Manager) watch(cycle uint64, ch Channel) {
	defer m.wg.Done()

	select {
	case <-ch.Done():
	case <-m.ctx.Done():
		return
	}

	cause := ErrConnectionInvalidated
	if err := ch.Err(); err != nil {
		cause = fmt.Errorf("%w: %v", ErrConnectionInvalidated, err)
	}

	m.mu.Lock()
	out := m.invalidateLocked(cycle, cause)
	m.kickLocked()
	m.mu.Unlock()
	fire(out)
}

// invalidateLocked tears down the channel of cycle, if it is still the live
// one, and charges everyone waiting on it.
func (m *Manager) invalidateLocked(cycle uint64, cause error) []resolution {
	if m.closed || cycle != m.cycle || m.state != Connected {
		return nil
	}
	m.apply(eventChannelLost)
	m.channel.Close()
	m.channel = nil
	m.suspect = true
	m.logger.Warn("helper channel invalidated",
		slog.Uint64("cycle", cycle),
		slog.String("error", cause.Error()),
		slog.Int("queued", len(m.queue)),
		slog.Bool("in_flight", m.current != nil),
	)

	return m.chargeLocked(cycle, cause)
}

// chargeLocked charges one failure to every queued task and the running one.
// Exhausted and cancelled tasks leave the queue; their replies are returned.
func (m *Manager) chargeLocked(cycle uint64, cause error) []resolution {
	var out []resolution
	kept := m.queue[:0]
	for _, t := range m.queue {
		switch {
		case t.ctx.Err() != nil:
			out = append(out, resolution{task: t, err: t.ctx.Err()})
		case t.charge(cycle, cause):
			out = append(out, resolution{task: t, err: t.exhausted()})
		default:
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept

	if m.current != nil {
		m.current.charge(cycle, cause)
	}
	return out
}

// runQueue executes queued tasks in order on the channel of cycle until the
// queue drains or the channel is replaced.
func (m *Manager) runQueue(cycle uint64, ch Channel) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		if m.closed || m.state != Connected || m.cycle != cycle || len(m.queue) == 0 {
			m.running = false
			m.kickLocked()
			m.mu.Unlock()
			return
		}
		t := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.current = t
		t.attempts++
		m.mu.Unlock()

		err := t.ctx.Err()
		if err == nil {
			err = t.run(t.ctx, ch)
		}

		m.mu.Lock()
		m.current = nil
		var out []resolution
		switch {
		case err == nil || !IsRetryable(err):
			m.logger.Debug("task finished",
				slog.String("task", t.id),
				slog.Int("attempts", t.attempts),
				slog.Bool("ok", err == nil),
			)
			out = append(out, resolution{task: t, err: err})
		case m.closed:
			out = append(out, resolution{task: t, err: ErrBrokerClosed})
		default:
			out = m.invalidateLocked(cycle, err)
			switch {
			case t.ctx.Err() != nil:
				out = append(out, resolution{task: t, err: t.ctx.Err()})
			case t.charge(cycle, err):
				out = append(out, resolution{task: t, err: t.exhausted()})
			default:
				m.logger.Info("requeueing task after connection failure",
					slog.String("task", t.id),
					slog.Int("retries_left", t.remaining),
				)
				m.queue = append([]*pendingTask{t}, m.queue...)
			}
		}
		m.kickLocked()
		m.mu.Unlock()
		fire(out)
	}
}
