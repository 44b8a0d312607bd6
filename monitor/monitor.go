package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrEthical07/authpipe/audit"
	"github.com/MrEthical07/authpipe/metrics"
	"go.uber.org/zap"
)

// ReasonSessionExpired is passed to [Notifier.Expired] on idle logout.
const ReasonSessionExpired = "session-expired"

// State is the idle-tracking state.
type State int

const (
	Active State = iota
	Warned
	Expired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Warned:
		return "warned"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Signal is one kind of user activity.
type Signal int

const (
	Pointer Signal = iota + 1
	Key
	Scroll
	Touch
	// Visible reports that the user came back to the app. It forces an
	// immediate check instead of resetting the clock.
	Visible
)

// Notifier shows idle warnings and the forced-logout notice.
type Notifier interface {
	Warn(remaining time.Duration)
	Expired(reason string)
}

// Terminator ends the session.
type Terminator interface {
	Logout(ctx context.Context) error
}

// Refresher renews credentials when the user extends the session.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// ActivityObserver delivers activity signals to subscribers.
type ActivityObserver interface {
	Subscribe(fn func(Signal)) (unsubscribe func())
}

// Config sets the idle timeout, how early the warning appears and how often
// the clock is checked.
type Config struct {
	IdleTimeout     time.Duration
	WarningLeadTime time.Duration
	PollInterval    time.Duration
}

// DefaultConfig returns a 30 minute timeout with a 5 minute warning,
// checked every minute.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     30 * time.Minute,
		WarningLeadTime: 5 * time.Minute,
		PollInterval:    time.Minute,
	}
}

// Validate checks cfg for values the monitor cannot run with.
func (c Config) Validate() error {
	if c.IdleTimeout <= 0 {
		return errors.New("monitor: IdleTimeout must be > 0")
	}
	if c.WarningLeadTime <= 0 || c.WarningLeadTime >= c.IdleTimeout {
		return errors.New("monitor: WarningLeadTime must be > 0 and < IdleTimeout")
	}
	if c.PollInterval <= 0 {
		return errors.New("monitor: PollInterval must be > 0")
	}
	return nil
}

// Options wires a [Monitor].
type Options struct {
	Config     Config
	Notifier   Notifier
	Terminator Terminator
	Refresher  Refresher
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Audit      audit.Sink
	Now        func() time.Time
}

// Monitor tracks the time since the last user activity, warns once before
// the idle timeout and ends the session when it elapses.
type Monitor struct {
	cfg        Config
	notifier   Notifier
	terminator Terminator
	refresher  Refresher
	log        *zap.Logger
	metrics    *metrics.Metrics
	audit      audit.Sink
	now        func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
	warningShown bool
	state        State
	running      bool
	runCtx       context.Context
	cancel       context.CancelFunc
	unsubs       []func()
}

// New creates a stopped [Monitor].
func New(opts Options) (*Monitor, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:        opts.Config,
		notifier:   opts.Notifier,
		terminator: opts.Terminator,
		refresher:  opts.Refresher,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		audit:      opts.Audit,
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	m.log = m.log.Named("monitor")
	clock := opts.Now
	if clock == nil {
		clock = time.Now
	}
	// Idle time is wall-clock time. The monotonic reading stops while the
	// host is suspended, so it is stripped from every timestamp.
	m.now = func() time.Time { return clock().Round(0) }
	m.lastActivity = m.now()
	return m, nil
}

// Start resets the clock to now and begins periodic checks. Calling Start
// on a running monitor restarts it.
func (m *Monitor) Start(ctx context.Context) {
	m.Stop()

	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.lastActivity = m.now()
	m.warningShown = false
	m.state = Active
	m.running = true
	m.runCtx = runCtx
	m.cancel = cancel
	m.mu.Unlock()

	go m.loop(runCtx)
}

// Stop cancels periodic checks. A check already running completes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Close stops the monitor and detaches every observer.
func (m *Monitor) Close() {
	m.Stop()

	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.Check(ctx) == Expired {
				return
			}
		}
	}
}

// Attach subscribes the monitor to observer. The returned func detaches it.
func (m *Monitor) Attach(observer ActivityObserver) func() {
	unsub := observer.Subscribe(m.Signal)

	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsub)
	m.mu.Unlock()

	return unsub
}

// Signal records user activity. Any activity resets the clock and clears
// the warning; the state returns to Active unless the session already
// expired. Visible runs a check at once.
func (m *Monitor) Signal(kind Signal) {
	if kind == Visible {
		m.mu.Lock()
		ctx := m.runCtx
		m.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		m.Check(ctx)
		return
	}

	now := m.now()
	m.mu.Lock()
	m.lastActivity = now
	m.warningShown = false
	if m.state != Expired {
		m.state = Active
	}
	m.mu.Unlock()
}

// Check compares the idle time with the configured thresholds and fires
// the warning or the forced logout. It is a no-op on a stopped monitor.
func (m *Monitor) Check(ctx context.Context) State {
	now := m.now()

	m.mu.Lock()
	if !m.running || m.state == Expired {
		state := m.state
		m.mu.Unlock()
		return state
	}

	elapsed := now.Sub(m.lastActivity)
	remaining := m.cfg.IdleTimeout - elapsed
	expired := remaining <= 0
	warn := false
	if !expired && !m.warningShown && remaining <= m.cfg.WarningLeadTime {
		warn = true
		m.warningShown = true
		m.state = Warned
	}

	var cancel context.CancelFunc
	if expired {
		m.state = Expired
		m.running = false
		cancel = m.cancel
		m.cancel = nil
	}
	state := m.state
	m.mu.Unlock()

	if warn {
		m.metrics.Inc(metrics.IdleWarning)
		audit.Emit(ctx, m.audit, audit.Event{EventType: audit.EventIdleWarning, Success: true})
		m.log.Debug("idle warning", zap.Duration("remaining", remaining))
		if m.notifier != nil {
			m.notifier.Warn(remaining)
		}
	}

	if expired {
		if cancel != nil {
			cancel()
		}
		m.expire(context.WithoutCancel(ctx), elapsed)
	}
	return state
}

func (m *Monitor) expire(ctx context.Context, idle time.Duration) {
	m.metrics.Inc(metrics.IdleLogout)

	var logoutErr error
	if m.terminator != nil {
		logoutErr = m.terminator.Logout(ctx)
	}
	if logoutErr != nil {
		m.log.Warn("idle logout failed", zap.Error(logoutErr))
	} else {
		m.log.Info("idle timeout, session ended", zap.Duration("idle", idle))
	}

	ev := audit.Event{
		EventType: audit.EventIdleLogout,
		Success:   logoutErr == nil,
		Metadata:  map[string]string{"reason": ReasonSessionExpired},
	}
	if logoutErr != nil {
		ev.Error = logoutErr.Error()
	}
	audit.Emit(ctx, m.audit, ev)

	if m.notifier != nil {
		m.notifier.Expired(ReasonSessionExpired)
	}
}

// ExtendSession treats the call as activity and renews credentials when a
// Refresher is wired.
func (m *Monitor) ExtendSession(ctx context.Context) error {
	m.Signal(Pointer)
	if m.refresher == nil {
		return nil
	}
	return m.refresher.Refresh(ctx)
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Remaining returns the time left before the idle timeout.
func (m *Monitor) Remaining() time.Duration {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.cfg.IdleTimeout - now.Sub(m.lastActivity)
	if r < 0 {
		return 0
	}
	return r
}

// LastActivity returns when activity was last recorded.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Running reports whether periodic checks are active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
