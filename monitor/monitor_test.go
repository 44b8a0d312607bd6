package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authpipe/audit"
	"github.com/MrEthical07/authpipe/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recNotifier struct {
	mu      sync.Mutex
	warns   []time.Duration
	expired []string
}

func (n *recNotifier) Warn(remaining time.Duration) {
	n.mu.Lock()
	n.warns = append(n.warns, remaining)
	n.mu.Unlock()
}

func (n *recNotifier) Expired(reason string) {
	n.mu.Lock()
	n.expired = append(n.expired, reason)
	n.mu.Unlock()
}

func (n *recNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.warns), len(n.expired)
}

type recTerminator struct {
	calls atomic.Int64
	err   error
}

func (t *recTerminator) Logout(context.Context) error {
	t.calls.Add(1)
	return t.err
}

type recRefresher struct {
	calls atomic.Int64
}

func (r *recRefresher) Refresh(context.Context) error {
	r.calls.Add(1)
	return nil
}

func newTestMonitor(t *testing.T, clock *fakeClock) (*Monitor, *recNotifier, *recTerminator) {
	t.Helper()
	n := &recNotifier{}
	term := &recTerminator{}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour

	m, err := New(Options{
		Config:     cfg,
		Notifier:   n,
		Terminator: term,
		Metrics:    metrics.New(metrics.Config{Enabled: true}),
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.Start(context.Background())
	t.Cleanup(m.Close)
	return m, n, term
}

func TestWarningExactlyOnceInWindow(t *testing.T) {
	clock := newFakeClock()
	m, n, term := newTestMonitor(t, clock)

	for s := 0; s < 1800; s++ {
		state := m.Check(context.Background())
		warns, _ := n.counts()
		switch {
		case s < 1500:
			if warns != 0 || state != Active {
				t.Fatalf("at %ds expected no warning and Active, got %d warnings state %v", s, warns, state)
			}
		default:
			if warns != 1 || state != Warned {
				t.Fatalf("at %ds expected one warning and Warned, got %d warnings state %v", s, warns, state)
			}
		}
		clock.Advance(time.Second)
	}

	if n.warns[0] != 5*time.Minute {
		t.Fatalf("expected 5m remaining at warning, got %v", n.warns[0])
	}
	if term.calls.Load() != 0 {
		t.Fatal("logout before timeout")
	}

	if state := m.Check(context.Background()); state != Expired {
		t.Fatalf("expected Expired at 1800s, got %v", state)
	}
	if term.calls.Load() != 1 {
		t.Fatalf("expected one logout, got %d", term.calls.Load())
	}
	warns, expired := n.counts()
	if warns != 1 || expired != 1 || n.expired[0] != ReasonSessionExpired {
		t.Fatalf("unexpected notifications: warns=%d expired=%v", warns, n.expired)
	}

	m.Check(context.Background())
	if term.calls.Load() != 1 {
		t.Fatal("expired monitor must not log out twice")
	}
	if m.Running() {
		t.Fatal("ticking must stop after expiry")
	}
}

func TestActivityResetsClockAndWarning(t *testing.T) {
	clock := newFakeClock()
	m, n, _ := newTestMonitor(t, clock)

	clock.Advance(1600 * time.Second)
	if state := m.Check(context.Background()); state != Warned {
		t.Fatalf("expected Warned, got %v", state)
	}

	m.Signal(Key)
	if m.State() != Active {
		t.Fatalf("activity must return to Active, got %v", m.State())
	}
	if !m.LastActivity().Equal(clock.Now()) {
		t.Fatal("activity must reset the clock")
	}

	clock.Advance(1499 * time.Second)
	m.Check(context.Background())
	if warns, _ := n.counts(); warns != 1 {
		t.Fatalf("expected no new warning before 1500s idle, got %d", warns)
	}

	clock.Advance(time.Second)
	m.Check(context.Background())
	if warns, _ := n.counts(); warns != 2 {
		t.Fatalf("expected a fresh warning in the new idle cycle, got %d", warns)
	}
}

func TestEverySignalKindCountsAsActivity(t *testing.T) {
	for _, s := range []Signal{Pointer, Key, Scroll, Touch} {
		clock := newFakeClock()
		m, _, term := newTestMonitor(t, clock)

		clock.Advance(29 * time.Minute)
		m.Signal(s)
		clock.Advance(29 * time.Minute)
		if state := m.Check(context.Background()); state == Expired || term.calls.Load() != 0 {
			t.Fatalf("signal %d did not reset the clock", s)
		}
	}
}

func TestVisibleAfterBackgroundForcesLogout(t *testing.T) {
	clock := newFakeClock()
	m, n, term := newTestMonitor(t, clock)

	// The tab was hidden and no tick ran for two hours.
	clock.Advance(2 * time.Hour)
	m.Signal(Visible)

	if m.State() != Expired {
		t.Fatalf("expected Expired on return, got %v", m.State())
	}
	if term.calls.Load() != 1 {
		t.Fatalf("expected immediate logout, got %d", term.calls.Load())
	}
	if warns, expired := n.counts(); warns != 0 || expired != 1 {
		t.Fatalf("expected no warning and one expiry notice, got %d/%d", warns, expired)
	}
}

func TestTimestampsUseWallClock(t *testing.T) {
	// time.Now carries a monotonic reading; Add keeps it.
	clock := &fakeClock{t: time.Now()}
	m, n, term := newTestMonitor(t, clock)

	m.Signal(Pointer)
	if last := m.LastActivity(); strings.Contains(last.String(), " m=") {
		t.Fatalf("activity time keeps a monotonic reading: %s", last)
	}

	clock.Advance(1500 * time.Second)
	if got := m.Check(context.Background()); got != Warned {
		t.Fatalf("state at 1500s = %v, want Warned", got)
	}
	if r := m.Remaining(); r != 300*time.Second {
		t.Fatalf("remaining = %v, want 5m", r)
	}

	clock.Advance(300 * time.Second)
	m.Signal(Visible)
	if m.State() != Expired || term.calls.Load() != 1 {
		t.Fatalf("state = %v, logouts = %d", m.State(), term.calls.Load())
	}
	if warns, expired := n.counts(); warns != 1 || expired != 1 {
		t.Fatalf("warns=%d expired=%d", warns, expired)
	}
}

func TestExpiredIsTerminalUntilStart(t *testing.T) {
	clock := newFakeClock()
	m, _, _ := newTestMonitor(t, clock)

	clock.Advance(31 * time.Minute)
	m.Check(context.Background())
	m.Signal(Pointer)
	if m.State() != Expired {
		t.Fatalf("activity after expiry must not revive the session, got %v", m.State())
	}

	m.Start(context.Background())
	if m.State() != Active || !m.Running() {
		t.Fatalf("Start must reset to Active, got %v", m.State())
	}
}

func TestStoppedMonitorDoesNotAct(t *testing.T) {
	clock := newFakeClock()
	m, _, term := newTestMonitor(t, clock)

	m.Stop()
	clock.Advance(time.Hour)
	m.Signal(Visible)
	if m.Check(context.Background()) != Active || term.calls.Load() != 0 {
		t.Fatal("stopped monitor must not expire the session")
	}
}

func TestTickerDrivesLogout(t *testing.T) {
	term := &recTerminator{err: errors.New("store down")}
	sink := audit.NewChannelSink(8)
	m, err := New(Options{
		Config: Config{
			IdleTimeout:     200 * time.Millisecond,
			WarningLeadTime: 150 * time.Millisecond,
			PollInterval:    5 * time.Millisecond,
		},
		Terminator: term,
		Audit:      sink,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.Start(context.Background())
	defer m.Close()

	deadline := time.After(2 * time.Second)
	for term.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("ticker never expired the session")
		case <-time.After(5 * time.Millisecond):
		}
	}

	var sawWarning, sawLogout bool
	for !sawLogout {
		select {
		case ev := <-sink.Events():
			switch ev.EventType {
			case audit.EventIdleWarning:
				sawWarning = true
			case audit.EventIdleLogout:
				sawLogout = true
				if ev.Success || ev.Error == "" {
					t.Fatalf("failed logout must be audited as failure: %+v", ev)
				}
			}
		case <-time.After(time.Second):
			t.Fatal("missing idle logout audit event")
		}
	}
	if !sawWarning {
		t.Fatal("expected idle warning before logout")
	}
}

func TestExtendSessionRefreshes(t *testing.T) {
	clock := newFakeClock()
	ref := &recRefresher{}
	m, err := New(Options{Config: DefaultConfig(), Refresher: ref, Now: clock.Now})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.Start(context.Background())
	defer m.Close()

	clock.Advance(26 * time.Minute)
	m.Check(context.Background())
	if m.State() != Warned {
		t.Fatalf("expected Warned, got %v", m.State())
	}

	if err := m.ExtendSession(context.Background()); err != nil {
		t.Fatalf("ExtendSession failed: %v", err)
	}
	if ref.calls.Load() != 1 || m.State() != Active || m.Remaining() != 30*time.Minute {
		t.Fatalf("expected refresh and reset clock, calls=%d state=%v remaining=%v", ref.calls.Load(), m.State(), m.Remaining())
	}
}

func TestAttachHubDeliversSignals(t *testing.T) {
	clock := newFakeClock()
	m, _, _ := newTestMonitor(t, clock)
	hub := NewHub()
	detach := m.Attach(hub)

	clock.Advance(10 * time.Minute)
	hub.Publish(Scroll)
	if !m.LastActivity().Equal(clock.Now()) {
		t.Fatal("hub signal did not reach the monitor")
	}

	detach()
	clock.Advance(10 * time.Minute)
	hub.Publish(Scroll)
	if m.LastActivity().Equal(clock.Now()) {
		t.Fatal("detached monitor must not receive signals")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero timeout", cfg: Config{WarningLeadTime: time.Minute, PollInterval: time.Second}},
		{name: "lead equals timeout", cfg: Config{IdleTimeout: time.Minute, WarningLeadTime: time.Minute, PollInterval: time.Second}},
		{name: "zero poll", cfg: Config{IdleTimeout: time.Hour, WarningLeadTime: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
