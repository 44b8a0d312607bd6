package authpipe

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/MrEthical07/authpipe/audit"
	"github.com/MrEthical07/authpipe/authapi"
	"github.com/MrEthical07/authpipe/gateway"
	"github.com/MrEthical07/authpipe/metrics"
	"github.com/MrEthical07/authpipe/monitor"
	"github.com/MrEthical07/authpipe/permission"
	"github.com/MrEthical07/authpipe/session"
	"github.com/MrEthical07/authpipe/stepup"
	"github.com/MrEthical07/authpipe/store"
	"github.com/MrEthical07/authpipe/tenant"
)

// LoginOutcome is the result of [Pipeline.Login]. Exactly one of Session
// and StepUpRequired is set.
type LoginOutcome struct {
	Session        *session.Session
	StepUpRequired bool
	UserID         string
}

// Pipeline is the session context of one signed-in client. Create it with
// [Builder.Build].
type Pipeline struct {
	cfg        Config
	log        *zap.Logger
	creds      *store.Credentials
	resolver   *tenant.Resolver
	gateway    *gateway.Gateway
	api        *authapi.Client
	stepup     *stepup.Authenticator
	monitor    *monitor.Monitor
	hub        *monitor.Hub
	metrics    *metrics.Metrics
	dispatcher *audit.Dispatcher
	audit      audit.Sink
	notifier   monitor.Notifier

	// ctx outlives individual calls; the idle monitor runs on it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *authapi.PendingStepUp
	closed  bool
}

// Login signs in with email and password. A complete session is stored
// and the idle monitor starts. When the account requires step-up the
// pending login is held until [Pipeline.CompleteStepUp].
func (p *Pipeline) Login(ctx context.Context, email, password string) (*LoginOutcome, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	res, err := p.api.Login(ctx, email, password)
	if err != nil {
		p.metrics.Inc(metrics.LoginFailure)
		audit.Emit(ctx, p.audit, audit.Event{
			EventType: audit.EventLogin,
			Success:   false,
			Error:     err.Error(),
		})
		p.log.Info("login failed", zap.Error(err))
		return nil, err
	}

	if res.StepUp != nil {
		pending := *res.StepUp
		p.mu.Lock()
		p.pending = &pending
		p.mu.Unlock()

		p.metrics.Inc(metrics.StepUpRequired)
		audit.Emit(ctx, p.audit, audit.Event{
			EventType: audit.EventStepUpRequired,
			UserID:    pending.UserID,
			Success:   true,
		})
		p.log.Debug("login requires step-up", zap.String("user_id", pending.UserID))
		return &LoginOutcome{StepUpRequired: true, UserID: pending.UserID}, nil
	}

	if err := p.establish(ctx, res.Session); err != nil {
		return nil, err
	}
	return &LoginOutcome{Session: res.Session.Clone(), UserID: res.Session.User.ID}, nil
}

// CompleteStepUp finishes a pending login with a TOTP code or, when
// isBackupCode is set, a backup code. A rejected code leaves the login
// pending so the user can try again.
func (p *Pipeline) CompleteStepUp(ctx context.Context, code string, isBackupCode bool) (*session.Session, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	p.mu.Lock()
	pending := p.pending
	p.mu.Unlock()
	if pending == nil {
		return nil, ErrNoPendingStepUp
	}

	s, err := p.stepup.Authenticate(ctx, *pending, code, isBackupCode)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.pending == pending {
		p.pending = nil
	}
	p.mu.Unlock()

	if err := p.establish(ctx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// PendingStepUp reports the user awaiting a second factor, if any.
func (p *Pipeline) PendingStepUp() (userID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return "", false
	}
	return p.pending.UserID, true
}

func (p *Pipeline) establish(ctx context.Context, s *session.Session) error {
	if err := p.gateway.Begin(ctx, s); err != nil {
		return err
	}
	if p.monitor != nil {
		p.monitor.Start(p.ctx)
	}

	p.metrics.Inc(metrics.LoginSuccess)
	audit.Emit(ctx, p.audit, audit.Event{
		EventType: audit.EventLogin,
		UserID:    s.User.ID,
		TenantID:  s.TenantID,
		Success:   true,
	})
	p.log.Info("signed in", zap.String("user_id", s.User.ID), zap.String("tenant_id", s.TenantID))
	return nil
}

// Resume picks up a session persisted by an earlier process and starts the
// idle monitor for it. It reports whether a session was found.
func (p *Pipeline) Resume(ctx context.Context) (bool, error) {
	if p.isClosed() {
		return false, ErrClosed
	}
	s, err := p.creds.Load(ctx)
	if err != nil {
		return false, err
	}
	if !s.Authenticated() {
		return false, nil
	}
	if p.monitor != nil {
		p.monitor.Start(p.ctx)
	}
	return true, nil
}

// Logout clears the stored session, abandons any in-flight refresh, stops
// the idle monitor and resets step-up state. Audit events emitted so far
// reach the sink before it returns.
func (p *Pipeline) Logout(ctx context.Context) error {
	s, _ := p.creds.Load(ctx)
	err := p.signOut(ctx)

	p.metrics.Inc(metrics.Logout)
	ev := audit.Event{EventType: audit.EventLogout, Success: err == nil}
	if s != nil {
		ev.UserID, ev.TenantID = s.User.ID, s.TenantID
	}
	if err != nil {
		ev.Error = err.Error()
	}
	audit.Emit(ctx, p.audit, ev)
	if ferr := p.dispatcher.Flush(ctx); ferr != nil {
		p.log.Debug("audit flush after logout", zap.Error(ferr))
	}
	return err
}

func (p *Pipeline) signOut(ctx context.Context) error {
	if p.monitor != nil {
		p.monitor.Stop()
	}
	p.stepup.Reset()
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
	return p.gateway.Logout(ctx)
}

// sessionEnded runs after a failed refresh cleared the store.
func (p *Pipeline) sessionEnded(e *gateway.SessionEndedError) {
	if p.monitor != nil {
		p.monitor.Stop()
	}
	p.stepup.Reset()
	if p.notifier != nil {
		p.notifier.Expired(e.Reason)
	}
}

// idleTerminator ends the session for the idle monitor, which records
// its own audit event.
type idleTerminator struct {
	p *Pipeline
}

func (t idleTerminator) Logout(ctx context.Context) error {
	return t.p.signOut(ctx)
}

// Send dispatches req through the gateway.
func (p *Pipeline) Send(req *http.Request) (*http.Response, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	return p.gateway.Do(req)
}

// Client returns an *http.Client whose transport is the gateway.
func (p *Pipeline) Client() *http.Client {
	return &http.Client{Transport: p.gateway.Transport()}
}

// Refresh renews the access token now instead of waiting for a 401.
func (p *Pipeline) Refresh(ctx context.Context) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.gateway.Refresh(ctx)
}

// Session returns a copy of the stored session, or nil when signed out.
func (p *Pipeline) Session(ctx context.Context) (*session.Session, error) {
	return p.creds.Load(ctx)
}

// CanAccess evaluates rule against the signed-in user.
func (p *Pipeline) CanAccess(ctx context.Context, rule permission.Rule) (bool, error) {
	s, err := p.creds.Load(ctx)
	if err != nil {
		return false, err
	}
	if !s.Authenticated() {
		return false, nil
	}
	return permission.CanAccess(&s.User, rule), nil
}

// Tenant resolves origin the way outbound requests do.
func (p *Pipeline) Tenant(origin string) tenant.Context {
	return p.resolver.Context(origin)
}

// StepUp returns the step-up authenticator for enrollment, disable and
// backup-code regeneration.
func (p *Pipeline) StepUp() *stepup.Authenticator {
	return p.stepup
}

// Monitor returns the idle monitor, or nil when idle monitoring is off.
func (p *Pipeline) Monitor() *monitor.Monitor {
	return p.monitor
}

// Activity returns the hub the idle monitor listens on. Publish user
// activity to it, or wire it to middleware.TrackActivity.
func (p *Pipeline) Activity() *monitor.Hub {
	return p.hub
}

// API returns the auth client routed through the gateway.
func (p *Pipeline) API() *authapi.Client {
	return p.api
}

// MetricsSnapshot returns the current counters.
func (p *Pipeline) MetricsSnapshot() metrics.Snapshot {
	return p.metrics.Snapshot()
}

// AuditDropped reports audit events dropped because the buffer was full.
func (p *Pipeline) AuditDropped() uint64 {
	return p.dispatcher.Dropped()
}

// Close stops background work and flushes pending audit events. Stored
// credentials are kept so a later process can [Pipeline.Resume].
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.monitor != nil {
		p.monitor.Close()
	}
	p.gateway.Close()
	p.cancel()
	p.dispatcher.Close()
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
