package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/authpipe/audit"
	"github.com/MrEthical07/authpipe/authapi"
	"github.com/MrEthical07/authpipe/metrics"
	"github.com/MrEthical07/authpipe/session"
	"github.com/MrEthical07/authpipe/store"
	"github.com/MrEthical07/authpipe/tenant"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Doer sends one HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Refresher exchanges a refresh token for a new token pair.
// *authapi.Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, userID string) (*authapi.TokenPair, error)
}

// Options wires a [Gateway].
type Options struct {
	Config      Config
	Credentials *store.Credentials
	Resolver    *tenant.Resolver
	// Refresher is called with a plain client, never through the gateway.
	Refresher Refresher
	// Next performs the network I/O. Defaults to http.DefaultClient. It must
	// not route back through this gateway's Transport.
	Next    Doer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Audit   audit.Sink
	// OnSessionEnded runs after a failed refresh has cleared the store.
	OnSessionEnded func(*SessionEndedError)
	Now            func() time.Time
}

// Gateway attaches credentials and tenant context to outbound requests and
// recovers from an expired access token with one shared refresh.
type Gateway struct {
	cfg       Config
	creds     *store.Credentials
	resolver  *tenant.Resolver
	refresher Refresher
	next      Doer
	log       *zap.Logger
	metrics   *metrics.Metrics
	audit     audit.Sink
	onEnded   func(*SessionEndedError)
	now       func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	epoch      uint64
	closed     bool
}

// New creates a [Gateway].
func New(opts Options) (*Gateway, error) {
	if opts.Credentials == nil {
		return nil, errors.New("gateway: nil credentials")
	}
	cfg := opts.Config.clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:       cfg,
		creds:     opts.Credentials,
		resolver:  opts.Resolver,
		refresher: opts.Refresher,
		next:      opts.Next,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		onEnded:   opts.OnSessionEnded,
		now:       opts.Now,
	}
	if g.resolver == nil {
		g.resolver = tenant.NewResolver(tenant.DefaultConfig())
	}
	if g.next == nil {
		g.next = http.DefaultClient
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	g.log = g.log.Named("gateway")
	if g.now == nil {
		g.now = time.Now
	}
	g.lifeCtx, g.lifeCancel = context.WithCancel(context.Background())

	return g, nil
}

// Transport adapts g to an http.RoundTripper.
func (g *Gateway) Transport() http.RoundTripper {
	return roundTripper{g: g}
}

type roundTripper struct {
	g *Gateway
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.g.Do(req)
}

// Do sends req with the stored access token and the resolved tenant header.
//
// A 401 on a request that carried the stored token triggers at most one
// refresh, shared by every concurrent caller, and one replay. A replay that
// is again rejected yields [ErrUnauthorized]. A failed refresh clears the
// store and yields a [*SessionEndedError].
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if g.isClosed() {
		closeBody(req)
		return nil, ErrClosed
	}

	body, err := newReplayableBody(req)
	if err != nil {
		return nil, err
	}

	requestID := ""
	if g.cfg.RequestIDHeader != "" {
		requestID = req.Header.Get(g.cfg.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
	}

	resp, sent, err := g.attempt(req, body, requestID, 0)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !g.refreshable(req, sent) {
		return resp, nil
	}

	g.metrics.Inc(metrics.RequestUnauthorized)
	drain(resp)

	if err := g.renew(req.Context(), sent, requestID); err != nil {
		return nil, err
	}

	g.metrics.Inc(metrics.Replay)
	resp, _, err = g.attempt(req, body, requestID, 1)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		g.metrics.Inc(metrics.ReplayUnauthorized)
		g.log.Debug("replay rejected",
			zap.String("path", req.URL.Path),
			zap.String("request_id", requestID),
		)
		return nil, ErrUnauthorized
	}
	return resp, nil
}

// attempt dispatches a clone of orig and reports the stored token it
// attached, or "" when none was attached.
func (g *Gateway) attempt(orig *http.Request, body *replayableBody, requestID string, n int) (*http.Response, string, error) {
	ctx := orig.Context()
	req := orig.Clone(ctx)
	if err := body.apply(req, n); err != nil {
		return nil, "", err
	}

	sent := ""
	if req.Header.Get("Authorization") == "" {
		token, err := g.creds.AccessToken(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("gateway: load access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
			sent = token
		}
	}

	if g.cfg.TenantHeader != "" && req.Header.Get(g.cfg.TenantHeader) == "" {
		if tenantID := g.tenantFor(ctx); tenantID != "" {
			req.Header.Set(g.cfg.TenantHeader, tenantID)
		}
	}
	if requestID != "" {
		req.Header.Set(g.cfg.RequestIDHeader, requestID)
	}

	g.metrics.Inc(metrics.RequestSent)
	resp, err := g.next.Do(req)
	if err != nil {
		return nil, "", err
	}
	if n > 0 {
		g.log.Debug("replayed request",
			zap.String("path", req.URL.Path),
			zap.String("request_id", requestID),
			zap.Int("status", resp.StatusCode),
		)
	}
	return resp, sent, nil
}

func (g *Gateway) tenantFor(ctx context.Context) string {
	origin, ok := tenant.OriginFromContext(ctx)
	if !ok {
		origin = g.cfg.DefaultOrigin
	}
	if origin == "" {
		return ""
	}
	return g.resolver.Resolve(origin)
}

func (g *Gateway) refreshable(req *http.Request, sent string) bool {
	if sent == "" || g.refresher == nil {
		return false
	}
	path := req.URL.Path
	for _, p := range g.cfg.ExemptPaths {
		if path == p || strings.HasSuffix(path, p) {
			return false
		}
	}
	return true
}

// Logout clears the store and abandons any in-flight refresh. A refresh
// that completes afterwards is discarded.
func (g *Gateway) Logout(ctx context.Context) error {
	g.resetLifecycle(false)
	if err := g.creds.Clear(ctx); err != nil {
		return fmt.Errorf("gateway: clear credentials: %w", err)
	}
	g.log.Debug("logged out")
	return nil
}

// Close abandons any in-flight refresh and rejects further requests. The
// store is left as is.
func (g *Gateway) Close() {
	g.resetLifecycle(true)
}

// Begin stores s as the signed-in session. A refresh still running for an
// earlier session is abandoned, and its result can neither overwrite nor
// clear s.
func (g *Gateway) Begin(ctx context.Context, s *session.Session) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.advanceLocked(false)
	err := g.creds.Save(ctx, s)
	g.mu.Unlock()
	g.group.Forget(refreshKey)
	if err != nil {
		return fmt.Errorf("gateway: store session: %w", err)
	}
	return nil
}

func (g *Gateway) resetLifecycle(closing bool) {
	g.mu.Lock()
	g.advanceLocked(closing)
	g.mu.Unlock()
	g.group.Forget(refreshKey)
}

// advanceLocked starts a new epoch. g.mu must be held.
func (g *Gateway) advanceLocked(closing bool) {
	g.epoch++
	g.lifeCancel()
	if closing {
		g.closed = true
	} else if !g.closed {
		g.lifeCtx, g.lifeCancel = context.WithCancel(context.Background())
	}
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Gateway) lifecycle() (context.Context, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lifeCtx, g.epoch
}

// replayableBody lets the same request body be sent twice.
type replayableBody struct {
	getBody  func() (io.ReadCloser, error)
	buffered bool
}

func newReplayableBody(req *http.Request) (*replayableBody, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return &replayableBody{}, nil
	}
	if req.GetBody != nil {
		return &replayableBody{getBody: req.GetBody}, nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("gateway: buffer request body: %w", err)
	}
	return &replayableBody{
		getBody: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
		buffered: true,
	}, nil
}

// apply installs the body for attempt n. The first attempt of an
// unbuffered body sends the caller's reader.
func (b *replayableBody) apply(req *http.Request, n int) error {
	if b.getBody == nil {
		return nil
	}
	req.GetBody = b.getBody
	if n == 0 && !b.buffered {
		return nil
	}
	rc, err := b.getBody()
	if err != nil {
		return fmt.Errorf("gateway: rewind request body: %w", err)
	}
	req.Body = rc
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
