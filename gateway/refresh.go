package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authpipe/audit"
	"github.com/MrEthical07/authpipe/metrics"
	"go.uber.org/zap"
)

const refreshKey = "refresh"

// Refresh renews the access token through the shared refresh path. It
// returns nil without a network call when another refresh already
// replaced the token. A failure ends the session as in Do.
func (g *Gateway) Refresh(ctx context.Context) error {
	if g.refresher == nil {
		return ErrNoRefresher
	}
	if g.isClosed() {
		return ErrClosed
	}
	return g.refresh(ctx, "", "")
}

// renew handles a 401 for a request sent with failed. When the store
// already holds a different token the caller replays at once.
func (g *Gateway) renew(ctx context.Context, failed, requestID string) error {
	current, err := g.creds.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("gateway: load access token: %w", err)
	}
	if current != "" && current != failed {
		return nil
	}
	return g.refresh(ctx, failed, requestID)
}

// refresh joins the in-flight refresh or starts one. The refresh runs on
// the gateway lifecycle context; ctx only bounds how long this caller waits.
func (g *Gateway) refresh(ctx context.Context, failed, requestID string) error {
	life, epoch := g.lifecycle()

	led := false
	ch := g.group.DoChan(refreshKey, func() (any, error) {
		led = true
		return nil, g.runRefresh(life, epoch, failed, requestID)
	})

	select {
	case res := <-ch:
		if !led {
			g.metrics.Inc(metrics.RefreshJoined)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) runRefresh(life context.Context, epoch uint64, failed, requestID string) error {
	ctx, cancel := context.WithTimeout(life, g.cfg.RefreshTimeout)
	defer cancel()

	// A caller that lost the race to start this flight may carry a token
	// that has since been replaced.
	if failed != "" {
		if current, err := g.creds.AccessToken(ctx); err == nil && current != "" && current != failed {
			return nil
		}
	}

	sess, err := g.creds.Load(ctx)
	if err != nil {
		return g.endSession(ctx, epoch, requestID, "", "", fmt.Errorf("load credentials: %w", err))
	}
	if sess == nil || sess.RefreshToken == "" {
		return g.endSession(ctx, epoch, requestID, "", "", ErrNoRefreshToken)
	}
	userID, sent := sess.User.ID, sess.RefreshToken

	g.metrics.Inc(metrics.RefreshStarted)
	start := g.now()
	pair, err := g.refresher.Refresh(ctx, sent, userID)
	g.metrics.Observe(metrics.RefreshLatency, g.now().Sub(start))
	if err != nil {
		return g.endSession(ctx, epoch, requestID, userID, sent, err)
	}

	// The new pair belongs to the session that supplied sent. Commit only
	// while that session is still the stored one.
	g.mu.Lock()
	reason, err := g.staleLocked(context.WithoutCancel(ctx), epoch, sent)
	if reason == "" && err == nil {
		err = g.creds.UpdateTokens(ctx, pair.AccessToken, pair.RefreshToken, pair.ExpiresAt)
	}
	g.mu.Unlock()
	if reason != "" {
		g.log.Debug("discarded refresh result", zap.String("reason", reason))
		return &SessionEndedError{Reason: reason}
	}
	if err != nil {
		return g.endSession(ctx, epoch, requestID, userID, sent, fmt.Errorf("store refreshed tokens: %w", err))
	}

	g.metrics.Inc(metrics.RefreshSuccess)
	audit.Emit(ctx, g.audit, audit.Event{
		EventType: audit.EventRefresh,
		UserID:    userID,
		TenantID:  sess.TenantID,
		RequestID: requestID,
		Success:   true,
	})
	g.log.Debug("refreshed access token", zap.String("user_id", userID))
	return nil
}

// staleLocked reports why a refresh started at epoch with refresh token
// sent no longer owns the store, or "" when it still does. g.mu must be
// held.
func (g *Gateway) staleLocked(ctx context.Context, epoch uint64, sent string) (string, error) {
	if epoch != g.epoch {
		return ReasonLoggedOut, nil
	}
	if sent == "" {
		return "", nil
	}
	stored, err := g.creds.RefreshToken(ctx)
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	if stored != sent {
		return ReasonReplaced, nil
	}
	return "", nil
}

// endSession clears the store unless a logout or a newer login already
// replaced the session the refresh was started for.
func (g *Gateway) endSession(ctx context.Context, epoch uint64, requestID, userID, sent string, cause error) error {
	g.metrics.Inc(metrics.RefreshFailure)

	clearCtx := context.WithoutCancel(ctx)
	g.mu.Lock()
	reason, err := g.staleLocked(clearCtx, epoch, sent)
	if reason == "" && err == nil {
		err = g.creds.Clear(clearCtx)
	}
	g.mu.Unlock()
	if reason != "" {
		return &SessionEndedError{Reason: reason, Err: cause}
	}
	if err != nil {
		cause = errors.Join(cause, fmt.Errorf("clear credentials: %w", err))
	}

	ended := &SessionEndedError{Reason: ReasonSessionExpired, Err: cause}
	g.metrics.Inc(metrics.SessionEnded)
	audit.Emit(clearCtx, g.audit, audit.Event{
		EventType: audit.EventSessionEnded,
		UserID:    userID,
		RequestID: requestID,
		Success:   false,
		Error:     cause.Error(),
		Metadata:  map[string]string{"reason": ReasonSessionExpired},
	})
	g.log.Warn("refresh failed, session ended",
		zap.String("user_id", userID),
		zap.Error(cause),
	)
	if g.onEnded != nil {
		g.onEnded(ended)
	}
	return ended
}
