package authstub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	errRateLimited        = errors.New("too many attempts")
	errLimiterUnavailable = errors.New("attempt limiter unavailable")
)

// LimiterConfig bounds failed login and code attempts per account.
type LimiterConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// attemptLimiter counts failures in Redis. A nil limiter allows everything.
type attemptLimiter struct {
	redis       redis.UniversalClient
	maxAttempts int64
	cooldown    time.Duration
}

func newAttemptLimiter(client redis.UniversalClient, cfg LimiterConfig) *attemptLimiter {
	if client == nil {
		return nil
	}
	max := cfg.MaxAttempts
	if max <= 0 {
		max = 5
	}
	cd := cfg.Cooldown
	if cd <= 0 {
		cd = time.Minute
	}
	return &attemptLimiter{redis: client, maxAttempts: int64(max), cooldown: cd}
}

func (l *attemptLimiter) key(scope, subject string) string {
	return "authstub:att:" + scope + ":" + subject
}

func (l *attemptLimiter) check(ctx context.Context, scope, subject string) error {
	if l == nil {
		return nil
	}
	count, err := l.redis.Get(ctx, l.key(scope, subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", errLimiterUnavailable, err)
	}
	if count >= l.maxAttempts {
		return errRateLimited
	}
	return nil
}

func (l *attemptLimiter) fail(ctx context.Context, scope, subject string) error {
	if l == nil {
		return nil
	}
	k := l.key(scope, subject)
	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errLimiterUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, k, l.cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", errLimiterUnavailable, err)
		}
	}
	return nil
}

func (l *attemptLimiter) reset(ctx context.Context, scope, subject string) error {
	if l == nil {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(scope, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errLimiterUnavailable, err)
	}
	return nil
}
