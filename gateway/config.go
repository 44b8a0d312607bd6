package gateway

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// Config controls header names, refresh-exempt paths and the refresh
// deadline.
type Config struct {
	// TenantHeader receives the resolved tenant id. Empty disables it.
	TenantHeader string
	// RequestIDHeader receives a fresh uuid when the caller set none.
	// Empty disables it.
	RequestIDHeader string
	// DefaultOrigin is resolved when the request context carries no origin.
	DefaultOrigin string
	// ExemptPaths never trigger a refresh on 401.
	ExemptPaths []string
	// RefreshTimeout bounds one refresh round trip.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the standard gateway configuration.
func DefaultConfig() Config {
	return Config{
		TenantHeader:    "X-Tenant-ID",
		RequestIDHeader: "X-Request-ID",
		ExemptPaths: []string{
			"/auth/login",
			"/auth/refresh-token",
			"/auth/2fa/authenticate",
		},
		RefreshTimeout: 15 * time.Second,
	}
}

// Validate checks cfg for values the gateway cannot run with.
func (c Config) Validate() error {
	if c.RefreshTimeout <= 0 {
		return errors.New("gateway: RefreshTimeout must be > 0")
	}
	for _, p := range c.ExemptPaths {
		if !strings.HasPrefix(p, "/") {
			return errors.New("gateway: ExemptPaths entries must start with /")
		}
	}
	if c.TenantHeader != "" && strings.EqualFold(c.TenantHeader, "Authorization") {
		return errors.New("gateway: TenantHeader must not be Authorization")
	}
	return nil
}

func (c Config) clone() Config {
	c.ExemptPaths = slices.Clone(c.ExemptPaths)
	return c
}
