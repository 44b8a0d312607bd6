package tenant

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// Context is the per-request resolution result.
type Context struct {
	HostSubdomain string
	TenantID      string
}

// Config controls which hosts and labels are treated as administrative.
type Config struct {
	// AdminHosts are bare hosts that never carry a tenant.
	AdminHosts []string
	// AdminLabels are leading labels naming the administrative surface.
	AdminLabels []string
}

// DefaultConfig returns the resolver defaults: local hosts and an "admin"
// leading label are unscoped.
func DefaultConfig() Config {
	return Config{
		AdminHosts:  []string{"localhost", "127.0.0.1", "::1"},
		AdminLabels: []string{"admin"},
	}
}

// Resolver maps a calling origin to a tenant identifier.
type Resolver struct {
	adminHosts  []string
	adminLabels []string
}

// NewResolver builds a [Resolver]. Entries are compared case-insensitively.
func NewResolver(cfg Config) *Resolver {
	return &Resolver{
		adminHosts:  lowerAll(cfg.AdminHosts),
		adminLabels: lowerAll(cfg.AdminLabels),
	}
}

// Resolve returns the tenant identifier for origin, or "" when the origin is
// unscoped. origin may be a bare host, host:port or a full URL.
func (r *Resolver) Resolve(origin string) string {
	return r.Context(origin).TenantID
}

// Context resolves origin into a [Context].
func (r *Resolver) Context(origin string) Context {
	host := hostOf(origin)
	if host == "" || slices.Contains(r.adminHosts, host) {
		return Context{}
	}
	// IP literals have no subdomain.
	if net.ParseIP(host) != nil {
		return Context{}
	}

	labels := strings.Split(host, ".")
	if slices.Contains(r.adminLabels, labels[0]) {
		return Context{HostSubdomain: labels[0]}
	}
	if len(labels) > 2 {
		return Context{HostSubdomain: labels[0], TenantID: labels[0]}
	}
	return Context{}
}

func hostOf(origin string) string {
	origin = strings.TrimSpace(strings.ToLower(origin))
	if origin == "" {
		return ""
	}
	if strings.Contains(origin, "://") {
		u, err := url.Parse(origin)
		if err != nil {
			return ""
		}
		return strings.TrimSuffix(u.Hostname(), ".")
	}
	if i := strings.IndexAny(origin, "/?#"); i >= 0 {
		origin = origin[:i]
	}
	if h, _, err := net.SplitHostPort(origin); err == nil {
		origin = h
	}
	origin = strings.TrimPrefix(strings.TrimSuffix(origin, "]"), "[")
	return strings.TrimSuffix(origin, ".")
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}

type originContextKey struct{}

// WithOrigin attaches the calling origin to ctx. The gateway resolves the
// tenant header from it on every dispatch.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originContextKey{}, origin)
}

// OriginFromContext returns the origin attached by [WithOrigin].
func OriginFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	origin, _ := ctx.Value(originContextKey{}).(string)
	return origin, origin != ""
}

// OriginFromRequest derives the calling origin of an inbound request from
// the Origin header, then X-Forwarded-Host, then Host.
func OriginFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if o := r.Header.Get("Origin"); o != "" && o != "null" {
		return o
	}
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		if i := strings.IndexByte(fh, ','); i >= 0 {
			fh = fh[:i]
		}
		return strings.TrimSpace(fh)
	}
	return r.Host
}
