package middleware

import (
	"net/http"

	"github.com/MrEthical07/authpipe/tenant"
)

// WithCallingOrigin attaches the request's origin to its context. Outbound
// calls made with that context carry the matching tenant header.
func WithCallingOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := tenant.OriginFromRequest(r)
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithOrigin(r.Context(), origin)))
	})
}
