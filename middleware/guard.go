package middleware

import (
	"context"
	"net/http"

	"github.com/MrEthical07/authpipe/permission"
	"github.com/MrEthical07/authpipe/session"
)

// SessionSource returns the signed-in session, or nil when signed out.
type SessionSource interface {
	Session(ctx context.Context) (*session.Session, error)
}

type sessionContextKey struct{}

// SessionFromContext returns the session attached by [RequireAccess].
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	return s, ok && s != nil
}

// RequireAccess rejects requests without a session with 401 and requests
// whose user fails rule with 403.
func RequireAccess(src SessionSource, rule permission.Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if src == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			s, err := src.Session(r.Context())
			if err != nil {
				http.Error(w, "session unavailable", http.StatusServiceUnavailable)
				return
			}
			if !s.Authenticated() {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !permission.CanAccess(&s.User, rule) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
