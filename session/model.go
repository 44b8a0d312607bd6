package session

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned by [ExpiryFromToken] when the token carries no
// exp claim.
var ErrNoExpiry = errors.New("token has no expiry claim")

// User is the signed-in principal as reported by the auth server.
type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TenantID    string   `json:"tenantId,omitempty"`
}

// Clone returns a deep copy of u.
func (u User) Clone() User {
	u.Permissions = slices.Clone(u.Permissions)
	return u
}

// Session is the credential set held for one signed-in user.
//
// A Session is created by a completed login, replaced token-wise by refresh,
// and destroyed by logout. Values are copied in and out of the store; callers
// never share a *Session with the gateway.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         User      `json:"user"`
	TenantID     string    `json:"tenantId,omitempty"`
}

// Clone returns a deep copy of s. A nil receiver yields nil.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.User = s.User.Clone()
	return &out
}

// Authenticated reports whether s holds an access token.
func (s *Session) Authenticated() bool {
	return s != nil && s.AccessToken != ""
}

// Expired reports whether the access token is past its expiry at now.
// A zero ExpiresAt is treated as unknown and never expired.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// ExpiryFromToken reads the exp claim of a JWT without verifying its
// signature.
func ExpiryFromToken(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// ResolveExpiry returns explicit when set, otherwise the token's exp claim,
// otherwise the zero time.
func ResolveExpiry(token string, explicit time.Time) time.Time {
	if !explicit.IsZero() {
		return explicit
	}
	exp, err := ExpiryFromToken(token)
	if err != nil {
		return time.Time{}
	}
	return exp
}
