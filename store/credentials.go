package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authpipe/session"
)

// Keys names the storage slots used by [Credentials].
type Keys struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    string
	User         string
	TenantID     string
}

// DefaultKeys returns the key names used when none are configured.
func DefaultKeys() Keys {
	return Keys{
		AccessToken:  "auth_token",
		RefreshToken: "refresh_token",
		ExpiresAt:    "auth_expires_at",
		User:         "auth_user",
		TenantID:     "tenant_id",
	}
}

// Validate rejects empty or colliding key names.
func (k Keys) Validate() error {
	all := k.all()
	seen := make(map[string]struct{}, len(all))
	for _, name := range all {
		if name == "" {
			return errors.New("store key names must be non-empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("store key %q used twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func (k Keys) all() []string {
	return []string{k.AccessToken, k.RefreshToken, k.ExpiresAt, k.User, k.TenantID}
}

// Credentials is the credential store: a typed view of a session over a [KV].
//
// It holds no state of its own, so several Credentials over the same KV see
// the same session.
type Credentials struct {
	kv   KV
	keys Keys
}

// NewCredentials binds kv to the given key names. Zero-valued keys fall back
// to [DefaultKeys].
func NewCredentials(kv KV, keys Keys) *Credentials {
	if keys == (Keys{}) {
		keys = DefaultKeys()
	}
	return &Credentials{kv: kv, keys: keys}
}

// AccessToken returns the stored access token or "".
func (c *Credentials) AccessToken(ctx context.Context) (string, error) {
	v, _, err := c.kv.Get(ctx, c.keys.AccessToken)
	return v, err
}

// RefreshToken returns the stored refresh token or "".
func (c *Credentials) RefreshToken(ctx context.Context) (string, error) {
	v, _, err := c.kv.Get(ctx, c.keys.RefreshToken)
	return v, err
}

// Load returns the stored session, or nil when no access token is stored.
// All fields come from one GetMany, so tokens are never mixed across writes.
func (c *Credentials) Load(ctx context.Context) (*session.Session, error) {
	vals, err := c.kv.GetMany(ctx, c.keys.all()...)
	if err != nil {
		return nil, err
	}
	access := vals[c.keys.AccessToken]
	if access == "" {
		return nil, nil
	}

	out := &session.Session{
		AccessToken:  access,
		RefreshToken: vals[c.keys.RefreshToken],
		TenantID:     vals[c.keys.TenantID],
	}
	if exp := vals[c.keys.ExpiresAt]; exp != "" {
		if out.ExpiresAt, err = time.Parse(time.RFC3339Nano, exp); err != nil {
			return nil, fmt.Errorf("decode stored expiry: %w", err)
		}
	}
	if raw := vals[c.keys.User]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &out.User); err != nil {
			return nil, fmt.Errorf("decode stored user: %w", err)
		}
	}
	return out, nil
}

// Save replaces the stored session.
func (c *Credentials) Save(ctx context.Context, s *session.Session) error {
	if s == nil || s.AccessToken == "" {
		return errors.New("store: session without access token")
	}
	user, err := json.Marshal(s.User)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return c.kv.SetMany(ctx, map[string]string{
		c.keys.AccessToken:  s.AccessToken,
		c.keys.RefreshToken: s.RefreshToken,
		c.keys.ExpiresAt:    formatExpiry(s.ExpiresAt),
		c.keys.User:         string(user),
		c.keys.TenantID:     s.TenantID,
	})
}

// UpdateTokens writes a refreshed token pair, leaving user and tenant
// untouched. An empty refresh token keeps the stored one.
func (c *Credentials) UpdateTokens(ctx context.Context, access, refresh string, expiresAt time.Time) error {
	if access == "" {
		return errors.New("store: empty access token")
	}
	values := map[string]string{
		c.keys.AccessToken: access,
		c.keys.ExpiresAt:   formatExpiry(expiresAt),
	}
	if refresh != "" {
		values[c.keys.RefreshToken] = refresh
	}
	return c.kv.SetMany(ctx, values)
}

// Clear removes every credential key. Clearing an empty store is not an
// error.
func (c *Credentials) Clear(ctx context.Context) error {
	return c.kv.Delete(ctx, c.keys.all()...)
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
