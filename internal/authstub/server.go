package authstub

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authpipe/internal/otpcode"
	"github.com/MrEthical07/authpipe/session"
)

const maxRequestBody = 64 << 10

// ErrDuplicateUser is returned by [Server.AddUser] for an email that is
// already registered.
var ErrDuplicateUser = errors.New("authstub: user already exists")

// Options wires a [Server]. Redis is optional; without it failed attempts
// are not limited.
type Options struct {
	Config Config
	Redis  redis.UniversalClient
	Logger *zap.Logger
}

type account struct {
	user         session.User
	passwordHash string
	enabled      bool
	secret       string
	lastCounter  int64
	backupCodes  map[[32]byte]struct{}
	pending      *enrollment
}

type enrollment struct {
	secret string
	codes  map[[32]byte]struct{}
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
	used      bool
}

// Server implements the login, refresh and two-factor endpoints over an
// in-memory account table. It is safe for concurrent use.
type Server struct {
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	hasher  passwordHasher
	tokens  tokenIssuer
	limiter *attemptLimiter
	router  chi.Router

	mu         sync.Mutex
	accounts   map[string]*account
	byEmail    map[string]string
	refresh    map[string]*refreshRecord
	spent      map[string]time.Time
	gen        uint64
	lastTenant string

	refreshCalls atomic.Int64
}

// New builds a server. An empty signing key is replaced by 32 random bytes.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = make([]byte, 32)
		if _, err := rand.Read(cfg.SigningKey); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		now:      now,
		logger:   logger.Named("authstub"),
		hasher:   passwordHasher{cfg: cfg.Password},
		tokens:   tokenIssuer{issuer: cfg.Issuer, key: cfg.SigningKey, now: now},
		limiter:  newAttemptLimiter(opts.Redis, cfg.Limiter),
		accounts: make(map[string]*account),
		byEmail:  make(map[string]string),
		refresh:  make(map[string]*refreshRecord),
		spent:    make(map[string]time.Time),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observeTenant)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/refresh-token", s.handleRefresh)
		r.Post("/2fa/authenticate", s.handleAuthenticate)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAccess)
			r.Post("/2fa/generate", s.handleGenerate)
			r.Post("/2fa/verify", s.handleVerify)
			r.Post("/2fa/disable", s.handleDisable)
			r.Post("/2fa/backup-codes/regenerate", s.handleRegenerate)
			r.Get("/2fa/status", s.handleStatus)
		})
	})

	r.With(s.requireAccess).Get("/api/catalog", s.handleCatalog)
	return r
}

// ServeHTTP dispatches to the server's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AddUser registers an account. user.ID is generated when empty and
// user.Email is overwritten with the normalized email.
func (s *Server) AddUser(email, password string, user session.User) (session.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return session.User{}, errors.New("authstub: email required")
	}
	hash, err := s.hasher.hash(password)
	if err != nil {
		return session.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return session.User{}, ErrDuplicateUser
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Email = email
	user = user.Clone()
	s.accounts[user.ID] = &account{user: user, passwordHash: hash, lastCounter: -1}
	s.byEmail[email] = user.ID
	return user.Clone(), nil
}

// RefreshCalls reports how many refresh requests the server has received.
func (s *Server) RefreshCalls() int64 {
	return s.refreshCalls.Load()
}

// LastTenant returns the tenant header of the most recent request that
// carried one.
func (s *Server) LastTenant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTenant
}

// ExpireAccessTokens invalidates every access token issued so far. Refresh
// tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

// TwoFactorEnabled reports whether the account registered under email has
// completed enrollment.
func (s *Server) TwoFactorEnabled(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[s.byEmail[normalizeEmail(email)]]
	return a != nil && a.enabled
}

type sessionResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	User         session.User `json:"user"`
	TenantID     string       `json:"tenantId,omitempty"`
}

// mintLocked issues an access token and a fresh refresh token for user.
// s.mu must be held.
func (s *Server) mintLocked(user session.User) (*sessionResponse, error) {
	access, exp, err := s.tokens.issue(kindAccess, user.ID, user.TenantID, user.Role, s.gen, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	refresh := base64.RawURLEncoding.EncodeToString(raw)
	s.refresh[refresh] = &refreshRecord{userID: user.ID, expiresAt: s.now().Add(s.cfg.RefreshTTL)}

	return &sessionResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    exp,
		User:         user.Clone(),
		TenantID:     user.TenantID,
	}, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	ctx := r.Context()
	email := normalizeEmail(in.Email)
	if err := s.limiter.check(ctx, "login", email); err != nil {
		s.limitError(w, err)
		return
	}

	s.mu.Lock()
	a := s.accounts[s.byEmail[email]]
	var hash string
	if a != nil {
		hash = a.passwordHash
	}
	s.mu.Unlock()

	ok := false
	if a != nil {
		var err error
		if ok, err = s.hasher.verify(in.Password, hash); err != nil {
			s.logger.Error("stored password hash unreadable", zap.Error(err))
		}
	}
	if !ok {
		if err := s.limiter.fail(ctx, "login", email); err != nil {
			s.logger.Warn("attempt limiter", zap.Error(err))
		}
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	_ = s.limiter.reset(ctx, "login", email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if a.enabled {
		temp, _, err := s.tokens.issue(kindStepUp, a.user.ID, a.user.TenantID, "", s.gen, s.cfg.StepUpTTL)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "token issue failed")
			return
		}
		s.logger.Info("login requires step-up", zap.String("user_id", a.user.ID))
		respondJSON(w, http.StatusOK, map[string]any{
			"requiresTwoFactor": true,
			"userId":            a.user.ID,
			"tempToken":         temp,
		})
		return
	}

	out, err := s.mintLocked(a.user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	s.logger.Info("login", zap.String("user_id", a.user.ID))
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	var in struct {
		RefreshToken string `json:"refreshToken"`
		UserID       string `json:"userId"`
	}
	if !decodeBody(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.refresh[in.RefreshToken]
	switch {
	case rec == nil:
		respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	case rec.used:
		s.revokeLocked(rec.userID)
		s.logger.Warn("refresh token reuse; revoked all refresh tokens", zap.String("user_id", rec.userID))
		respondError(w, http.StatusUnauthorized, "refresh token reuse detected")
		return
	case rec.userID != in.UserID, !s.now().Before(rec.expiresAt):
		respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	a := s.accounts[rec.userID]
	if a == nil {
		respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	rec.used = true

	out, err := s.mintLocked(a.user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"accessToken":  out.AccessToken,
		"refreshToken": out.RefreshToken,
		"expiresAt":    out.ExpiresAt,
	})
}

func (s *Server) revokeLocked(userID string) {
	for tok, rec := range s.refresh {
		if rec.userID == userID {
			delete(s.refresh, tok)
		}
	}
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	c, err := s.tokens.parse(bearerToken(r), kindStepUp)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid or expired step-up token")
		return
	}
	var in struct {
		UserID       string `json:"userId"`
		Code         string `json:"code"`
		IsBackupCode bool   `json:"isBackupCode"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.UserID != c.UID {
		respondError(w, http.StatusUnauthorized, "step-up token does not match user")
		return
	}
	ctx := r.Context()
	if err := s.limiter.check(ctx, "2fa", c.UID); err != nil {
		s.limitError(w, err)
		return
	}

	out, status, msg := s.completeStepUp(c, in.Code, in.IsBackupCode)
	if out == nil {
		if status == http.StatusBadRequest {
			if err := s.limiter.fail(ctx, "2fa", c.UID); err != nil {
				s.logger.Warn("attempt limiter", zap.Error(err))
			}
		}
		respondError(w, status, msg)
		return
	}
	_ = s.limiter.reset(ctx, "2fa", c.UID)
	s.logger.Info("step-up login", zap.String("user_id", c.UID), zap.Bool("backup_code", in.IsBackupCode))
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) completeStepUp(c *claims, code string, isBackup bool) (*sessionResponse, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, exp := range s.spent {
		if now.After(exp) {
			delete(s.spent, id)
		}
	}
	if _, used := s.spent[c.ID]; used {
		return nil, http.StatusUnauthorized, "step-up token already used"
	}
	a := s.accounts[c.UID]
	if a == nil || !a.enabled {
		return nil, http.StatusBadRequest, "two-factor not enabled"
	}

	if !s.checkCodeLocked(a, code, isBackup) {
		return nil, http.StatusBadRequest, "invalid code"
	}
	s.spent[c.ID] = c.ExpiresAt.Time

	out, err := s.mintLocked(a.user)
	if err != nil {
		return nil, http.StatusInternalServerError, "token issue failed"
	}
	return out, http.StatusOK, ""
}

// checkCodeLocked consumes a backup code or advances the TOTP replay
// counter on success. s.mu must be held.
func (s *Server) checkCodeLocked(a *account, code string, isBackup bool) bool {
	if isBackup {
		h := otpcode.BackupCodeHash(a.user.ID, otpcode.CanonicalizeBackupCode(code))
		if _, ok := a.backupCodes[h]; !ok {
			return false
		}
		delete(a.backupCodes, h)
		return true
	}
	ok, counter, err := otpcode.Verify(s.cfg.TOTP, a.secret, code, s.now())
	if err != nil || !ok || counter <= a.lastCounter {
		return false
	}
	a.lastCounter = counter
	return true
}

type userIDKey struct{}

func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := s.tokens.parse(bearerToken(r), kindAccess)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		s.mu.Lock()
		_, known := s.accounts[c.UID]
		current := c.Gen == s.gen
		s.mu.Unlock()
		if !known || !current {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, c.UID)))
	})
}

func (s *Server) observeTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Header.Get(s.cfg.TenantHeader); v != "" {
			s.mu.Lock()
			s.lastTenant = v
			s.mu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}

// accountFor returns the authenticated account. s.mu must be held.
func (s *Server) accountFor(r *http.Request) *account {
	uid, _ := r.Context().Value(userIDKey{}).(string)
	return s.accounts[uid]
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	a := s.accountFor(r)
	enabled, uid, email := a.enabled, a.user.ID, a.user.Email
	s.mu.Unlock()
	if enabled {
		respondError(w, http.StatusConflict, "two-factor already enabled")
		return
	}

	key, err := otpcode.NewSecret(s.cfg.TOTP, email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "secret generation failed")
		return
	}
	codes, hashes, err := s.newBackupCodes(uid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "backup code generation failed")
		return
	}

	s.mu.Lock()
	a.pending = &enrollment{secret: key.Secret(), codes: hashes}
	s.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{
		"secret":      key.Secret(),
		"qrCodeUrl":   key.URL(),
		"backupCodes": codes,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Secret string `json:"secret"`
		Code   string `json:"code"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	ctx := r.Context()

	s.mu.Lock()
	a := s.accountFor(r)
	uid := a.user.ID
	s.mu.Unlock()
	if err := s.limiter.check(ctx, "2fa", uid); err != nil {
		s.limitError(w, err)
		return
	}

	status, msg := s.commitEnrollment(a, in.Secret, in.Code)
	if status != http.StatusOK {
		if status == http.StatusBadRequest {
			if err := s.limiter.fail(ctx, "2fa", uid); err != nil {
				s.logger.Warn("attempt limiter", zap.Error(err))
			}
		}
		respondError(w, status, msg)
		return
	}
	_ = s.limiter.reset(ctx, "2fa", uid)
	s.logger.Info("two-factor enabled", zap.String("user_id", uid))
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) commitEnrollment(a *account, secret, code string) (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.enabled {
		return http.StatusConflict, "two-factor already enabled"
	}
	p := a.pending
	if p == nil || !otpcode.SameSecret(secret, p.secret) {
		return http.StatusBadRequest, "no enrollment for this secret"
	}
	ok, counter, err := otpcode.Verify(s.cfg.TOTP, p.secret, code, s.now())
	if err != nil || !ok {
		return http.StatusBadRequest, "invalid code"
	}
	a.enabled = true
	a.secret = p.secret
	a.backupCodes = p.codes
	a.lastCounter = counter
	a.pending = nil
	return http.StatusOK, ""
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &in) {
		return
	}

	s.mu.Lock()
	a := s.accountFor(r)
	enabled, hash := a.enabled, a.passwordHash
	s.mu.Unlock()
	if !enabled {
		respondError(w, http.StatusConflict, "two-factor not enabled")
		return
	}
	// 400 rather than 401 so the client does not mistake it for an
	// expired access token.
	if ok, err := s.hasher.verify(in.Password, hash); err != nil || !ok {
		respondError(w, http.StatusBadRequest, "invalid password")
		return
	}

	s.mu.Lock()
	a.enabled = false
	a.secret = ""
	a.backupCodes = nil
	a.pending = nil
	s.mu.Unlock()
	s.logger.Info("two-factor disabled", zap.String("user_id", a.user.ID))
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	a := s.accountFor(r)
	enabled, uid := a.enabled, a.user.ID
	s.mu.Unlock()
	if !enabled {
		respondError(w, http.StatusConflict, "two-factor not enabled")
		return
	}

	codes, hashes, err := s.newBackupCodes(uid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "backup code generation failed")
		return
	}

	s.mu.Lock()
	if !a.enabled {
		s.mu.Unlock()
		respondError(w, http.StatusConflict, "two-factor not enabled")
		return
	}
	a.backupCodes = hashes
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"backupCodes": codes})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	a := s.accountFor(r)
	out := map[string]any{"enabled": a.enabled, "backupCodesRemaining": len(a.backupCodes)}
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	uid, _ := r.Context().Value(userIDKey{}).(string)
	respondJSON(w, http.StatusOK, map[string]any{
		"userId": uid,
		"tenant": r.Header.Get(s.cfg.TenantHeader),
		"items":  []string{"lisbon-city-break", "kyoto-autumn-rail", "patagonia-trek"},
	})
}

// newBackupCodes returns display-formatted codes and their hashes.
func (s *Server) newBackupCodes(userID string) ([]string, map[[32]byte]struct{}, error) {
	codes := make([]string, 0, s.cfg.BackupCodeCount)
	hashes := make(map[[32]byte]struct{}, s.cfg.BackupCodeCount)
	for len(codes) < s.cfg.BackupCodeCount {
		code, err := otpcode.NewBackupCode(s.cfg.BackupCodeLength)
		if err != nil {
			return nil, nil, err
		}
		h := otpcode.BackupCodeHash(userID, code)
		if _, dup := hashes[h]; dup {
			continue
		}
		hashes[h] = struct{}{}
		codes = append(codes, otpcode.FormatBackupCode(code))
	}
	return codes, hashes, nil
}

func (s *Server) limitError(w http.ResponseWriter, err error) {
	if errors.Is(err, errRateLimited) {
		respondError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}
	s.logger.Error("attempt limiter", zap.Error(err))
	respondError(w, http.StatusServiceUnavailable, "attempt limiter unavailable")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
