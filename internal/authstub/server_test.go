package authstub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authpipe/authapi"
	"github.com/MrEthical07/authpipe/session"
)

const (
	testEmail    = "traveler@example.com"
	testPassword = "correct-horse-battery"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// bearerDoer plays the role of the gateway for protected endpoints.
type bearerDoer struct {
	mu    sync.Mutex
	token string
}

func (d *bearerDoer) set(token string) {
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
}

func (d *bearerDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	tok := d.token
	d.mu.Unlock()
	if tok != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

type stubHarness struct {
	srv    *Server
	client *authapi.Client
	doer   *bearerDoer
	clock  *testClock
	user   session.User
	url    string
}

func newStubHarness(t *testing.T, mutate func(*Options)) *stubHarness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	opts := Options{Config: cfg}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	user, err := srv.AddUser(testEmail, testPassword, session.User{Role: "customer", Permissions: []string{"bookings:read"}, TenantID: "acme"})
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	doer := &bearerDoer{}
	client, err := authapi.NewClient(ts.URL, doer, authapi.Paths{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return &stubHarness{srv: srv, client: client, doer: doer, clock: clock, user: user, url: ts.URL}
}

func (h *stubHarness) login(t *testing.T) *authapi.LoginResult {
	t.Helper()
	res, err := h.client.Login(context.Background(), testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func (h *stubHarness) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, h.clock.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	return code
}

// enroll signs in, enables two-factor and returns the secret and codes.
func (h *stubHarness) enroll(t *testing.T) (string, []string) {
	t.Helper()
	ctx := context.Background()
	res := h.login(t)
	h.doer.set(res.Session.AccessToken)

	enr, err := h.client.GenerateTwoFactor(ctx)
	if err != nil {
		t.Fatalf("GenerateTwoFactor: %v", err)
	}
	if err := h.client.VerifyTwoFactor(ctx, enr.Secret, h.code(t, enr.Secret)); err != nil {
		t.Fatalf("VerifyTwoFactor: %v", err)
	}
	return enr.Secret, enr.BackupCodes
}

// wrongCode returns a six-digit code that differs from code in every digit.
func wrongCode(code string) string {
	out := []byte(code)
	for i := range out {
		out[i] = '0' + (out[i]-'0'+5)%10
	}
	return string(out)
}

func TestLoginWithoutTwoFactorIssuesSession(t *testing.T) {
	h := newStubHarness(t, nil)
	res := h.login(t)
	if res.StepUp != nil || res.Session == nil {
		t.Fatalf("expected a full session, got %+v", res)
	}
	s := res.Session
	if s.AccessToken == "" || s.RefreshToken == "" {
		t.Fatalf("missing tokens: %+v", s)
	}
	if want := h.clock.Now().Add(15 * time.Minute); !s.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", s.ExpiresAt, want)
	}
	if s.User.ID != h.user.ID || s.User.Role != "customer" || s.TenantID != "acme" {
		t.Fatalf("unexpected user in session: %+v", s)
	}
	exp, err := session.ExpiryFromToken(s.AccessToken)
	if err != nil || !exp.Equal(s.ExpiresAt) {
		t.Fatalf("token exp %v (%v) does not match ExpiresAt %v", exp, err, s.ExpiresAt)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	h := newStubHarness(t, nil)
	_, err := h.client.Login(context.Background(), testEmail, "wrong-password-123")
	if !errors.Is(err, authapi.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	_, err = h.client.Login(context.Background(), "nobody@example.com", testPassword)
	if !errors.Is(err, authapi.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestAddUserRejectsDuplicatesAndShortPasswords(t *testing.T) {
	h := newStubHarness(t, nil)
	if _, err := h.srv.AddUser(" Traveler@Example.com ", testPassword, session.User{}); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser, got %v", err)
	}
	if _, err := h.srv.AddUser("short@example.com", "tiny", session.User{}); err == nil {
		t.Fatalf("expected short password to be rejected")
	}
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	h := newStubHarness(t, nil)
	ctx := context.Background()
	first := h.login(t).Session

	pair, err := h.client.Refresh(ctx, first.RefreshToken, h.user.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken == first.RefreshToken || pair.AccessToken == "" {
		t.Fatalf("refresh did not rotate: %+v", pair)
	}

	if _, err := h.client.Refresh(ctx, first.RefreshToken, h.user.ID); !errors.Is(err, authapi.ErrInvalidCredentials) {
		t.Fatalf("expected reuse to be rejected, got %v", err)
	}
	// Reuse revokes the whole family, including the rotated token.
	if _, err := h.client.Refresh(ctx, pair.RefreshToken, h.user.ID); !errors.Is(err, authapi.ErrInvalidCredentials) {
		t.Fatalf("expected rotated token to be revoked, got %v", err)
	}
	if got := h.srv.RefreshCalls(); got != 3 {
		t.Fatalf("RefreshCalls = %d, want 3", got)
	}
}

func TestRefreshRejectsWrongUserAndExpiredToken(t *testing.T) {
	h := newStubHarness(t, nil)
	ctx := context.Background()
	s := h.login(t).Session

	if _, err := h.client.Refresh(ctx, s.RefreshToken, "someone-else"); !errors.Is(err, authapi.ErrInvalidCredentials) {
		t.Fatalf("expected user mismatch rejection, got %v", err)
	}
	h.clock.Advance(8 * 24 * time.Hour)
	if _, err := h.client.Refresh(ctx, s.RefreshToken, h.user.ID); !errors.Is(err, authapi.ErrInvalidCredentials) {
		t.Fatalf("expected expired refresh token rejection, got %v", err)
	}
}

func TestExpireAccessTokensRejectsOutstandingTokens(t *testing.T) {
	h := newStubHarness(t, nil)
	ctx := context.Background()
	s := h.login(t).Session
	h.doer.set(s.AccessToken)

	if _, err := h.client.TwoFactorStatus(ctx); err != nil {
		t.Fatalf("TwoFactorStatus: %v", err)
	}
	h.srv.ExpireAccessTokens()

	_, err := h.client.TwoFactorStatus(ctx)
	var se *authapi.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after expiry, got %v", err)
	}

	pair, err := h.client.Refresh(ctx, s.RefreshToken, h.user.ID)
	if err != nil {
		t.Fatalf("Refresh after expiry: %v", err)
	}
	h.doer.set(pair.AccessToken)
	if _, err := h.client.TwoFactorStatus(ctx); err != nil {
		t.Fatalf("refreshed token should be accepted: %v", err)
	}
}

func TestVerifyRequiresIssuedSecret(t *testing.T) {
	h := newStubHarness(t, nil)
	ctx := context.Background()
	h.doer.set(h.login(t).Session.AccessToken)

	enr, err := h.client.GenerateTwoFactor(ctx)
	if err != nil {
		t.Fatalf("GenerateTwoFactor: %v", err)
	}
	if !strings.HasPrefix(enr.ProvisioningURI, "otpauth://totp/") || len(enr.BackupCodes) != 10 {
		t.Fatalf("unexpected enrollment: %+v", enr)
	}

	other, err := totp.Generate(totp.GenerateOpts{Issuer: "x", AccountName: "y"})
	if err != nil {
		t.Fatalf("totp.Generate: %v", err)
	}
	err = h.client.VerifyTwoFactor(ctx, other.Secret(), h.code(t, other.Secret()))
	if !errors.Is(err, authapi.ErrCodeRejected) {
		t.Fatalf("expected foreign secret to be rejected, got %v", err)
	}
	if err := h.client.VerifyTwoFactor(ctx, enr.Secret, wrongCode(h.code(t, enr.Secret))); !errors.Is(err, authapi.ErrCodeRejected) {
		t.Fatalf("expected wrong code to be rejected, got %v", err)
	}
	if h.srv.TwoFactorEnabled(testEmail) {
		t.Fatalf("two-factor must not be enabled before a successful verify")
	}

	if err := h.client.VerifyTwoFactor(ctx, strings.ToLower(enr.Secret), h.code(t, enr.Secret)); err != nil {
		t.Fatalf("VerifyTwoFactor: %v", err)
	}
	if !h.srv.TwoFactorEnabled(testEmail) {
		t.Fatalf("expected two-factor to be enabled")
	}
	if _, err := h.client.GenerateTwoFactor(ctx); err == nil {
		t.Fatalf("expected generate to conflict once enabled")
	}
}

func TestStepUpLoginRejectsReplayedTOTP(t *testing.T) {
	h := newStubHarness(t, nil)
	ctx := context.Background()
	secret, _ := h.enroll(t)

	res := h.login(t)
	if res.StepUp == nil || res.StepUp.UserID != h.user.ID || res.StepUp.TempToken == "" {
		t.Fatalf("expected step-up challenge, got %+v", res)
	}

	// The enrollment code's time step is spent.
	_, err := h.client.AuthenticateTwoFactor(ctx, *res.StepUp, h.code(t, secret), false)
	if !errors.Is(err, authapi.ErrCodeRejected) {
		t.Fatalf("expected replayed code to be rejected, got %v", err)
	}

	h.clock.Advance(30 * time.Second)
	s, err := h.client.AuthenticateTwoFactor(ctx, *res.StepUp, h.code(t, secret), false)
	if err != nil {
		t.Fatalf("AuthenticateTwoFactor: %v", err)
	}
	if s.AccessToken == "" || s.User.ID != h.user.ID {
		t.Fatalf("unexpected session %+v", s)
	}

	h.clock.Advance(30 * time.Second)
	if _, err := h.client.AuthenticateTwoFactor(ctx, *res.StepUp, h.code(t, secret), false); err == nil {
		t.Fatalf("expected spent step-up token to be rejected")
	}
}

func TestStepUpTokenCannotReachProtectedRoutes(t *testing.T) {
	h := newStubHarness(t, nil)
	h.enroll(t)
	res := h.login(t)

	h.doer.set(res.StepUp.TempToken)
	_, err := h.client.TwoFactorStatus(context.Background())
	var se *authapi.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for step-up token, got %v", err)
	}
}

func TestBackupCodesAreSingleUse(t *testing.T) {
	h := newStubHarness(t, nil)
	ctx := context.Background()
	_, codes := h.enroll(t)
	code := strings.ToLower(codes[0])

	res := h.login(t)
	s, err := h.client.AuthenticateTwoFactor(ctx, *res.StepUp, code, true)
	if err != nil {
		t.Fatalf("AuthenticateTwoFactor with backup code: %v", err)
	}
	h.doer.set(s.AccessToken)

	res = h.login(t)
	if _, err := h.client.AuthenticateTwoFactor(ctx, *res.StepUp, code, true); !errors.Is(err, authapi.ErrCodeRejected) {
		t.Fatalf("expected used backup code to be rejected, got %v", err)
	}

	st, err := h.client.TwoFactorStatus(ctx)
	if err != nil {
		t.Fatalf("TwoFactorStatus: %v", err)
	}
	if !st.Enabled || st.BackupCodesRemaining != 9 {
		t.Fatalf("status = %+v, want enabled with 9 codes", st)
	}
}

func TestRegenerateReplacesBackupCodes(t *testing.T) {
	h := newStubHarness(t, nil)
	ctx := context.Background()
	_, old := h.enroll(t)

	fresh, err := h.client.RegenerateBackupCodes(ctx)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes: %v", err)
	}
	if len(fresh) != 10 {
		t.Fatalf("got %d codes, want 10", len(fresh))
	}

	res := h.login(t)
	if _, err := h.client.AuthenticateTwoFactor(ctx, *res.StepUp, old[0], true); !errors.Is(err, authapi.ErrCodeRejected) {
		t.Fatalf("expected old code to be rejected, got %v", err)
	}
	if _, err := h.client.AuthenticateTwoFactor(ctx, *res.StepUp, fresh[0], true); err != nil {
		t.Fatalf("expected new code to work: %v", err)
	}
}

func TestDisableRequiresPassword(t *testing.T) {
	h := newStubHarness(t, nil)
	ctx := context.Background()
	h.enroll(t)

	if err := h.client.DisableTwoFactor(ctx, "not-my-password"); !errors.Is(err, authapi.ErrInvalidCredentials) {
		t.Fatalf("expected wrong password to be rejected, got %v", err)
	}
	if err := h.client.DisableTwoFactor(ctx, testPassword); err != nil {
		t.Fatalf("DisableTwoFactor: %v", err)
	}
	st, err := h.client.TwoFactorStatus(ctx)
	if err != nil {
		t.Fatalf("TwoFactorStatus: %v", err)
	}
	if st.Enabled || st.BackupCodesRemaining != 0 {
		t.Fatalf("status = %+v, want disabled", st)
	}
	if res := h.login(t); res.Session == nil {
		t.Fatalf("expected direct login after disable")
	}
}

func TestFailedAttemptsAreLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newStubHarness(t, func(o *Options) {
		o.Redis = rdb
		o.Config.Limiter = LimiterConfig{MaxAttempts: 2, Cooldown: time.Minute}
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := h.client.Login(ctx, testEmail, "wrong-password-123"); !errors.Is(err, authapi.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	if _, err := h.client.Login(ctx, testEmail, testPassword); !errors.Is(err, authapi.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := h.client.Login(ctx, testEmail, testPassword); err != nil {
		t.Fatalf("expected login after cooldown: %v", err)
	}
}

func TestTenantHeaderIsObserved(t *testing.T) {
	h := newStubHarness(t, nil)
	req, _ := http.NewRequest(http.MethodGet, h.url+"/api/catalog", nil)
	req.Header.Set("X-Tenant-ID", "globetrek")
	h.doer.set(h.login(t).Session.AccessToken)

	resp, err := h.doer.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := h.srv.LastTenant(); got != "globetrek" {
		t.Fatalf("LastTenant = %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	bad := cfg
	bad.SigningKey = []byte("short")
	if bad.Validate() == nil {
		t.Fatalf("expected short signing key to fail")
	}
	bad = cfg
	bad.BackupCodeLength = 4
	if bad.Validate() == nil {
		t.Fatalf("expected short backup codes to fail")
	}
	bad = cfg
	bad.Password.Memory = 1024
	if bad.Validate() == nil {
		t.Fatalf("expected weak argon2 memory to fail")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	h := passwordHasher{cfg: DefaultPasswordConfig()}
	enc, err := h.hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ok, err := h.verify(testPassword, enc); err != nil || !ok {
		t.Fatalf("verify correct password: %v %v", ok, err)
	}
	if ok, _ := h.verify("another-password", enc); ok {
		t.Fatalf("verify accepted wrong password")
	}
	if _, err := h.verify(testPassword, "$argon2id$v=19$m=1,t=1,p=1$abc$def"); !errors.Is(err, errInvalidPHC) {
		t.Fatalf("expected errInvalidPHC, got %v", err)
	}
}
