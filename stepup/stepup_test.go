package stepup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authpipe/authapi"
	"github.com/MrEthical07/authpipe/internal/otpcode"
	"github.com/MrEthical07/authpipe/session"
	"github.com/pquerna/otp/totp"
)

type fakeAPI struct {
	mu          sync.Mutex
	calls       map[string]int
	issued      []string
	verified    []string
	enabled     bool
	uriOverride string
	disableErr  error
	regenErr    error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{calls: make(map[string]int)}
}

func (f *fakeAPI) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.calls {
		n += v
	}
	return n
}

func (f *fakeAPI) GenerateTwoFactor(context.Context) (*authapi.Enrollment, error) {
	f.hit("generate")
	key, err := otpcode.NewSecret(otpcode.DefaultConfig(), "alice@example.com")
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.issued = append(f.issued, key.Secret())
	uri := key.URL()
	if f.uriOverride != "" {
		uri = f.uriOverride
	}
	f.mu.Unlock()
	return &authapi.Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: uri,
		BackupCodes:     []string{"ABCD-EFGH", "JKLM-NPQR"},
	}, nil
}

func (f *fakeAPI) VerifyTwoFactor(_ context.Context, secret, code string) error {
	f.hit("verify")
	f.mu.Lock()
	f.verified = append(f.verified, secret)
	f.mu.Unlock()
	ok, _, err := otpcode.Verify(otpcode.DefaultConfig(), secret, code, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return &authapi.StatusError{StatusCode: 400}
	}
	f.mu.Lock()
	f.enabled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) AuthenticateTwoFactor(_ context.Context, pending authapi.PendingStepUp, code string, isBackupCode bool) (*session.Session, error) {
	f.hit("authenticate")
	if code != "123456" && code != "ABCDEFGH" {
		return nil, errors.Join(authapi.ErrCodeRejected, &authapi.StatusError{StatusCode: 401})
	}
	return &session.Session{AccessToken: "a", RefreshToken: "r", User: session.User{ID: pending.UserID}}, nil
}

func (f *fakeAPI) DisableTwoFactor(context.Context, string) error {
	f.hit("disable")
	return f.disableErr
}

func (f *fakeAPI) RegenerateBackupCodes(context.Context) ([]string, error) {
	f.hit("regenerate")
	if f.regenErr != nil {
		return nil, f.regenErr
	}
	return []string{"NEW1-CODE", "NEW2-CODE"}, nil
}

func (f *fakeAPI) TwoFactorStatus(context.Context) (*authapi.Status, error) {
	f.hit("status")
	f.mu.Lock()
	defer f.mu.Unlock()
	return &authapi.Status{Enabled: f.enabled}, nil
}

func newAuthenticator(t *testing.T, api API) *Authenticator {
	t.Helper()
	a, err := New(Options{Config: DefaultConfig(), API: api})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}
	return code
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestValidateCode(t *testing.T) {
	tests := []struct {
		code   string
		backup bool
		want   string
		ok     bool
	}{
		{code: "123456", want: "123456", ok: true},
		{code: " 123456", want: "123456", ok: true},
		{code: "12345", ok: false},
		{code: "1234567", ok: false},
		{code: "12345a", ok: false},
		{code: "abcd-efgh", backup: true, want: "ABCDEFGH", ok: true},
		{code: "ABCD EFGH 23", backup: true, want: "ABCDEFGH23", ok: true},
		{code: "abc-def", backup: true, ok: false},
		{code: "abcd_efgh", backup: true, ok: false},
	}

	for _, tt := range tests {
		got, err := ValidateCode(tt.code, tt.backup, 8)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Fatalf("ValidateCode(%q, %v) = %q, %v; want %q", tt.code, tt.backup, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("ValidateCode(%q, %v) expected ErrInvalidCode, got %v", tt.code, tt.backup, err)
		}
	}
}

func TestEnrollmentHappyPath(t *testing.T) {
	api := newFakeAPI()
	a := newAuthenticator(t, api)
	ctx := context.Background()

	ch, err := a.BeginEnrollment(ctx)
	if err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	if a.State() != SecretIssued || ch.Secret == "" || len(ch.BackupCodes) != 2 {
		t.Fatalf("unexpected challenge %+v in state %v", ch, a.State())
	}

	if err := a.ConfirmEnrollment(ctx, currentCode(t, ch.Secret)); err != nil {
		t.Fatalf("ConfirmEnrollment failed: %v", err)
	}
	if a.State() != Enabled {
		t.Fatalf("expected Enabled, got %v", a.State())
	}
	if api.verified[0] != ch.Secret {
		t.Fatal("verify must carry the issued secret")
	}
	if a.challenge != nil {
		t.Fatal("challenge must be wiped after success")
	}
}

func TestMalformedCodeMakesNoNetworkCall(t *testing.T) {
	api := newFakeAPI()
	a := newAuthenticator(t, api)
	ctx := context.Background()

	if _, err := a.BeginEnrollment(ctx); err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	before := api.total()

	if err := a.ConfirmEnrollment(ctx, "12345"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	pending := authapi.PendingStepUp{UserID: "u1", TempToken: "temp"}
	if _, err := a.Authenticate(ctx, pending, "12a456", false); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if _, err := a.Authenticate(ctx, pending, "abc", true); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for short backup code, got %v", err)
	}

	if api.total() != before {
		t.Fatalf("expected no network calls, got %d", api.total()-before)
	}
	if a.State() != SecretIssued {
		t.Fatalf("state must be unchanged, got %v", a.State())
	}
}

func TestRejectedCodeKeepsChallenge(t *testing.T) {
	api := newFakeAPI()
	a := newAuthenticator(t, api)
	ctx := context.Background()

	ch, err := a.BeginEnrollment(ctx)
	if err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}

	err = a.ConfirmEnrollment(ctx, wrongCode(currentCode(t, ch.Secret)))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if a.State() != SecretIssued {
		t.Fatalf("expected SecretIssued after failure, got %v", a.State())
	}

	if err := a.ConfirmEnrollment(ctx, currentCode(t, ch.Secret)); err != nil {
		t.Fatalf("retry with the preserved challenge failed: %v", err)
	}
	if api.verified[0] != ch.Secret || api.verified[1] != ch.Secret {
		t.Fatal("both attempts must carry the same issued secret")
	}
}

func TestReissueReplacesChallenge(t *testing.T) {
	api := newFakeAPI()
	a := newAuthenticator(t, api)
	ctx := context.Background()

	first, _ := a.BeginEnrollment(ctx)
	second, err := a.BeginEnrollment(ctx)
	if err != nil {
		t.Fatalf("re-issue failed: %v", err)
	}
	if first.Secret == second.Secret {
		t.Fatal("expected a new secret")
	}

	if err := a.ConfirmEnrollment(ctx, currentCode(t, second.Secret)); err != nil {
		t.Fatalf("ConfirmEnrollment failed: %v", err)
	}
	if api.verified[len(api.verified)-1] != second.Secret {
		t.Fatal("verify must use the latest issued secret")
	}
}

func TestMismatchedProvisioningURIRejected(t *testing.T) {
	api := newFakeAPI()
	api.uriOverride = "otpauth://totp/authpipe:alice?secret=JBSWY3DPEHPK3PXP&issuer=authpipe"
	a := newAuthenticator(t, api)

	if _, err := a.BeginEnrollment(context.Background()); !errors.Is(err, ErrMalformedEnrollment) {
		t.Fatalf("expected ErrMalformedEnrollment, got %v", err)
	}
	if a.State() != Idle {
		t.Fatalf("expected Idle, got %v", a.State())
	}
}

func TestCancelEnrollment(t *testing.T) {
	api := newFakeAPI()
	a := newAuthenticator(t, api)

	if _, err := a.BeginEnrollment(context.Background()); err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	if err := a.CancelEnrollment(); err != nil {
		t.Fatalf("CancelEnrollment failed: %v", err)
	}
	if a.State() != Idle || a.challenge != nil {
		t.Fatal("cancel must wipe the challenge and return to Idle")
	}
	if err := a.ConfirmEnrollment(context.Background(), "123456"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without a challenge, got %v", err)
	}
}

func TestDisableTransitions(t *testing.T) {
	api := newFakeAPI()
	a := newAuthenticator(t, api)
	ctx := context.Background()

	if err := a.Disable(ctx, "pw"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("disable from Idle must fail, got %v", err)
	}
	if err := a.Disable(ctx, ""); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}

	api.enabled = true
	if st, err := a.Sync(ctx); err != nil || st != Enabled {
		t.Fatalf("Sync = %v, %v", st, err)
	}

	api.disableErr = authapi.ErrInvalidCredentials
	if err := a.Disable(ctx, "wrong"); !errors.Is(err, authapi.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if a.State() != Enabled {
		t.Fatalf("failed disable must return to Enabled, got %v", a.State())
	}

	api.disableErr = nil
	if err := a.Disable(ctx, "pw"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if a.State() != Idle {
		t.Fatalf("expected Idle after disable, got %v", a.State())
	}
}

func TestRegenerateBackupCodes(t *testing.T) {
	api := newFakeAPI()
	a := newAuthenticator(t, api)
	ctx := context.Background()

	if _, err := a.RegenerateBackupCodes(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("regenerate from Idle must fail, got %v", err)
	}

	api.enabled = true
	_, _ = a.Sync(ctx)

	codes, err := a.RegenerateBackupCodes(ctx)
	if err != nil || len(codes) != 2 {
		t.Fatalf("RegenerateBackupCodes = %v, %v", codes, err)
	}
	if a.State() != Enabled {
		t.Fatalf("expected Enabled, got %v", a.State())
	}

	api.regenErr = errors.New("server down")
	if _, err := a.RegenerateBackupCodes(ctx); err == nil {
		t.Fatal("expected error")
	}
	if a.State() != Enabled {
		t.Fatalf("failed regenerate must return to Enabled, got %v", a.State())
	}
}

func TestAuthenticate(t *testing.T) {
	api := newFakeAPI()
	a := newAuthenticator(t, api)
	ctx := context.Background()
	pending := authapi.PendingStepUp{UserID: "u1", TempToken: "temp"}

	s, err := a.Authenticate(ctx, pending, "123456", false)
	if err != nil || s.User.ID != "u1" {
		t.Fatalf("Authenticate = %+v, %v", s, err)
	}

	if _, err := a.Authenticate(ctx, pending, "abcd-efgh", true); err != nil {
		t.Fatalf("backup code login failed: %v", err)
	}

	if _, err := a.Authenticate(ctx, pending, "654321", false); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for rejected code, got %v", err)
	}

	if _, err := a.Authenticate(ctx, authapi.PendingStepUp{}, "123456", false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without pending credential, got %v", err)
	}
}

func TestResetDuringVerifyDiscardsOutcome(t *testing.T) {
	api := &blockingVerifyAPI{fakeAPI: newFakeAPI(), release: make(chan struct{}), entered: make(chan struct{})}
	a := newAuthenticator(t, api)
	ctx := context.Background()

	ch, err := a.BeginEnrollment(ctx)
	if err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}

	code := currentCode(t, ch.Secret)
	errc := make(chan error, 1)
	go func() { errc <- a.ConfirmEnrollment(ctx, code) }()

	<-api.entered
	if a.State() != Verifying {
		t.Fatalf("expected Verifying, got %v", a.State())
	}
	if _, err := a.BeginEnrollment(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while verifying, got %v", err)
	}

	a.Reset()
	close(api.release)

	if err := <-errc; !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after reset, got %v", err)
	}
	if a.State() != Idle {
		t.Fatalf("expected Idle, got %v", a.State())
	}
}

type blockingVerifyAPI struct {
	*fakeAPI
	release chan struct{}
	entered chan struct{}
}

func (b *blockingVerifyAPI) VerifyTwoFactor(ctx context.Context, secret, code string) error {
	close(b.entered)
	<-b.release
	return b.fakeAPI.VerifyTwoFactor(ctx, secret, code)
}
