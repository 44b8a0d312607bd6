package stepup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrEthical07/authpipe/audit"
	"github.com/MrEthical07/authpipe/authapi"
	"github.com/MrEthical07/authpipe/internal/otpcode"
	"github.com/MrEthical07/authpipe/metrics"
	"github.com/MrEthical07/authpipe/session"
	"go.uber.org/zap"
)

var (
	// ErrInvalidCode is returned for a malformed code, before any network
	// call, and for a code the server rejected. State is unchanged.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrInvalidState is returned when an operation is not allowed in the
	// current state.
	ErrInvalidState = errors.New("operation not allowed in current step-up state")
	// ErrMalformedEnrollment is returned when the issued provisioning URI
	// does not carry the issued secret.
	ErrMalformedEnrollment = errors.New("provisioning uri does not match issued secret")
	// ErrPasswordRequired is returned by Disable for an empty password.
	ErrPasswordRequired = errors.New("password required")
)

// State is the step-up enrollment state of the signed-in user.
type State int

const (
	Idle State = iota
	SecretIssued
	Verifying
	Enabled
	Disabling
	RegeneratingCodes
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SecretIssued:
		return "secret-issued"
	case Verifying:
		return "verifying"
	case Enabled:
		return "enabled"
	case Disabling:
		return "disabling"
	case RegeneratingCodes:
		return "regenerating-codes"
	default:
		return "unknown"
	}
}

// API is the subset of the auth client used here. *authapi.Client
// implements it.
type API interface {
	GenerateTwoFactor(ctx context.Context) (*authapi.Enrollment, error)
	VerifyTwoFactor(ctx context.Context, secret, code string) error
	AuthenticateTwoFactor(ctx context.Context, pending authapi.PendingStepUp, code string, isBackupCode bool) (*session.Session, error)
	DisableTwoFactor(ctx context.Context, password string) error
	RegenerateBackupCodes(ctx context.Context) ([]string, error)
	TwoFactorStatus(ctx context.Context) (*authapi.Status, error)
}

// Config controls client-side code checks.
type Config struct {
	MinBackupCodeLength int
}

// DefaultConfig returns the standard step-up configuration.
func DefaultConfig() Config {
	return Config{MinBackupCodeLength: otpcode.DefaultMinBackupCodeLength}
}

// Validate checks cfg.
func (c Config) Validate() error {
	if c.MinBackupCodeLength < 6 {
		return errors.New("stepup: MinBackupCodeLength must be >= 6")
	}
	return nil
}

// Options wires an [Authenticator].
type Options struct {
	Config  Config
	API     API
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Audit   audit.Sink
}

// Challenge is the material shown to the user while enrolling.
type Challenge struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
}

type challenge struct {
	secret      []byte
	uri         string
	backupCodes []string
}

func (c *challenge) wipe() {
	if c == nil {
		return
	}
	clear(c.secret)
	c.secret = nil
	c.uri = ""
	clear(c.backupCodes)
	c.backupCodes = nil
}

// Authenticator runs enrollment, disable and backup-code regeneration for
// the signed-in user, and completes step-up logins.
type Authenticator struct {
	cfg     Config
	api     API
	log     *zap.Logger
	metrics *metrics.Metrics
	audit   audit.Sink

	mu        sync.Mutex
	state     State
	challenge *challenge
	// gen invalidates the outcome of an in-flight call superseded by
	// another call, a cancel or a reset.
	gen uint64
}

// New creates an [Authenticator] in state Idle.
func New(opts Options) (*Authenticator, error) {
	if opts.API == nil {
		return nil, errors.New("stepup: nil api")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	a := &Authenticator{
		cfg:     opts.Config,
		api:     opts.API,
		log:     opts.Logger,
		metrics: opts.Metrics,
		audit:   opts.Audit,
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	a.log = a.log.Named("stepup")
	return a, nil
}

// State returns the current state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ValidateCode checks the shape of code without a network call and returns
// the form to send. TOTP codes must be exactly six ASCII digits; backup
// codes are canonicalized and must be long enough and alphanumeric.
func ValidateCode(code string, isBackupCode bool, minBackupLen int) (string, error) {
	if isBackupCode {
		canonical := otpcode.CanonicalizeBackupCode(code)
		if !otpcode.ValidBackupShape(canonical, minBackupLen) {
			return "", ErrInvalidCode
		}
		return canonical, nil
	}
	if !otpcode.ValidTOTPShape(code) {
		return "", ErrInvalidCode
	}
	return strings.TrimSpace(code), nil
}

// Sync reads the server-side status. It moves Idle and Enabled to match
// and leaves an enrollment in progress alone.
func (a *Authenticator) Sync(ctx context.Context) (State, error) {
	a.mu.Lock()
	switch a.state {
	case Verifying, Disabling, RegeneratingCodes:
		state := a.state
		a.mu.Unlock()
		return state, ErrInvalidState
	}
	a.mu.Unlock()

	st, err := a.api.TwoFactorStatus(ctx)
	if err != nil {
		return a.State(), err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Idle, Enabled:
		if st.Enabled {
			a.state = Enabled
		} else {
			a.state = Idle
		}
	case SecretIssued:
		if st.Enabled {
			a.challenge.wipe()
			a.challenge = nil
			a.gen++
			a.state = Enabled
		}
	}
	return a.state, nil
}

// BeginEnrollment asks the server for a new secret. Calling it again
// before confirmation replaces the previous challenge.
func (a *Authenticator) BeginEnrollment(ctx context.Context) (Challenge, error) {
	a.mu.Lock()
	if a.state != Idle && a.state != SecretIssued {
		a.mu.Unlock()
		return Challenge{}, ErrInvalidState
	}
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	enr, err := a.api.GenerateTwoFactor(ctx)
	if err != nil {
		return Challenge{}, err
	}
	uriSecret, err := otpcode.SecretFromURI(enr.ProvisioningURI)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %w", ErrMalformedEnrollment, err)
	}
	if !otpcode.SameSecret(uriSecret, enr.Secret) {
		return Challenge{}, ErrMalformedEnrollment
	}

	next := &challenge{
		secret:      []byte(enr.Secret),
		uri:         enr.ProvisioningURI,
		backupCodes: slices.Clone(enr.BackupCodes),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || (a.state != Idle && a.state != SecretIssued) {
		next.wipe()
		return Challenge{}, ErrInvalidState
	}
	a.challenge.wipe()
	a.challenge = next
	a.state = SecretIssued
	a.log.Debug("enrollment secret issued")

	return Challenge{
		Secret:          enr.Secret,
		ProvisioningURI: enr.ProvisioningURI,
		BackupCodes:     slices.Clone(enr.BackupCodes),
	}, nil
}

// ConfirmEnrollment verifies code against the secret issued by the current
// challenge. On success step-up is Enabled and the challenge is wiped; on
// failure the challenge is kept for another attempt.
func (a *Authenticator) ConfirmEnrollment(ctx context.Context, code string) error {
	a.mu.Lock()
	if a.state != SecretIssued || a.challenge == nil {
		a.mu.Unlock()
		return ErrInvalidState
	}
	normalized, err := ValidateCode(code, false, a.cfg.MinBackupCodeLength)
	if err != nil {
		a.mu.Unlock()
		a.metrics.Inc(metrics.StepUpCodeRejected)
		return err
	}
	a.state = Verifying
	ch := a.challenge
	gen := a.gen
	secret := string(ch.secret)
	a.mu.Unlock()

	err = a.api.VerifyTwoFactor(ctx, secret, normalized)

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return ErrInvalidState
	}
	if err != nil {
		a.state = SecretIssued
		a.metrics.Inc(metrics.StepUpFailure)
		if errors.Is(err, authapi.ErrCodeRejected) {
			return fmt.Errorf("%w: %w", ErrInvalidCode, err)
		}
		return err
	}

	ch.wipe()
	a.challenge = nil
	a.gen++
	a.state = Enabled
	a.metrics.Inc(metrics.StepUpEnabled)
	audit.Emit(ctx, a.audit, audit.Event{EventType: audit.EventStepUpEnabled, Success: true})
	a.log.Info("step-up enabled")
	return nil
}

// CancelEnrollment discards the current challenge and returns to Idle.
func (a *Authenticator) CancelEnrollment() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Idle && a.state != SecretIssued {
		return ErrInvalidState
	}
	a.challenge.wipe()
	a.challenge = nil
	a.gen++
	a.state = Idle
	return nil
}

// Disable turns step-up off after the server confirms password.
func (a *Authenticator) Disable(ctx context.Context, password string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	gen, err := a.enter(Enabled, Disabling)
	if err != nil {
		return err
	}

	err = a.api.DisableTwoFactor(ctx, password)

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return ErrInvalidState
	}
	if err != nil {
		a.state = Enabled
		audit.Emit(ctx, a.audit, audit.Event{EventType: audit.EventStepUpDisabled, Success: false, Error: err.Error()})
		return err
	}
	a.state = Idle
	a.metrics.Inc(metrics.StepUpDisabled)
	audit.Emit(ctx, a.audit, audit.Event{EventType: audit.EventStepUpDisabled, Success: true})
	a.log.Info("step-up disabled")
	return nil
}

// RegenerateBackupCodes replaces the backup codes and returns the new
// batch. The state returns to Enabled either way.
func (a *Authenticator) RegenerateBackupCodes(ctx context.Context) ([]string, error) {
	gen, err := a.enter(Enabled, RegeneratingCodes)
	if err != nil {
		return nil, err
	}

	codes, err := a.api.RegenerateBackupCodes(ctx)

	a.mu.Lock()
	if gen == a.gen {
		a.state = Enabled
	}
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	a.metrics.Inc(metrics.BackupCodesRegenerated)
	audit.Emit(ctx, a.audit, audit.Event{
		EventType: audit.EventBackupCodesRotated,
		Success:   true,
		Metadata:  map[string]string{"count": fmt.Sprint(len(codes))},
	})
	return codes, nil
}

// Authenticate completes a login that was gated by step-up, using the
// intermediate credential in pending. A malformed code fails with
// [ErrInvalidCode] before any network call.
func (a *Authenticator) Authenticate(ctx context.Context, pending authapi.PendingStepUp, code string, isBackupCode bool) (*session.Session, error) {
	if pending.TempToken == "" || pending.UserID == "" {
		return nil, ErrInvalidState
	}
	normalized, err := ValidateCode(code, isBackupCode, a.cfg.MinBackupCodeLength)
	if err != nil {
		a.metrics.Inc(metrics.StepUpCodeRejected)
		return nil, err
	}

	s, err := a.api.AuthenticateTwoFactor(ctx, pending, normalized, isBackupCode)
	if err != nil {
		a.metrics.Inc(metrics.StepUpFailure)
		audit.Emit(ctx, a.audit, audit.Event{
			EventType: audit.EventStepUpRejected,
			UserID:    pending.UserID,
			Success:   false,
			Error:     err.Error(),
			Metadata:  map[string]string{"backup_code": fmt.Sprint(isBackupCode)},
		})
		if errors.Is(err, authapi.ErrCodeRejected) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCode, err)
		}
		return nil, err
	}

	a.metrics.Inc(metrics.StepUpSuccess)
	audit.Emit(ctx, a.audit, audit.Event{
		EventType: audit.EventStepUpVerified,
		UserID:    s.User.ID,
		TenantID:  s.TenantID,
		Success:   true,
		Metadata:  map[string]string{"backup_code": fmt.Sprint(isBackupCode)},
	})

	a.mu.Lock()
	if a.state == Idle {
		a.state = Enabled
	}
	a.mu.Unlock()
	return s, nil
}

// Reset wipes any challenge and returns to Idle. Called on logout.
func (a *Authenticator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.challenge.wipe()
	a.challenge = nil
	a.gen++
	a.state = Idle
}

func (a *Authenticator) enter(from, to State) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return 0, ErrInvalidState
	}
	a.state = to
	return a.gen, nil
}
