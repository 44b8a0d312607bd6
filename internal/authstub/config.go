package authstub

import (
	"errors"
	"time"

	"github.com/MrEthical07/authpipe/internal/otpcode"
)

// Config tunes the reference server.
type Config struct {
	Issuer           string
	SigningKey       []byte
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	StepUpTTL        time.Duration
	TenantHeader     string
	TOTP             otpcode.Config
	BackupCodeCount  int
	BackupCodeLength int
	Password         PasswordConfig
	Limiter          LimiterConfig
	Now              func() time.Time
}

// DefaultConfig returns settings suitable for tests and local demos. The
// signing key is left empty; [New] fills it with random bytes.
func DefaultConfig() Config {
	return Config{
		Issuer:           "authstub",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
		StepUpTTL:        5 * time.Minute,
		TenantHeader:     "X-Tenant-ID",
		TOTP:             otpcode.DefaultConfig(),
		BackupCodeCount:  10,
		BackupCodeLength: 10,
		Password:         DefaultPasswordConfig(),
		Limiter:          LimiterConfig{MaxAttempts: 5, Cooldown: time.Minute},
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.StepUpTTL <= 0 {
		return errors.New("authstub: token TTLs must be > 0")
	}
	if c.RefreshTTL < c.AccessTTL {
		return errors.New("authstub: RefreshTTL must be >= AccessTTL")
	}
	if len(c.SigningKey) > 0 && len(c.SigningKey) < 32 {
		return errors.New("authstub: SigningKey must be at least 32 bytes")
	}
	if c.TOTP.Period == 0 {
		return errors.New("authstub: TOTP period must be > 0")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return errors.New("authstub: TOTP skew must be in [0,2]")
	}
	if c.BackupCodeCount <= 0 || c.BackupCodeCount > 20 {
		return errors.New("authstub: BackupCodeCount must be in [1,20]")
	}
	if c.BackupCodeLength < otpcode.DefaultMinBackupCodeLength {
		return errors.New("authstub: BackupCodeLength must be >= 8")
	}
	if c.TenantHeader == "" {
		return errors.New("authstub: TenantHeader must not be empty")
	}
	return c.Password.validate()
}
