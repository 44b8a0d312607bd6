package otpcode

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPDigits is the only code length the pipeline accepts.
const TOTPDigits = 6

// Config selects the TOTP parameters of an issuer.
type Config struct {
	Issuer string
	Period uint
	Skew   int
}

// DefaultConfig returns RFC 6238 defaults with one step of skew.
func DefaultConfig() Config {
	return Config{Issuer: "authpipe", Period: 30, Skew: 1}
}

// ValidTOTPShape reports whether code, after trimming surrounding space,
// is exactly [TOTPDigits] ASCII digits.
func ValidTOTPShape(code string) bool {
	code = strings.TrimSpace(code)
	if len(code) != TOTPDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// NewSecret issues a fresh secret for account and returns the key holding
// the base32 secret and provisioning URI.
func NewSecret(cfg Config, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      cfg.Issuer,
		AccountName: account,
		Period:      cfg.Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// Verify checks code against secret at now within the configured skew and
// returns the matched time-step counter so callers can reject reuse.
func Verify(cfg Config, secret, code string, now time.Time) (bool, int64, error) {
	code = strings.TrimSpace(code)
	if !ValidTOTPShape(code) {
		return false, 0, nil
	}
	if secret == "" {
		return false, 0, errors.New("empty totp secret")
	}

	opts := totp.ValidateOpts{
		Period:    cfg.Period,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
	period := int64(cfg.Period)
	base := now.Unix() / period
	for step := -cfg.Skew; step <= cfg.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := totp.GenerateCodeCustom(secret, time.Unix(counter*period, 0), opts)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(code)) == 1 {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

// SecretFromURI parses a provisioning URI and returns its secret.
func SecretFromURI(uri string) (string, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return "", err
	}
	if key.Type() != "totp" {
		return "", errors.New("provisioning uri is not totp")
	}
	if key.Secret() == "" {
		return "", errors.New("provisioning uri has no secret")
	}
	return key.Secret(), nil
}

// SameSecret compares two base32 secrets ignoring case and padding.
func SameSecret(a, b string) bool {
	norm := func(s string) string {
		return strings.TrimRight(strings.ToUpper(strings.ReplaceAll(s, " ", "")), "=")
	}
	return subtle.ConstantTimeCompare([]byte(norm(a)), []byte(norm(b))) == 1
}
