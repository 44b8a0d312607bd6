package authstub

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	minPassBytes          = 10
	argonAlgorithm        = "argon2id"
)

var errInvalidPHC = errors.New("invalid PHC hash")

// PasswordConfig holds argon2id cost parameters.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultPasswordConfig returns the cheapest parameters [Config.Validate]
// accepts. The stub never stores real passwords.
func DefaultPasswordConfig() PasswordConfig {
	return PasswordConfig{Memory: minMemoryKB, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func (c PasswordConfig) validate() error {
	switch {
	case c.Memory < minMemoryKB:
		return errors.New("authstub: password memory must be >= 8192 KB")
	case c.Time < 1:
		return errors.New("authstub: password time must be >= 1")
	case c.Parallelism < 1:
		return errors.New("authstub: password parallelism must be >= 1")
	case c.SaltLength < minSaltLength:
		return errors.New("authstub: password salt length must be >= 16")
	case c.KeyLength < minKeyLength:
		return errors.New("authstub: password key length must be >= 16")
	}
	return nil
}

type passwordHasher struct {
	cfg PasswordConfig
}

// hash encodes password in PHC string format.
func (h passwordHasher) hash(password string) (string, error) {
	if len(password) < minPassBytes {
		return "", fmt.Errorf("password must be at least %d bytes", minPassBytes)
	}
	salt := make([]byte, h.cfg.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, h.cfg.Time, h.cfg.Memory, h.cfg.Parallelism, h.cfg.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argonAlgorithm,
		argon2.Version,
		h.cfg.Memory,
		h.cfg.Time,
		h.cfg.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h passwordHasher) verify(password, encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(computed, p.key) == 1, nil
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argonAlgorithm {
		return nil, errInvalidPHC
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, fmt.Errorf("%w: unsupported version", errInvalidPHC)
	}

	var out phc
	for _, pair := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q", errInvalidPHC, pair)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q", errInvalidPHC, pair)
		}
		switch k {
		case "m":
			out.memory = uint32(n)
		case "t":
			out.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, fmt.Errorf("%w: parallelism", errInvalidPHC)
			}
			out.parallelism = uint8(n)
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", errInvalidPHC, k)
		}
	}
	if out.memory < minMemoryKB || out.time < 1 || out.parallelism < 1 {
		return nil, fmt.Errorf("%w: parameters below minimum", errInvalidPHC)
	}

	var err error
	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(out.salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: salt", errInvalidPHC)
	}
	if out.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(out.key) == 0 {
		return nil, fmt.Errorf("%w: key", errInvalidPHC)
	}
	return &out, nil
}
