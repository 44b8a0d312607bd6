package authstub

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	kindAccess = "access"
	kindStepUp = "stepup"
)

var errWrongTokenKind = errors.New("wrong token kind")

// claims is the payload of both access and step-up tokens. Gen ties an
// access token to the server's token generation so tests can expire every
// outstanding token at once.
type claims struct {
	UID      string `json:"uid"`
	Kind     string `json:"typ"`
	TenantID string `json:"tid,omitempty"`
	Role     string `json:"role,omitempty"`
	Gen      uint64 `json:"gen"`
	jwt.RegisteredClaims
}

type tokenIssuer struct {
	issuer string
	key    []byte
	now    func() time.Time
}

func (t tokenIssuer) issue(kind, uid, tenantID, role string, gen uint64, ttl time.Duration) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(ttl)
	c := claims{
		UID:      uid,
		Kind:     kind,
		TenantID: tenantID,
		Role:     role,
		Gen:      gen,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.issuer,
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (t tokenIssuer) parse(token, kind string) (*claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	var c claims
	parsed, err := parser.ParseWithClaims(token, &c, func(tok *jwt.Token) (any, error) {
		if tok.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", tok.Method.Alg())
		}
		return t.key, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if c.Kind != kind {
		return nil, errWrongTokenKind
	}
	return &c, nil
}
