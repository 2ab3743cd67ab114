package stub

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuerName = "icloud-stub"

type tokenKind string

const (
	kindSession tokenKind = "session"
	kindTrust   tokenKind = "trust"
)

type tokenClaims struct {
	Account   string    `json:"acct"`
	SessionID string    `json:"sid,omitempty"`
	Kind      tokenKind `json:"knd"`
	// Verified marks a session token issued after two-factor
	// verification or for a trusted device.
	Verified bool `json:"vfd,omitempty"`
	jwt.RegisteredClaims
}

type tokenIssuer struct {
	key []byte
	now func() time.Time
}

func newTokenIssuer(now func() time.Time) (*tokenIssuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &tokenIssuer{key: key, now: now}, nil
}

func (ti *tokenIssuer) issue(claims tokenClaims, ttl time.Duration) (string, error) {
	now := ti.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuerName,
		Subject:   claims.Account,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
}

func (ti *tokenIssuer) parse(raw string, want tokenKind) (*tokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(ti.now),
	)
	token, err := parser.ParseWithClaims(raw, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return ti.key, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Kind != want {
		return nil, errors.New("unexpected token kind")
	}
	return claims, nil
}
