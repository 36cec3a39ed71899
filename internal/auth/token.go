// Package auth issues and caches the bearer tokens used by the private
// channel.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Credentials are the API key pair. Acquiring them is the caller's concern.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Valid reports whether both keys are present.
func (c Credentials) Valid() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// Token is a signed bearer token and its validity window.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Lifetime is the full validity window.
func (t Token) Lifetime() time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// Issuer produces fresh tokens.
type Issuer interface {
	Issue(ctx context.Context, creds Credentials) (Token, error)
}

// ErrMissingCredentials is returned when the key pair is incomplete.
var ErrMissingCredentials = errors.New("missing api credentials")

// JWTIssuer signs Upbit-style HS256 tokens carrying access_key and a nonce.
type JWTIssuer struct {
	Lifetime time.Duration
	Now      func() time.Time
}

// NewJWTIssuer returns an issuer whose tokens are valid for lifetime.
func NewJWTIssuer(lifetime time.Duration) *JWTIssuer {
	return &JWTIssuer{Lifetime: lifetime, Now: time.Now}
}

// Issue signs a new token.
func (i *JWTIssuer) Issue(ctx context.Context, creds Credentials) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	if !creds.Valid() {
		return Token{}, ErrMissingCredentials
	}

	now := time.Now()
	if i.Now != nil {
		now = i.Now()
	}
	lifetime := i.Lifetime
	if lifetime <= 0 {
		lifetime = time.Minute
	}
	exp := now.Add(lifetime)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"access_key": creds.AccessKey,
		"nonce":      uuid.NewString(),
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
	})

	signed, err := token.SignedString([]byte(creds.SecretKey))
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return Token{Value: signed, IssuedAt: now, ExpiresAt: exp}, nil
}
