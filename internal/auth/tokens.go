package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is used when no token lifetime is configured.
const DefaultTTL = time.Hour

// Tokens issues and validates HMAC-signed session tokens for verified users.
type Tokens struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokens returns a token issuer. The secret must not be empty.
func NewTokens(secret, audience string, ttl time.Duration) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("missing JWT secret")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tokens{
		secret:   []byte(secret),
		audience: strings.TrimSpace(audience),
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Issue signs a token whose subject is username.
func (t *Tokens) Issue(username string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	if t.audience != "" {
		claims.Audience = jwt.ClaimStrings{t.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}
