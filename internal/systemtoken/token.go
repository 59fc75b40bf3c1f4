// Package systemtoken signs and verifies the short-lived, non-human
// identity the startup orchestrator presents when it warms idle
// upstream connections before any real client has authenticated.
package systemtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SystemPrincipal is the subject every warm-up token carries, so audit
// logs can distinguish orchestrator-initiated connections from
// client-initiated ones sharing the same server bucket.
const SystemPrincipal = "system:startup-orchestrator"

// Claims is the warm-up token's payload: a registered claim set plus the
// server the connection is being opened for, so a verifier can bind the
// token to one bucket rather than accepting it as a blanket credential.
type Claims struct {
	jwt.RegisteredClaims
	ServerUUID string `json:"serverUuid"`
}

// Signer mints and verifies system-scoped tokens with a single HMAC key.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner builds a Signer. secret must be non-empty; ttl is typically
// short (minutes), since the token only needs to outlive the warm-up
// connection attempt itself.
func NewSigner(secret []byte, ttl time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("systemtoken: empty signing secret")
	}
	return &Signer{secret: secret, ttl: ttl}, nil
}

// Issue mints a token scoped to one server's warm-up connection.
func (s *Signer) Issue(serverUUID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   SystemPrincipal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		ServerUUID: serverUUID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token minted by Issue, returning the
// server it was scoped to.
func (s *Signer) Verify(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("systemtoken: %w", err)
	}
	if !token.Valid {
		return Claims{}, errors.New("systemtoken: invalid token")
	}
	if claims.Subject != SystemPrincipal {
		return Claims{}, errors.New("systemtoken: unexpected subject")
	}
	return claims, nil
}
