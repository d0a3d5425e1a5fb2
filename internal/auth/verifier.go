// Package auth verifies bearer tokens and resolves principals at handshake.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/ports"
)

// Verifier checks HMAC-signed bearer tokens against the shared secret.
type Verifier struct {
	secret []byte
	method jwt.SigningMethod
}

func NewVerifier(secret string, algorithm string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: token secret is required")
	}
	var method jwt.SigningMethod
	switch algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("auth: unsupported token algorithm %q", algorithm)
	}
	return &Verifier{secret: []byte(secret), method: method}, nil
}

func (v *Verifier) Verify(token string) (*ports.TokenClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != v.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{v.method.Alg()}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, domain.Wrap(domain.KindTokenExpired, "token expired", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, domain.Wrap(domain.KindTokenInvalidSignature, "token signature invalid", err)
		default:
			return nil, domain.Wrap(domain.KindTokenMalformed, "token malformed", err)
		}
	}
	if !parsed.Valid {
		return nil, domain.E(domain.KindTokenMalformed, "token invalid")
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return nil, domain.E(domain.KindTokenMalformed, "token has no subject")
	}

	claims := &ports.TokenClaims{Subject: subject}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
