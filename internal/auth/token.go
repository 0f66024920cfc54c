// Package auth verifies pre-issued bearer tokens. Token issuance is
// owned by the identity service; the hub only extracts actor id, role
// and capability flags from a token it can validate.
package auth

import (
	"errors"
	"fmt"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/dispatch-hub/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownRole  = errors.New("unknown role in token")
)

// Identity is what a verified token resolves to.
type Identity struct {
	ActorID  string
	Role     models.Role
	Verified bool // driver document verification flag
}

// Verifier resolves a bearer token into an identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

type claims struct {
	Role     string `json:"role"`
	Verified bool   `json:"verified"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens issued by the auth service.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	var role models.Role
	switch c.Role {
	case string(models.RoleCustomer):
		role = models.RoleCustomer
	case string(models.RoleDriver):
		role = models.RoleDriver
	default:
		return Identity{}, ErrUnknownRole
	}

	return Identity{ActorID: c.Subject, Role: role, Verified: c.Verified}, nil
}
