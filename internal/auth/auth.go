// Package auth turns bearer tokens into policy actors.
//
// Tokens are HS256 JWTs issued by the marketplace's identity service. The
// subject is the user ID and the "role" claim is one of buyer, seller or
// admin. Background jobs never authenticate; they act as policy.System.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/settlement/internal/policy"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Issuer is the iss claim on tokens we mint.
const Issuer = "settlement"

// Claims is the JWT body.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Tokens signs and verifies actor tokens with a shared secret.
type Tokens struct {
	secret []byte
	leeway time.Duration
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), leeway: 30 * time.Second}
}

// Issue mints a token for actor. Used by tooling and tests; production
// tokens come from the identity service.
func (t *Tokens) Issue(actor policy.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(actor.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse verifies raw and returns the actor it names.
// The system role cannot be asserted by a token.
func (t *Tokens) Parse(raw string) (policy.Actor, error) {
	if raw == "" {
		return policy.Actor{}, ErrMissingToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(t.leeway),
	)
	if err != nil {
		return policy.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	role := policy.Role(claims.Role)
	if !role.Valid() || role == policy.RoleSystem {
		return policy.Actor{}, fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	if claims.Subject == "" {
		return policy.Actor{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return policy.Actor{ID: claims.Subject, Role: role}, nil
}
