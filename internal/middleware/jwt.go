package middleware

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims are the claims the API reads from a validated token.
type JWTClaims struct {
	Subject string
	Name    string
	Raw     map[string]any
}

// JWTValidator checks a bearer token and returns its claims.
type JWTValidator interface {
	Validate(ctx context.Context, tokenString string) (*JWTClaims, error)
}

// HS256Validator validates tokens signed with a shared HS256 secret.
// audience, when set, must appear in the token's aud claim. nameClaim
// selects the claim used as the principal display name.
type HS256Validator struct {
	secret    []byte
	audience  string
	nameClaim string
}

var _ JWTValidator = (*HS256Validator)(nil)

// NewHS256Validator builds a validator for the shared secret. nameClaim
// defaults to "email".
func NewHS256Validator(secret, audience, nameClaim string) (*HS256Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if nameClaim == "" {
		nameClaim = "email"
	}
	return &HS256Validator{secret: []byte(secret), audience: audience, nameClaim: nameClaim}, nil
}

// Validate parses and verifies tokenString. Expiry and not-before are
// checked when the claims carry them.
func (v *HS256Validator) Validate(_ context.Context, tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	tok, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("jwt parse: %w", err)
	}

	raw, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("jwt parse: unsupported claims type %T", tok.Claims)
	}

	sub, _ := raw["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("jwt parse: token has no subject")
	}

	claims := &JWTClaims{Subject: sub, Raw: map[string]any(raw)}
	if name, ok := raw[v.nameClaim].(string); ok {
		claims.Name = name
	}
	return claims, nil
}
