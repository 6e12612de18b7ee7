// Package auth turns presented credentials into the principal the permission
// gate evaluates. Bearer tokens are HMAC-signed JWTs carrying a role claim;
// static API keys are matched against configured bcrypt hashes.
package auth

import (
	"context"
	"time"
)

// TokenService issues and validates bearer tokens.
type TokenService interface {
	// GenerateToken signs a token for principal with the given role. The
	// server only validates tokens; issuing is for the developer CLI.
	GenerateToken(ctx context.Context, principal, role string) (string, error)

	// ValidateToken verifies the signature and time claims of a token.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims are the validated contents of a bearer token.
type Claims struct {
	Principal string    `json:"sub,omitempty"`
	Role      string    `json:"role,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
