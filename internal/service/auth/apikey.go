package auth

import (
	"errors"
	"fmt"

	"github.com/phrazzld/casework/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyVerifier matches static keys against configured bcrypt hashes.
type APIKeyVerifier struct {
	keys []config.APIKeyConfig
}

// NewAPIKeyVerifier validates that every configured hash is a bcrypt hash.
func NewAPIKeyVerifier(keys []config.APIKeyConfig) (*APIKeyVerifier, error) {
	for _, k := range keys {
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("api key for %s: invalid bcrypt hash: %w", k.Principal, err)
		}
	}
	return &APIKeyVerifier{keys: append([]config.APIKeyConfig(nil), keys...)}, nil
}

// Verify returns the principal and role bound to key.
func (v *APIKeyVerifier) Verify(key string) (*Claims, error) {
	if key == "" {
		return nil, ErrMissingToken
	}
	for _, k := range v.keys {
		err := bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(key))
		if err == nil {
			return &Claims{Principal: k.Principal, Role: k.Role}, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, fmt.Errorf("compare api key for %s: %w", k.Principal, err)
		}
	}
	return nil, ErrUnknownAPIKey
}

// HashAPIKey returns the bcrypt hash to configure for key.
func HashAPIKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("api keys must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}
