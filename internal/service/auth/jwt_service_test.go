package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/casework/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-that-is-long-enough-for-testing"

func newTestJWTService(secret string, lifetime time.Duration, now func() time.Time) TokenService {
	return &hmacJWTService{
		signingKey:    []byte(secret),
		tokenLifetime: lifetime,
		timeFunc:      now,
		clockSkew:     2 * time.Minute,
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := newTestJWTService(testSecret, time.Hour, func() time.Time { return fixed })

	token, err := svc.GenerateToken(context.Background(), "analyst-3", "responder")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "analyst-3", claims.Principal)
	assert.Equal(t, "responder", claims.Role)
	assert.Equal(t, fixed.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, fixed.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
	assert.NotEmpty(t, claims.ID)
}

func TestValidateTokenFailures(t *testing.T) {
	t.Parallel()
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issuer := newTestJWTService(testSecret, time.Hour, func() time.Time { return issued })
	token, err := issuer.GenerateToken(context.Background(), "analyst-3", "responder")
	require.NoError(t, err)

	noRole := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "analyst-3",
		ExpiresAt: jwt.NewNumericDate(issued.Add(time.Hour)),
	})
	noRoleToken, err := noRole.SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name    string
		svc     TokenService
		token   string
		wantErr error
	}{
		{
			name:    "expired",
			svc:     newTestJWTService(testSecret, time.Hour, func() time.Time { return issued.Add(3 * time.Hour) }),
			token:   token,
			wantErr: ErrExpiredToken,
		},
		{
			name:    "within clock skew",
			svc:     newTestJWTService(testSecret, time.Hour, func() time.Time { return issued.Add(time.Hour + time.Minute) }),
			token:   token,
			wantErr: nil,
		},
		{
			name:    "wrong secret",
			svc:     newTestJWTService("another-secret-that-is-long-enough-too", time.Hour, func() time.Time { return issued }),
			token:   token,
			wantErr: ErrInvalidToken,
		},
		{
			name:    "malformed",
			svc:     issuer,
			token:   "not.a.token",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "missing role claim",
			svc:     issuer,
			token:   noRoleToken,
			wantErr: ErrInvalidToken,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tc.svc.ValidateToken(context.Background(), tc.token)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestNewJWTServiceRequiresLongSecret(t *testing.T) {
	t.Parallel()
	_, err := NewJWTService("short", time.Hour)
	assert.Error(t, err)

	svc, err := NewJWTService(testSecret, 0)
	require.NoError(t, err)
	_, err = svc.GenerateToken(context.Background(), "", "responder")
	assert.Error(t, err)
}

func TestAPIKeyVerifier(t *testing.T) {
	t.Parallel()
	key := "ck_live_6f1c2a9e8b7d"
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)

	v, err := NewAPIKeyVerifier([]config.APIKeyConfig{
		{Principal: "soar-connector", Role: "automation", Hash: string(hash)},
	})
	require.NoError(t, err)

	claims, err := v.Verify(key)
	require.NoError(t, err)
	assert.Equal(t, "soar-connector", claims.Principal)
	assert.Equal(t, "automation", claims.Role)

	_, err = v.Verify("ck_live_wrong_key_000")
	assert.ErrorIs(t, err, ErrUnknownAPIKey)
	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = NewAPIKeyVerifier([]config.APIKeyConfig{{Principal: "x", Role: "y", Hash: "plaintext"}})
	assert.Error(t, err)
}

func TestHashAPIKey(t *testing.T) {
	t.Parallel()
	_, err := HashAPIKey("short")
	assert.Error(t, err)

	hash, err := HashAPIKey("ck_live_6f1c2a9e8b7d")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("ck_live_6f1c2a9e8b7d")))
}
