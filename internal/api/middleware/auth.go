package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/phrazzld/casework/internal/api/shared"
	"github.com/phrazzld/casework/internal/permission"
	"github.com/phrazzld/casework/internal/platform/logger"
	"github.com/phrazzld/casework/internal/service/auth"
)

// APIKeyHeader carries a static API key.
const APIKeyHeader = "X-API-Key"

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Claims, error)
}

// KeyVerifier resolves static API keys.
type KeyVerifier interface {
	Verify(key string) (*auth.Claims, error)
}

// AuthMiddleware resolves the caller's principal from a bearer token or an
// API key. It does not evaluate capabilities; see RequireCapability.
type AuthMiddleware struct {
	tokens TokenValidator
	keys   KeyVerifier
}

// NewAuthMiddleware creates an AuthMiddleware. keys may be nil when no
// static keys are configured.
func NewAuthMiddleware(tokens TokenValidator, keys KeyVerifier) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, keys: keys}
}

// Authenticate rejects requests without valid credentials and stores the
// principal in the request context otherwise. Browsers cannot set headers on
// WebSocket upgrades, so a bearer token is also accepted in the
// access_token query parameter.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.resolve(r)
		if err != nil {
			respondAuthError(w, r, err)
			return
		}

		p := permission.Principal{ID: claims.Principal, Role: claims.Role}
		ctx := permission.WithPrincipal(r.Context(), p)
		ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With("principal", p.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) resolve(r *http.Request) (*auth.Claims, error) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		if m.keys == nil {
			return nil, auth.ErrUnknownAPIKey
		}
		return m.keys.Verify(key)
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return m.tokens.ValidateToken(r.Context(), token)
		}
		return nil, auth.ErrMissingToken
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, auth.ErrInvalidToken
	}
	return m.tokens.ValidateToken(r.Context(), strings.TrimSpace(token))
}

func respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Credentials required")
	case errors.Is(err, auth.ErrExpiredToken):
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Token expired")
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrUnknownAPIKey):
		shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Invalid credentials", err,
			shared.WithElevatedLogLevel())
	default:
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Authentication error", err)
	}
}

// Authorizer is the subset of the permission gate used by RequireCapability.
type Authorizer interface {
	Authorize(p permission.Principal, c permission.Capability) permission.Decision
}

// RequireCapability denies requests whose principal lacks c. It is used on
// routes whose backing component does not consult the gate itself.
func RequireCapability(gate Authorizer, c permission.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := permission.PrincipalFromContext(r.Context())
			if !ok {
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Credentials required")
				return
			}
			d := gate.Authorize(p, c)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			status := http.StatusForbidden
			message := "Capability " + string(c) + " not granted"
			if d.Reason == permission.RateLimited {
				status = http.StatusTooManyRequests
				message = "Rate limit exceeded"
			}
			shared.RespondWithErrorAndLog(w, r, status, message, d.Err(),
				shared.WithReason(string(d.Reason)), shared.WithElevatedLogLevel())
		})
	}
}
