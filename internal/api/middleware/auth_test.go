package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/casework/internal/api/shared"
	"github.com/phrazzld/casework/internal/config"
	"github.com/phrazzld/casework/internal/permission"
	"github.com/phrazzld/casework/internal/platform/metrics"
	"github.com/phrazzld/casework/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTokens map[string]*auth.Claims

func (s stubTokens) ValidateToken(_ context.Context, token string) (*auth.Claims, error) {
	switch token {
	case "expired":
		return nil, auth.ErrExpiredToken
	case "broken":
		return nil, errors.New("keystore offline")
	}
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, auth.ErrInvalidToken
}

type stubKeys map[string]*auth.Claims

func (s stubKeys) Verify(key string) (*auth.Claims, error) {
	if c, ok := s[key]; ok {
		return c, nil
	}
	return nil, auth.ErrUnknownAPIKey
}

func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := permission.PrincipalFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"id": p.ID, "role": p.Role})
	})
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	m := NewAuthMiddleware(
		stubTokens{"good": {Principal: "analyst-3", Role: "responder"}},
		stubKeys{"ck_live_0123456789": {Principal: "soar", Role: "automation"}},
	)
	handler := m.Authenticate(principalEcho())

	tests := []struct {
		name      string
		header    string
		apiKey    string
		query     string
		status    int
		principal string
	}{
		{name: "bearer token", header: "Bearer good", status: http.StatusOK, principal: "analyst-3"},
		{name: "lowercase scheme", header: "bearer good", status: http.StatusOK, principal: "analyst-3"},
		{name: "api key", apiKey: "ck_live_0123456789", status: http.StatusOK, principal: "soar"},
		{name: "query token", query: "?access_token=good", status: http.StatusOK, principal: "analyst-3"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic Zm9vOmJhcg==", status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer expired", status: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "unknown key", apiKey: "ck_live_wrong", status: http.StatusUnauthorized},
		{name: "validator failure", header: "Bearer broken", status: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/api/tasks/1"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if tc.apiKey != "" {
				r.Header.Set(APIKeyHeader, tc.apiKey)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tc.status, w.Code)
			if tc.principal != "" {
				var body map[string]string
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, tc.principal, body["id"])
			}
		})
	}
}

func TestAuthenticateWithoutKeyVerifier(t *testing.T) {
	t.Parallel()
	handler := NewAuthMiddleware(stubTokens{}, nil).Authenticate(principalEcho())
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(APIKeyHeader, "ck_live_0123456789")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireCapability(t *testing.T) {
	t.Parallel()
	gate := permission.NewGate([]config.RoleConfig{
		{Name: "responder", Capabilities: []string{"provider:admin"}, RateLimit: 1, RateWindow: time.Hour},
		{Name: "observer", Capabilities: []string{"task:read"}},
	}, permission.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	handler := RequireCapability(gate, permission.ProviderAdmin)(principalEcho())

	call := func(p *permission.Principal) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/providers/healthcheck", nil)
		if p != nil {
			r = r.WithContext(permission.WithPrincipal(r.Context(), *p))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, call(nil).Code)

	observer := call(&permission.Principal{ID: "o1", Role: "observer"})
	assert.Equal(t, http.StatusForbidden, observer.Code)
	assert.Contains(t, observer.Body.String(), `"reason":"NoSuchCapability"`)

	responder := &permission.Principal{ID: "r1", Role: "responder"}
	assert.Equal(t, http.StatusOK, call(responder).Code)
	limited := call(responder)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Contains(t, limited.Body.String(), `"reason":"RateLimited"`)
}

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()
	var seen string
	h := NewTraceMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = shared.GetTraceID(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, seen, shared.TraceIDLength*2)
	assert.Equal(t, seen, w.Header().Get(TraceHeader))
}

func TestMetricsMiddlewareCountsUnmatchedRoutes(t *testing.T) {
	t.Parallel()
	reg := metrics.NewRegistry("test")
	h := NewMetricsMiddleware(reg)(http.NotFoundHandler())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 1.0, reg.Counter("http_requests_total",
		metrics.Labels{"method": http.MethodGet, "route": "unmatched", "status": "404"}))
}
