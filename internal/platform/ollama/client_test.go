package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/casework/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(generateResponse{Model: req.Model, Response: "echo: " + req.Prompt, Done: true})
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL + "/", Model: "llama3"})
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "triage this")
	require.NoError(t, err)
	assert.Equal(t, "echo: triage this", out)
}

func TestGenerateClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(errorResponse{Error: "nope"})
			}))
			defer srv.Close()

			c, err := New(Config{Endpoint: srv.URL, Model: "llama3"})
			require.NoError(t, err)
			_, err = c.Generate(context.Background(), "x")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tt.transient, domain.IsRetryable(err))
		})
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"},{"name":"mistral"}]}`))
	}))
	defer srv.Close()

	ok, err := New(Config{Endpoint: srv.URL, Model: "llama3"})
	require.NoError(t, err)
	assert.NoError(t, ok.Ping(context.Background()))

	missing, err := New(Config{Endpoint: srv.URL, Model: "phi3"})
	require.NoError(t, err)
	assert.ErrorIs(t, missing.Ping(context.Background()), ErrModelNotFound)
}

func TestPingUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{Endpoint: url, Model: "llama3"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Ping(context.Background()), domain.ErrTransient)
}

func TestNewRequiresModel(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
