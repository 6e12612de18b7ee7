// Package ollama is a minimal HTTP client for a local Ollama server, used as a
// network-backed analysis provider.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/casework/internal/domain"
)

// DefaultEndpoint is where Ollama listens unless configured otherwise.
const DefaultEndpoint = "http://127.0.0.1:11434"

// ErrModelNotFound is returned when the configured model is not pulled.
var ErrModelNotFound = errors.New("ollama model not found")

// Config configures a Client.
type Config struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// Client talks to the Ollama generate and tags endpoints.
type Client struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a Client. An empty endpoint falls back to DefaultEndpoint.
func New(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, domain.NewValidationError("model", "ollama model must not be empty")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Generate runs a single non-streaming completion.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return "", domain.Permanent(fmt.Errorf("marshal ollama request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", domain.Permanent(fmt.Errorf("build ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &domain.TransientError{Op: "ollama generate", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("generate", resp)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.TransientError{Op: "ollama generate", Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", &domain.TransientError{Op: "ollama generate", Err: errors.New("empty response")}
	}
	return out.Response, nil
}

// Ping checks that the server is up and the configured model is available.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return domain.Permanent(fmt.Errorf("build ollama request: %w", err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransientError{Op: "ollama ping", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError("ping", resp)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return &domain.TransientError{Op: "ollama ping", Err: fmt.Errorf("decode tags: %w", err)}
	}
	for _, m := range tags.Models {
		if m.Name == c.model || strings.TrimSuffix(m.Name, ":latest") == c.model {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrModelNotFound, c.model)
}

func statusError(op string, resp *http.Response) error {
	msg := resp.Status
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrModelNotFound, msg)
	}
	err := fmt.Errorf("ollama %s: %s", op, msg)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &domain.TransientError{Op: "ollama " + op, Err: err}
	}
	return domain.Permanent(err)
}
