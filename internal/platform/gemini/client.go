package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/casework/internal/domain"
	"google.golang.org/genai"
)

// modelService is the slice of genai.Models the client uses.
type modelService interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
	Get(ctx context.Context, model string, config *genai.GetModelConfig) (*genai.Model, error)
}

// Config configures a Client.
type Config struct {
	APIKey string
	Model  string
}

// Client sends prompts to a Gemini model.
type Client struct {
	logger *slog.Logger
	models modelService
	model  string
}

// New creates a Client backed by the Gemini API.
func New(ctx context.Context, logger *slog.Logger, cfg Config) (*Client, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, domain.NewValidationError("api_key", "gemini API key cannot be empty")
	}
	if cfg.Model == "" {
		return nil, domain.NewValidationError("model", "gemini model name cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return newWithModels(logger, client.Models, cfg.Model), nil
}

func newWithModels(logger *slog.Logger, models modelService, model string) *Client {
	return &Client{
		logger: logger.With("component", "gemini_client", "model", model),
		models: models,
		model:  model,
	}
}

// Generate sends prompt and returns the concatenated text of the first
// candidate. Blocked and empty answers are permanent; call errors are
// transient.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", domain.Permanent(ErrEmptyPrompt)
	}

	c.logger.DebugContext(ctx, "Making Gemini API call", "prompt_length", len(prompt))

	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		c.logger.WarnContext(ctx, "Gemini API call error", "error", err)
		return "", &domain.TransientError{Op: "gemini generate", Err: err}
	}

	text, err := extractText(resp)
	if err != nil {
		c.logger.WarnContext(ctx, "Gemini API returned an unusable response", "error", err)
		return "", domain.Permanent(err)
	}

	c.logger.DebugContext(ctx, "Gemini API call successful", "response_length", len(text))
	return text, nil
}

// Ping resolves the configured model, which exercises credentials and
// connectivity without spending tokens.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.models.Get(ctx, c.model, nil); err != nil {
		return &domain.TransientError{Op: "gemini ping", Err: err}
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	switch {
	case resp == nil:
		return "", fmt.Errorf("%w: nil response", ErrInvalidResponse)
	case len(resp.Candidates) == 0:
		return "", fmt.Errorf("%w: no content generated", ErrInvalidResponse)
	case resp.Candidates[0].FinishReason == genai.FinishReasonSafety:
		return "", ErrContentBlocked
	case resp.Candidates[0].Content == nil:
		return "", fmt.Errorf("%w: empty content in response", ErrInvalidResponse)
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("%w: no text parts", ErrInvalidResponse)
	}
	return b.String(), nil
}
