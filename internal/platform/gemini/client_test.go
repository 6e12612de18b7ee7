package gemini

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/phrazzld/casework/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	resp    *genai.GenerateContentResponse
	err     error
	getErr  error
	prompts []string
}

func (f *fakeModels) GenerateContent(
	_ context.Context,
	_ string,
	contents []*genai.Content,
	_ *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	for _, c := range contents {
		for _, p := range c.Parts {
			f.prompts = append(f.prompts, p.Text)
		}
	}
	return f.resp, f.err
}

func (f *fakeModels) Get(context.Context, string, *genai.GetModelConfig) (*genai.Model, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &genai.Model{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func answer(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: "model"}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: content, FinishReason: genai.FinishReasonStop}},
	}
}

func TestGenerateConcatenatesParts(t *testing.T) {
	t.Parallel()
	models := &fakeModels{resp: answer("likely ", "credential dumping")}
	c := newWithModels(testLogger(), models, "gemini-2.0-flash")

	out, err := c.Generate(context.Background(), "summarize lsass access")
	require.NoError(t, err)
	assert.Equal(t, "likely credential dumping", out)
	assert.Equal(t, []string{"summarize lsass access"}, models.prompts)
}

func TestGenerateClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		models    *fakeModels
		prompt    string
		retryable bool
		target    error
	}{
		{"call error", &fakeModels{err: errors.New("deadline")}, "p", true, domain.ErrTransient},
		{"nil response", &fakeModels{}, "p", false, ErrInvalidResponse},
		{"no candidates", &fakeModels{resp: &genai.GenerateContentResponse{}}, "p", false, ErrInvalidResponse},
		{
			"blocked",
			&fakeModels{resp: &genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
			}},
			"p", false, ErrContentBlocked,
		},
		{"blank text", &fakeModels{resp: answer("  ")}, "p", false, ErrInvalidResponse},
		{"empty prompt", &fakeModels{resp: answer("x")}, " ", false, ErrEmptyPrompt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newWithModels(testLogger(), tt.models, "m")
			_, err := c.Generate(context.Background(), tt.prompt)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.retryable, domain.IsRetryable(err))
		})
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	assert.NoError(t, newWithModels(testLogger(), &fakeModels{}, "m").Ping(context.Background()))

	err := newWithModels(testLogger(), &fakeModels{getErr: errors.New("401")}, "m").Ping(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := New(ctx, nil, Config{APIKey: "k", Model: "m"})
	assert.Error(t, err)
	_, err = New(ctx, testLogger(), Config{Model: "m"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = New(ctx, testLogger(), Config{APIKey: "k"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
