package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/phrazzld/casework/internal/domain"
	"github.com/phrazzld/casework/internal/events"
	"github.com/phrazzld/casework/internal/provider"
)

// Generator answers analysis prompts. *provider.Router implements it.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (provider.Response, error)
}

// AnalysisPayload is the payload of a task run by AnalysisExecutor.
type AnalysisPayload struct {
	Prompt         string            `json:"prompt"`
	Context        map[string]string `json:"context,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// AnalysisResult is stored as the task result.
type AnalysisResult struct {
	BackendID string             `json:"backend_id"`
	Kind      string             `json:"kind"`
	Text      string             `json:"text"`
	Fallback  bool               `json:"fallback"`
	Attempts  []provider.Attempt `json:"attempts"`
}

// AnalysisExecutor sends a task's prompt through the provider chain.
type AnalysisExecutor struct {
	gen Generator
}

// NewAnalysisExecutor creates an AnalysisExecutor.
func NewAnalysisExecutor(gen Generator) *AnalysisExecutor {
	return &AnalysisExecutor{gen: gen}
}

// Execute implements Executor.
func (e *AnalysisExecutor) Execute(ctx context.Context, run *Run) (json.RawMessage, error) {
	var p AnalysisPayload
	if len(run.Task.Payload) == 0 {
		return nil, domain.NewValidationError("payload", "analysis payload is required")
	}
	if err := json.Unmarshal(run.Task.Payload, &p); err != nil {
		return nil, domain.NewValidationError("payload", fmt.Sprintf("invalid analysis payload: %v", err))
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, domain.NewValidationError("payload.prompt", "must not be empty")
	}

	reqCtx := map[string]string{
		"case_id":  run.Task.CaseID,
		"category": run.Task.Category,
	}
	for k, v := range p.Context {
		reqCtx[k] = v
	}

	run.Emit(events.Info("analysis request sent to provider chain"))
	resp, err := e.gen.Generate(ctx, provider.Request{
		Prompt:  p.Prompt,
		Context: reqCtx,
		Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	run.Emit(events.Info("analysis answered by %s", resp.BackendID).
		WithPayload(map[string]any{"backend": resp.BackendID, "fallback": resp.Fallback}))

	raw, err := json.Marshal(AnalysisResult{
		BackendID: resp.BackendID,
		Kind:      resp.Kind,
		Text:      resp.Text,
		Fallback:  resp.Fallback,
		Attempts:  resp.Attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis result: %w", err)
	}
	return raw, nil
}
