package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"
)

// Health is a backend's routing status.
type Health string

const (
	// Healthy backends are tried in rank order.
	Healthy Health = "healthy"
	// Degraded backends failed recently; still tried, but lose rank ties.
	Degraded Health = "degraded"
	// Unavailable backends are skipped until a health probe succeeds.
	Unavailable Health = "unavailable"
)

// Request is one analysis prompt.
type Request struct {
	Prompt string `json:"prompt"`
	// Context carries case facts rendered into the prompt, e.g. host or artifact.
	Context map[string]string `json:"context,omitempty"`
	// Timeout bounds the whole call across every backend tried.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ErrDeclined marks a backend that has nothing to say about a request. The
// router moves on to the next tier without counting a failure.
var ErrDeclined = errors.New("backend declined request")

// Backend is anything that can answer an analysis prompt.
type Backend interface {
	ID() string
	Kind() string
	Generate(ctx context.Context, req Request) (string, error)
	HealthCheck(ctx context.Context) error
}

// NetworkClient is a remote model API.
type NetworkClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Ping(ctx context.Context) error
}

var promptTemplate = template.Must(template.New("analysis").Parse(
	`You are assisting a digital forensics and incident response investigation.
{{- if .Context}}

Case context:
{{- range .Context}}
- {{.Key}}: {{.Value}}
{{- end}}
{{- end}}

Request:
{{.Prompt}}
`))

type promptField struct {
	Key, Value string
}

type promptData struct {
	Prompt  string
	Context []promptField
}

// RenderPrompt formats a request for a remote model. Context keys are sorted
// so the same request always renders the same text.
func RenderPrompt(req Request) (string, error) {
	data := promptData{Prompt: req.Prompt}
	for k, v := range req.Context {
		data.Context = append(data.Context, promptField{Key: k, Value: v})
	}
	sort.Slice(data.Context, func(i, j int) bool { return data.Context[i].Key < data.Context[j].Key })

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

// NetworkBackend routes to a remote model through a NetworkClient.
type NetworkBackend struct {
	id     string
	kind   string
	client NetworkClient
}

// NewNetworkBackend wraps client as a routable backend.
func NewNetworkBackend(id, kind string, client NetworkClient) *NetworkBackend {
	return &NetworkBackend{id: id, kind: kind, client: client}
}

func (b *NetworkBackend) ID() string   { return b.id }
func (b *NetworkBackend) Kind() string { return b.kind }

func (b *NetworkBackend) Generate(ctx context.Context, req Request) (string, error) {
	prompt, err := RenderPrompt(req)
	if err != nil {
		return "", err
	}
	out, err := b.client.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (b *NetworkBackend) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx)
}
