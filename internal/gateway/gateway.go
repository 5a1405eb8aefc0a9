// Package gateway is the single call surface over the chat LLMs. Every
// engine passes a role tag; only this package knows which concrete
// model serves which role. When a request carries a schema, the
// returned structured value is guaranteed to validate against it, or
// the call fails with a SchemaError after bounded corrective retries.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"redforge/internal/config"
)

// Role tags a call with its logical duty. The gateway maps roles to
// concrete models via configuration.
type Role string

const (
	RoleReasoning Role = "/reasoning"      // payload articulation, planning, adaptation
	RoleScoring   Role = "/scoring"        // LLM-judged detectors and classifiers
	RoleRecon     Role = "/reconnaissance" // multi-turn probing conversations
)

// name strips the atom slash for config lookup and logging.
func (r Role) name() string {
	if len(r) > 0 && r[0] == '/' {
		return string(r[1:])
	}
	return string(r)
}

// Message is one turn of conversation context.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request describes a single completion call.
type Request struct {
	Role        Role
	System      string
	Messages    []Message
	Schema      *Schema // non-nil requests structured output
	Temperature float64
	MaxTokens   int
}

// Response carries the completion. Structured is set iff the request
// carried a schema, and is guaranteed to validate against it.
type Response struct {
	Text       string
	Structured json.RawMessage
}

// Gateway is the uniform LLM call surface.
type Gateway interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ErrRateLimited is returned when the provider signals throttling.
var ErrRateLimited = errors.New("gateway: rate limited by provider")

// ErrNoModel is returned when no model is configured for a role.
var ErrNoModel = errors.New("gateway: no model configured for role")

// SchemaError reports that structured output failed to validate after
// the configured number of corrective retries.
type SchemaError struct {
	Role     Role
	Attempts int
	Last     error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("gateway: structured output for role %s failed validation after %d attempts: %v",
		e.Role, e.Attempts, e.Last)
}

func (e *SchemaError) Unwrap() error { return e.Last }

// New builds a gateway from configuration.
func New(cfg config.GatewayConfig) (Gateway, error) {
	switch cfg.Provider {
	case "gemini", "":
		return NewGeminiGateway(cfg)
	case "mock":
		return &MockGateway{}, nil
	default:
		return nil, fmt.Errorf("gateway: unsupported provider %q", cfg.Provider)
	}
}

// MockGateway is a function-field test double. A nil CompleteFunc
// echoes the last user message.
type MockGateway struct {
	CompleteFunc func(ctx context.Context, req Request) (Response, error)

	// Calls records every request for assertion.
	Calls []Request
}

// Complete invokes CompleteFunc or echoes.
func (m *MockGateway) Complete(ctx context.Context, req Request) (Response, error) {
	m.Calls = append(m.Calls, req)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	text := ""
	if n := len(req.Messages); n > 0 {
		text = req.Messages[n-1].Content
	}
	return Response{Text: text}, nil
}

// backoff sleeps exponentially between transient retries, respecting
// context cancellation. Attempt numbering starts at 1.
func backoff(ctx context.Context, attempt int) error {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
