package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"redforge/internal/config"
	"redforge/internal/logging"
)

// GeminiGateway implements Gateway over the Google GenAI SDK.
type GeminiGateway struct {
	client        *genai.Client
	cfg           config.GatewayConfig
	timeout       time.Duration
	maxAttempts   int
	schemaRetries int
}

// NewGeminiGateway creates a gateway backed by the Gemini API.
func NewGeminiGateway(cfg config.GatewayConfig) (*GeminiGateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gateway: API key not configured")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to create genai client: %w", err)
	}

	timeout := 30 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	schemaRetries := cfg.SchemaRetries
	if schemaRetries < 0 {
		schemaRetries = 2
	}

	return &GeminiGateway{
		client:        client,
		cfg:           cfg,
		timeout:       timeout,
		maxAttempts:   maxAttempts,
		schemaRetries: schemaRetries,
	}, nil
}

// Complete sends the request to the model configured for its role.
func (g *GeminiGateway) Complete(ctx context.Context, req Request) (Response, error) {
	model := g.cfg.ModelFor(req.Role.name())
	if model == "" {
		return Response{}, fmt.Errorf("%w: %s", ErrNoModel, req.Role)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	timer := logging.StartTimer(logging.CategoryGateway, "Complete")
	defer timer.Stop()
	logging.GatewayDebug("Complete: role=%s model=%s messages=%d schema=%v",
		req.Role, model, len(req.Messages), req.Schema != nil)

	messages := append([]Message(nil), req.Messages...)

	// Structured-output loop: on validation failure, feed the error
	// back to the model and retry up to schemaRetries times.
	var lastErr error
	for attempt := 0; attempt <= g.schemaRetries; attempt++ {
		text, err := g.generate(ctx, model, req, messages)
		if err != nil {
			logging.GatewayError("Complete failed: role=%s model=%s: %v", req.Role, model, err)
			return Response{}, err
		}

		if req.Schema == nil {
			return Response{Text: text}, nil
		}

		raw, err := ExtractJSON(text)
		if err == nil {
			err = req.Schema.Validate(raw)
		}
		if err == nil {
			return Response{Text: text, Structured: raw}, nil
		}

		lastErr = err
		logging.GatewayDebug("Structured output invalid (attempt %d/%d): %v", attempt+1, g.schemaRetries+1, err)
		messages = append(messages,
			Message{Role: "assistant", Content: text},
			Message{Role: "user", Content: fmt.Sprintf(
				"Your previous response did not match the required schema: %v.\n%s", err, req.Schema.Instruction())},
		)
	}

	return Response{}, &SchemaError{Role: req.Role, Attempts: g.schemaRetries + 1, Last: lastErr}
}

// generate performs one model call with transient-error retries.
func (g *GeminiGateway) generate(ctx context.Context, model string, req Request, messages []Message) (string, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" || m.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema.toGenAI()
	}

	var lastErr error
	for i := 1; i <= g.maxAttempts; i++ {
		if i > 1 {
			if err := backoff(ctx, i-1); err != nil {
				return "", err
			}
		}

		start := time.Now()
		result, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			if isRateLimited(err) {
				lastErr = fmt.Errorf("%w: %v", ErrRateLimited, err)
				logging.GatewayDebug("Rate limited by provider (attempt %d/%d)", i, g.maxAttempts)
				continue
			}
			if isTransient(err) {
				lastErr = err
				logging.GatewayDebug("Transient provider error (attempt %d/%d): %v", i, g.maxAttempts, err)
				continue
			}
			return "", fmt.Errorf("gateway: model call failed: %w", err)
		}

		text := result.Text()
		logging.Audit().LLMCall(req.Role.name(), len(text)/4, time.Since(start).Milliseconds(), true, "")
		if strings.TrimSpace(text) == "" {
			lastErr = fmt.Errorf("gateway: empty completion from %s", model)
			continue
		}
		return text, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("gateway: model call failed after %d attempts", g.maxAttempts)
	}
	logging.Audit().LLMCall(req.Role.name(), 0, 0, false, lastErr.Error())
	return "", lastErr
}

// isRateLimited detects provider throttling signals.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

// isTransient detects retryable provider failures.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"500", "502", "503", "504", "UNAVAILABLE", "DEADLINE_EXCEEDED", "connection reset", "EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
