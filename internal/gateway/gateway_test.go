package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"redforge/internal/config"
)

func TestRoleName(t *testing.T) {
	cases := []struct {
		role Role
		want string
	}{
		{RoleReasoning, "reasoning"},
		{RoleScoring, "scoring"},
		{RoleRecon, "reconnaissance"},
		{Role("bare"), "bare"},
	}
	for _, tc := range cases {
		if got := tc.role.name(); got != tc.want {
			t.Errorf("Role(%q).name() = %q, want %q", tc.role, got, tc.want)
		}
	}
}

func TestNewProvider(t *testing.T) {
	gw, err := New(config.GatewayConfig{Provider: "mock"})
	if err != nil {
		t.Fatalf("New(mock) failed: %v", err)
	}
	if _, ok := gw.(*MockGateway); !ok {
		t.Errorf("expected *MockGateway, got %T", gw)
	}

	if _, err := New(config.GatewayConfig{Provider: "openai"}); err == nil {
		t.Error("expected error for unsupported provider")
	}

	if _, err := New(config.GatewayConfig{Provider: "gemini"}); err == nil {
		t.Error("expected error for gemini provider without API key")
	}
}

func TestMockGatewayEcho(t *testing.T) {
	gw := &MockGateway{}
	resp, err := gw.Complete(context.Background(), Request{
		Role: RoleReasoning,
		Messages: []Message{
			{Role: "user", Content: "first"},
			{Role: "user", Content: "second"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text != "second" {
		t.Errorf("expected echo of last message, got %q", resp.Text)
	}
	if len(gw.Calls) != 1 {
		t.Errorf("expected 1 recorded call, got %d", len(gw.Calls))
	}
}

func TestMockGatewayCompleteFunc(t *testing.T) {
	wantErr := errors.New("boom")
	gw := &MockGateway{
		CompleteFunc: func(ctx context.Context, req Request) (Response, error) {
			if req.Role != RoleScoring {
				t.Errorf("unexpected role %s", req.Role)
			}
			return Response{}, wantErr
		},
	}
	_, err := gw.Complete(context.Background(), Request{Role: RoleScoring})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestSchemaErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("$.verdict: missing required field")
	err := &SchemaError{Role: RoleScoring, Attempts: 3, Last: inner}
	if !errors.Is(err, inner) {
		t.Error("SchemaError should unwrap to the last validation error")
	}
	var se *SchemaError
	var wrapped error = fmt.Errorf("call failed: %w", err)
	if !errors.As(wrapped, &se) {
		t.Error("errors.As should find SchemaError through wrapping")
	}
	if se.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", se.Attempts)
	}
}

func TestIsRateLimited(t *testing.T) {
	if !isRateLimited(errors.New("Error 429: quota exceeded")) {
		t.Error("429 should be rate limited")
	}
	if !isRateLimited(errors.New("rpc error: code = RESOURCE_EXHAUSTED")) {
		t.Error("RESOURCE_EXHAUSTED should be rate limited")
	}
	if isRateLimited(errors.New("400 invalid argument")) {
		t.Error("400 should not be rate limited")
	}
	if isRateLimited(nil) {
		t.Error("nil should not be rate limited")
	}
}

func TestIsTransient(t *testing.T) {
	transient := []string{
		"Error 503: service unavailable",
		"rpc error: code = UNAVAILABLE",
		"read tcp: connection reset by peer",
		"unexpected EOF",
	}
	for _, msg := range transient {
		if !isTransient(errors.New(msg)) {
			t.Errorf("%q should be transient", msg)
		}
	}
	if isTransient(errors.New("400 invalid request")) {
		t.Error("400 should not be transient")
	}
}

func TestBackoffRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := backoff(ctx, 3); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
