package config

import "fmt"

// TargetConfig configures the system under test.
type TargetConfig struct {
	// Base URL of the target chat endpoint (http://, https://, ws:// or wss://)
	BaseURL string `yaml:"base_url"`

	// Protocol selects the transport: http or ws
	Protocol string `yaml:"protocol"`

	// Request timeout (e.g. "30s")
	Timeout string `yaml:"timeout"`

	// MaxResponseBytes caps how much of a target response is read
	MaxResponseBytes int64 `yaml:"max_response_bytes"`

	// Extra headers sent with every request
	Headers map[string]string `yaml:"headers,omitempty"`

	// Auth configures how credentials are attached
	Auth TargetAuthConfig `yaml:"auth"`

	// SessionID pins websocket sends to one persistent connection.
	// When empty, every send opens a fresh connection.
	SessionID string `yaml:"session_id,omitempty"`

	// RedactSecrets masks credentials in logs and stored artifacts
	RedactSecrets bool `yaml:"redact_secrets"`
}

// TargetAuthConfig configures target authentication.
type TargetAuthConfig struct {
	// Type: none, bearer, api_key, basic, header
	Type string `yaml:"type"`

	// Token or credential value. Prefer REDFORGE_TARGET_TOKEN over
	// committing secrets to the config file.
	Token string `yaml:"token,omitempty"`

	// Header name for type=api_key or type=header (default X-API-Key)
	Header string `yaml:"header,omitempty"`

	// Username for type=basic
	Username string `yaml:"username,omitempty"`
}

// ValidAuthTypes lists supported auth schemes.
var ValidAuthTypes = []string{"none", "bearer", "api_key", "basic", "header"}

// Validate checks the target configuration for consistency.
func (t *TargetConfig) Validate() error {
	switch t.Protocol {
	case "", "http", "ws":
	default:
		return fmt.Errorf("invalid target protocol: %s (valid: http, ws)", t.Protocol)
	}

	valid := false
	for _, a := range ValidAuthTypes {
		if t.Auth.Type == a {
			valid = true
			break
		}
	}
	if t.Auth.Type != "" && !valid {
		return fmt.Errorf("invalid auth type: %s (valid: %v)", t.Auth.Type, ValidAuthTypes)
	}

	if t.Auth.Type != "none" && t.Auth.Type != "" && t.Auth.Token == "" {
		return fmt.Errorf("auth type %s requires a token (set target.auth.token or REDFORGE_TARGET_TOKEN)", t.Auth.Type)
	}

	return nil
}
