package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ============================================================================
// User Config (.redforge/config.json)
// ============================================================================

// UserConfig holds user-specific settings from .redforge/config.json.
// Anything security sensitive (API keys, target credentials) belongs
// here or in the environment, never in the project YAML.
type UserConfig struct {
	// GeminiAPIKey for the LLM gateway and embeddings
	GeminiAPIKey string `json:"gemini_api_key,omitempty"`

	// TargetToken for the system under test
	TargetToken string `json:"target_token,omitempty"`

	// DebugLogging mirrors logging.debug_mode for quick toggling
	Logging UserLoggingConfig `json:"logging,omitempty"`
}

// UserLoggingConfig matches the logging package's expectations.
type UserLoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty"`
	JSONFormat bool            `json:"json_format,omitempty"`
}

// DefaultUserConfigPath returns the default path to .redforge/config.json.
func DefaultUserConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ".redforge/config.json"
	}
	return filepath.Join(cwd, ".redforge", "config.json")
}

// LoadUserConfig loads configuration from .redforge/config.json.
func LoadUserConfig(path string) (*UserConfig, error) {
	cfg := &UserConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return empty config if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read user config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse user config: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to .redforge/config.json.
func (c *UserConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write user config: %w", err)
	}

	return nil
}

// ApplyTo copies user-config secrets into the project config where
// the corresponding fields are still empty.
func (c *UserConfig) ApplyTo(cfg *Config) {
	if cfg.Gateway.APIKey == "" && c.GeminiAPIKey != "" {
		cfg.Gateway.APIKey = c.GeminiAPIKey
	}
	if cfg.Target.Auth.Token == "" && c.TargetToken != "" {
		cfg.Target.Auth.Token = c.TargetToken
		if cfg.Target.Auth.Type == "" || cfg.Target.Auth.Type == "none" {
			cfg.Target.Auth.Type = "bearer"
		}
	}
}
