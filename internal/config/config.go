package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all redforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Target under test
	Target TargetConfig `yaml:"target"`

	// LLM gateway
	Gateway GatewayConfig `yaml:"gateway"`

	// Pipeline phases
	Recon   ReconConfig   `yaml:"recon"`
	Scan    ScanConfig    `yaml:"scan"`
	Exploit ExploitConfig `yaml:"exploit"`

	// Scoring and knowledge base
	Scoring   ScoringConfig   `yaml:"scoring"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Rate limiting and worker pools
	Schedule ScheduleConfig `yaml:"schedule"`

	// Policy gate
	Policy PolicyConfig `yaml:"policy"`

	// Artifact store
	Store StoreConfig `yaml:"store"`

	// Probe catalog extensions
	Probes ProbesConfig `yaml:"probes"`

	// Converter plugins
	Converters ConvertersConfig `yaml:"converters"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "redforge",
		Version: "0.3.0",

		Target: TargetConfig{
			Protocol:         "http",
			Timeout:          "30s",
			MaxResponseBytes: 1 << 20,
			Auth: TargetAuthConfig{
				Type: "none",
			},
			RedactSecrets: true,
		},

		Gateway: GatewayConfig{
			Provider: "gemini",
			Roles: map[string]string{
				"reasoning":      "gemini-2.5-pro",
				"scoring":        "gemini-2.5-flash",
				"reconnaissance": "gemini-2.5-flash",
			},
			EmbeddingModel: "text-embedding-004",
			Timeout:        "30s",
			MaxAttempts:    4,
			SchemaRetries:  2,
		},

		Recon: ReconConfig{
			Depth:           "standard",
			DedupSimilarity: 0.8,
		},

		Scan: ScanConfig{
			Approach:        "standard",
			PlanningTimeout: "10s",
		},

		Exploit: ExploitConfig{
			MaxIterations:        10,
			SuccessThreshold:     0.8,
			PayloadsPerIteration: 3,
			IterationDeadline:    "60s",
			KBOverrideConfidence: 0.7,
		},

		Scoring: ScoringConfig{
			SuccessScorers: []string{"jailbreak"},
		},

		Knowledge: KnowledgeConfig{
			MinSimilarity: 0.6,
			TopK:          5,
		},

		Schedule: ScheduleConfig{
			RequestsPerSecond: 2.0,
			Burst:             4,
			ProbeWorkers:      10,
			GenerationWorkers: 2,
			IterationWorkers:  1,
			ScorerWorkers:     5,
			CancelGrace:       "5s",
		},

		Policy: PolicyConfig{
			Enabled:   true,
			RulesDir:  ".redforge/policy",
			HotReload: true,
		},

		Store: StoreConfig{
			DatabasePath: "data/redforge.db",
		},

		Probes: ProbesConfig{
			PacksDir: ".redforge/probes",
		},

		Converters: ConvertersConfig{
			PluginsDir: ".redforge/converters",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "redforge.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Gateway API key from environment
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Gateway.APIKey = key
		if c.Gateway.Provider == "" {
			c.Gateway.Provider = "gemini"
		}
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && c.Gateway.APIKey == "" {
		c.Gateway.APIKey = key
		c.Gateway.Provider = "gemini"
	}

	// Target overrides
	if url := os.Getenv("REDFORGE_TARGET_URL"); url != "" {
		c.Target.BaseURL = url
	}
	if token := os.Getenv("REDFORGE_TARGET_TOKEN"); token != "" {
		c.Target.Auth.Token = token
		if c.Target.Auth.Type == "" || c.Target.Auth.Type == "none" {
			c.Target.Auth.Type = "bearer"
		}
	}

	// Database path from environment
	if path := os.Getenv("REDFORGE_DB"); path != "" {
		c.Store.DatabasePath = path
	}

	// Policy rules directory
	if dir := os.Getenv("REDFORGE_POLICY_DIR"); dir != "" {
		c.Policy.RulesDir = dir
	}
}

// GetTargetTimeout returns the target request timeout as a duration.
func (c *Config) GetTargetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Target.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetGatewayTimeout returns the LLM gateway timeout as a duration.
func (c *Config) GetGatewayTimeout() time.Duration {
	d, err := time.ParseDuration(c.Gateway.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetPlanningTimeout returns the scan planning timeout as a duration.
func (c *Config) GetPlanningTimeout() time.Duration {
	d, err := time.ParseDuration(c.Scan.PlanningTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetIterationDeadline returns the per-iteration exploit deadline as a duration.
func (c *Config) GetIterationDeadline() time.Duration {
	d, err := time.ParseDuration(c.Exploit.IterationDeadline)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetCancelGrace returns the scheduler cancellation grace period as a duration.
func (c *Config) GetCancelGrace() time.Duration {
	d, err := time.ParseDuration(c.Schedule.CancelGrace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"gemini", "mock"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target base_url not configured (set target.base_url or REDFORGE_TARGET_URL)")
	}

	if c.Gateway.Provider != "mock" && c.Gateway.APIKey == "" {
		return fmt.Errorf("gateway API key not configured (set GEMINI_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.Gateway.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid gateway provider: %s (valid: %v)", c.Gateway.Provider, ValidProviders)
	}

	if err := c.Target.Validate(); err != nil {
		return err
	}
	if err := c.Exploit.Validate(); err != nil {
		return err
	}
	if err := c.Knowledge.Validate(); err != nil {
		return err
	}
	if err := c.Schedule.Validate(); err != nil {
		return err
	}

	return nil
}
