package config

// GatewayConfig configures the LLM gateway.
//
// Roles map logical duties to concrete models:
//   - reasoning:      payload generation, failure analysis, adaptation
//   - scoring:        LLM-judged detectors
//   - reconnaissance: multi-turn probing conversations
type GatewayConfig struct {
	Provider string `yaml:"provider"` // gemini, mock
	APIKey   string `yaml:"api_key"`

	// Roles maps role name -> model name. Unknown roles fall back
	// to the reasoning model.
	Roles map[string]string `yaml:"roles"`

	// EmbeddingModel is used for document and query embeddings
	EmbeddingModel string `yaml:"embedding_model"`

	// Timeout for a single model call (e.g. "30s")
	Timeout string `yaml:"timeout"`

	// MaxAttempts bounds retries on transient failures (exponential backoff)
	MaxAttempts int `yaml:"max_attempts"`

	// SchemaRetries bounds re-prompts when structured output fails to parse
	SchemaRetries int `yaml:"schema_retries"`
}

// ModelFor returns the model configured for a role, falling back to
// the reasoning model when the role is not mapped.
func (g *GatewayConfig) ModelFor(role string) string {
	if m, ok := g.Roles[role]; ok && m != "" {
		return m
	}
	if m, ok := g.Roles["reasoning"]; ok {
		return m
	}
	return ""
}
