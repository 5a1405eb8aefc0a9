package config

import "fmt"

// ReconConfig configures the reconnaissance phase.
type ReconConfig struct {
	// Depth: shallow (5 turns), standard (10), deep (15)
	Depth string `yaml:"depth"`

	// DedupSimilarity is the cosine similarity above which a new
	// observation is considered a duplicate of an existing one
	DedupSimilarity float64 `yaml:"dedup_similarity"`
}

// ScanConfig configures the scanning phase.
type ScanConfig struct {
	// Approach: quick, standard, thorough
	Approach string `yaml:"approach"`

	// PlanningTimeout bounds the LLM planning call before the
	// static fallback plan is used (e.g. "10s")
	PlanningTimeout string `yaml:"planning_timeout"`
}

// ExploitConfig configures the adaptive exploitation loop.
type ExploitConfig struct {
	// MaxIterations bounds the attack loop
	MaxIterations int `yaml:"max_iterations"`

	// SuccessThreshold is the composite score at which the loop stops
	SuccessThreshold float64 `yaml:"success_threshold"`

	// PayloadsPerIteration is how many payload variants each iteration sends
	PayloadsPerIteration int `yaml:"payloads_per_iteration"`

	// IterationDeadline bounds a single iteration (e.g. "60s")
	IterationDeadline string `yaml:"iteration_deadline"`

	// KBOverrideConfidence is the minimum historical-insight confidence
	// at which the knowledge base overrides the LLM's adaptation choice
	KBOverrideConfidence float64 `yaml:"kb_override_confidence"`
}

// Validate checks exploit loop bounds.
func (e *ExploitConfig) Validate() error {
	if e.MaxIterations < 1 {
		return fmt.Errorf("exploit max_iterations must be >= 1, got %d", e.MaxIterations)
	}
	if e.SuccessThreshold <= 0 || e.SuccessThreshold > 1 {
		return fmt.Errorf("exploit success_threshold must be in (0, 1], got %.2f", e.SuccessThreshold)
	}
	if e.PayloadsPerIteration < 1 {
		return fmt.Errorf("exploit payloads_per_iteration must be >= 1, got %d", e.PayloadsPerIteration)
	}
	return nil
}

// ScoringConfig configures the scorer suite.
type ScoringConfig struct {
	// Weights maps scorer name -> weight. Empty means uniform weights.
	Weights map[string]float64 `yaml:"weights,omitempty"`

	// SuccessScorers lists the scorers whose individual success flags
	// determine overall attack success. Empty means the jailbreak scorer.
	SuccessScorers []string `yaml:"success_scorers,omitempty"`
}

// KnowledgeConfig configures the bypass knowledge base.
type KnowledgeConfig struct {
	// MinSimilarity filters recalled episodes below this cosine similarity
	MinSimilarity float64 `yaml:"min_similarity"`

	// TopK bounds how many episodes a recall returns
	TopK int `yaml:"top_k"`
}

// Validate checks knowledge base bounds.
func (k *KnowledgeConfig) Validate() error {
	if k.MinSimilarity < 0 || k.MinSimilarity > 1 {
		return fmt.Errorf("knowledge min_similarity must be in [0, 1], got %.2f", k.MinSimilarity)
	}
	if k.TopK < 1 {
		return fmt.Errorf("knowledge top_k must be >= 1, got %d", k.TopK)
	}
	return nil
}
