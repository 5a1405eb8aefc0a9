package config

import "fmt"

// ScheduleConfig configures rate limiting and worker pools.
// One token bucket is kept per target URL; pool sizes bound how many
// operations of each kind run concurrently.
type ScheduleConfig struct {
	// RequestsPerSecond refills the per-target token bucket
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the token bucket capacity
	Burst int `yaml:"burst"`

	// Worker pool sizes
	ProbeWorkers      int `yaml:"probe_workers"`
	GenerationWorkers int `yaml:"generation_workers"`
	IterationWorkers  int `yaml:"iteration_workers"`
	ScorerWorkers     int `yaml:"scorer_workers"`

	// CancelGrace is how long in-flight work gets to drain after
	// cancellation before being abandoned (e.g. "5s")
	CancelGrace string `yaml:"cancel_grace"`
}

// Validate checks scheduler bounds.
func (s *ScheduleConfig) Validate() error {
	if s.RequestsPerSecond <= 0 {
		return fmt.Errorf("schedule requests_per_second must be > 0, got %.2f", s.RequestsPerSecond)
	}
	if s.Burst < 1 {
		return fmt.Errorf("schedule burst must be >= 1, got %d", s.Burst)
	}
	for name, n := range map[string]int{
		"probe_workers":      s.ProbeWorkers,
		"generation_workers": s.GenerationWorkers,
		"iteration_workers":  s.IterationWorkers,
		"scorer_workers":     s.ScorerWorkers,
	} {
		if n < 1 {
			return fmt.Errorf("schedule %s must be >= 1, got %d", name, n)
		}
	}
	return nil
}
