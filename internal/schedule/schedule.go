// Package schedule paces and bounds the pipeline's outbound work:
// one token bucket per target URL, plus weighted pools capping how
// many probes, generations, iterations and scorers run at once.
package schedule

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"redforge/internal/config"
	"redforge/internal/logging"
)

// Limiter hands out send permission per target URL. Buckets are
// created on first use and shared across phases so recon, scan and
// exploit traffic to the same target draw from one budget.
type Limiter struct {
	rps   float64
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter creates a limiter with the configured refill rate and
// burst capacity.
func NewLimiter(cfg config.ScheduleConfig) *Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 5
	}
	return &Limiter{rps: rps, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *Limiter) bucket(url string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[url]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.buckets[url] = b
	}
	return b
}

// Wait blocks until the target's bucket grants a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, url string) error {
	return l.bucket(url).Wait(ctx)
}

// Allow reports whether a token is immediately available without
// consuming one on refusal.
func (l *Limiter) Allow(url string) bool {
	return l.bucket(url).Allow()
}

// Backoff divides the target's refill rate by factor. The exploit
// loop calls this when the target signals rate limiting; the reduced
// rate sticks for the remainder of the run.
func (l *Limiter) Backoff(url string, factor float64) {
	if factor <= 1 {
		return
	}
	b := l.bucket(url)
	newRate := float64(b.Limit()) / factor
	b.SetLimit(rate.Limit(newRate))
	logging.Get(logging.CategorySchedule).Info("Backed off %s to %.3f req/s", url, newRate)
}

// Rate returns the target's current refill rate, mostly for tests
// and the watch UI.
func (l *Limiter) Rate(url string) float64 {
	return float64(l.bucket(url).Limit())
}

// Pool bounds concurrent work of one kind.
type Pool struct {
	name string
	size int64
	sem  *semaphore.Weighted
}

// NewPool creates a pool of the given size (minimum 1).
func NewPool(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{name: name, size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Acquire blocks for a slot. Callers must Release.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("pool %s: %w", p.name, err)
	}
	return nil
}

// Release frees a slot.
func (p *Pool) Release() { p.sem.Release(1) }

// Go runs fn in a slot, releasing it when fn returns.
func (p *Pool) Go(ctx context.Context, fn func() error) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	defer p.Release()
	return fn()
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return int(p.size) }

// Scheduler bundles the limiter and the standard pools.
type Scheduler struct {
	Limiter    *Limiter
	Probes     *Pool
	Generation *Pool
	Iteration  *Pool
	Scorers    *Pool
}

// New builds the scheduler from config, applying the defaults
// 10/2/1/5 for unset pool sizes.
func New(cfg config.ScheduleConfig) *Scheduler {
	probeN, genN, iterN, scorerN := cfg.ProbeWorkers, cfg.GenerationWorkers, cfg.IterationWorkers, cfg.ScorerWorkers
	if probeN < 1 {
		probeN = 10
	}
	if genN < 1 {
		genN = 2
	}
	if iterN < 1 {
		iterN = 1
	}
	if scorerN < 1 {
		scorerN = 5
	}
	return &Scheduler{
		Limiter:    NewLimiter(cfg),
		Probes:     NewPool("probes", probeN),
		Generation: NewPool("generation", genN),
		Iteration:  NewPool("iteration", iterN),
		Scorers:    NewPool("scorers", scorerN),
	}
}
