package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"redforge/internal/config"
)

func testCfg() config.ScheduleConfig {
	return config.ScheduleConfig{RequestsPerSecond: 100, Burst: 2}
}

func TestLimiterPerTargetBuckets(t *testing.T) {
	l := NewLimiter(testCfg())

	// Burst drains independently per URL.
	for i := 0; i < 2; i++ {
		if !l.Allow("http://a") {
			t.Fatalf("burst token %d for a refused", i)
		}
	}
	if !l.Allow("http://b") {
		t.Error("separate target should have its own bucket")
	}
}

func TestLimiterWait(t *testing.T) {
	l := NewLimiter(config.ScheduleConfig{RequestsPerSecond: 1000, Burst: 1})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Wait(ctx, "http://t"); err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
	}

	// Cancelled context aborts the wait.
	slow := NewLimiter(config.ScheduleConfig{RequestsPerSecond: 0.001, Burst: 1})
	slow.Allow("http://t") // drain the burst
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := slow.Wait(cctx, "http://t"); err == nil {
		t.Error("expected context error from starved bucket")
	}
}

func TestLimiterBackoff(t *testing.T) {
	l := NewLimiter(config.ScheduleConfig{RequestsPerSecond: 8, Burst: 1})
	l.Backoff("http://t", 2)
	if got := l.Rate("http://t"); got != 4 {
		t.Errorf("Rate = %v, want 4", got)
	}
	l.Backoff("http://t", 2)
	if got := l.Rate("http://t"); got != 2 {
		t.Errorf("Rate = %v, want 2", got)
	}

	// Factor <= 1 is a no-op.
	l.Backoff("http://t", 0.5)
	if got := l.Rate("http://t"); got != 2 {
		t.Errorf("Rate after bad factor = %v, want 2", got)
	}

	// Other targets unaffected.
	if got := l.Rate("http://other"); got != 8 {
		t.Errorf("other target rate = %v, want 8", got)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool("test", 3)
	ctx := context.Background()

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Go(ctx, func() error {
				n := atomic.AddInt64(&active, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > 3 {
		t.Errorf("peak concurrency %d exceeds pool size 3", peak)
	}
}

func TestPoolAcquireCancelled(t *testing.T) {
	p := NewPool("test", 1)
	ctx := context.Background()
	if err := p.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	defer p.Release()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := p.Acquire(cctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestPoolGoPropagatesError(t *testing.T) {
	p := NewPool("test", 1)
	want := errors.New("task failed")
	if err := p.Go(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("got %v", err)
	}
	// Slot released after error.
	if err := p.Acquire(context.Background()); err != nil {
		t.Errorf("slot not released: %v", err)
	}
	p.Release()
}

func TestSchedulerDefaults(t *testing.T) {
	s := New(config.ScheduleConfig{RequestsPerSecond: 1, Burst: 1})
	if s.Probes.Size() != 10 || s.Generation.Size() != 2 || s.Iteration.Size() != 1 || s.Scorers.Size() != 5 {
		t.Errorf("defaults = %d/%d/%d/%d, want 10/2/1/5",
			s.Probes.Size(), s.Generation.Size(), s.Iteration.Size(), s.Scorers.Size())
	}

	cfg := config.ScheduleConfig{RequestsPerSecond: 1, Burst: 1, ProbeWorkers: 4, GenerationWorkers: 3, IterationWorkers: 2, ScorerWorkers: 1}
	s = New(cfg)
	if s.Probes.Size() != 4 || s.Generation.Size() != 3 || s.Iteration.Size() != 2 || s.Scorers.Size() != 1 {
		t.Error("configured pool sizes not applied")
	}
}
