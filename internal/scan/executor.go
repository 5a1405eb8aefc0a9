package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"redforge/internal/campaign"
	"redforge/internal/logging"
	"redforge/internal/probe"
	"redforge/internal/target"
)

// Generation statuses reported through probe_result events.
const (
	statusPass  = "/pass"
	statusFail  = "/fail"
	statusError = "/error"
)

// genResult is the outcome of one generated prompt.
type genResult struct {
	prompt       string
	response     string
	status       string
	detectorName string
	score        float64
}

// probeOutcome collects one probe's generation results for
// aggregation, keeping the plan's selection alongside.
type probeOutcome struct {
	sel     campaign.ProbeSelection
	probe   probe.Probe
	known   bool
	results []genResult
}

// errored reports whether the probe produced no usable signal: every
// generation errored, or the probe was not in the catalog at all.
func (o *probeOutcome) errored() bool {
	if !o.known {
		return true
	}
	for _, r := range o.results {
		if r.status != statusError {
			return false
		}
	}
	return len(o.results) > 0
}

// resultDedup suppresses repeated probe_result signatures within one
// scan. The signature quantizes the detector score to a millis grid.
type resultDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newResultDedup() *resultDedup {
	return &resultDedup{seen: make(map[string]bool)}
}

// shouldEmit records the signature and reports whether it is new.
func (d *resultDedup) shouldEmit(probeName string, promptIndex int, status, detectorName string, score float64) bool {
	sig := fmt.Sprintf("%s|%d|%s|%s|%d",
		probeName, promptIndex, status, detectorName, int(math.Round(score*1000)))
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[sig] {
		return false
	}
	d.seen[sig] = true
	return true
}

// execute dispatches the planned probes through the probe pool.
// Probe failures are isolated; only cancellation stops the sweep.
func (e *Engine) execute(ctx context.Context, campaignID string, spec target.Spec, plan *campaign.ScanPlan) ([]*probeOutcome, error) {
	dedup := newResultDedup()
	outcomes := make([]*probeOutcome, len(plan.SelectedProbes))

	g, gctx := errgroup.WithContext(ctx)
	for i, sel := range plan.SelectedProbes {
		i, sel := i, sel
		g.Go(func() error {
			return e.sched.Probes.Go(gctx, func() error {
				outcomes[i] = e.runProbe(gctx, campaignID, spec, sel, dedup)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan: execution aborted: %w", err)
	}
	return outcomes, nil
}

// runProbe executes one planned probe: generate prompts, send each to
// the target under the generation pool, score the responses, emit the
// probe event triplet. Results are emitted in prompt order once all
// generations finished, so per-probe events stay ordered even though
// generations run concurrently.
func (e *Engine) runProbe(ctx context.Context, campaignID string, spec target.Spec, sel campaign.ProbeSelection, dedup *resultDedup) *probeOutcome {
	started := time.Now()
	p, ok := e.catalog.Get(sel.ProbeName)
	if !ok {
		logging.ScanWarn("Planned probe %q is not in the catalog", sel.ProbeName)
		e.publish(campaignID, "probe_start", map[string]any{
			"probe_name": sel.ProbeName, "planned_generations": sel.Generations})
		e.publish(campaignID, "probe_complete", map[string]any{
			"probe_name": sel.ProbeName, "pass_count": 0, "fail_count": 0,
			"duration_ms": time.Since(started).Milliseconds()})
		return &probeOutcome{sel: sel, known: false}
	}

	prompts := p.Generate(sel.Generations)
	e.publish(campaignID, "probe_start", map[string]any{
		"probe_name": p.Name, "planned_generations": len(prompts)})

	results := make([]genResult, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			return e.sched.Generation.Go(gctx, func() error {
				results[i] = e.runGeneration(gctx, spec, p, prompt)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		// Cancellation mid-probe: report what ran, error the rest.
		for i := range results {
			if results[i].status == "" {
				results[i] = genResult{prompt: prompts[i], status: statusError, detectorName: p.Detector.Name()}
			}
		}
	}

	passCount, failCount := 0, 0
	for i, r := range results {
		switch r.status {
		case statusPass:
			passCount++
		case statusFail:
			failCount++
		}
		if dedup.shouldEmit(p.Name, i, r.status, r.detectorName, r.score) {
			e.publish(campaignID, "probe_result", map[string]any{
				"probe_name":     p.Name,
				"prompt_index":   i,
				"status":         r.status,
				"detector_name":  r.detectorName,
				"detector_score": r.score,
			})
		}
	}
	e.publish(campaignID, "probe_complete", map[string]any{
		"probe_name":  p.Name,
		"pass_count":  passCount,
		"fail_count":  failCount,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	logging.ScanDebug("Probe %s: %d pass, %d fail of %d generations",
		p.Name, passCount, failCount, len(results))
	return &probeOutcome{sel: sel, probe: p, known: true, results: results}
}

// runGeneration sends one prompt and scores the response. A transport
// error is retried once; the retry failing makes the generation an
// error result, never a probe retry.
func (e *Engine) runGeneration(ctx context.Context, spec target.Spec, p probe.Probe, prompt string) genResult {
	resp, err := e.sendWithRetry(ctx, prompt, spec)
	if err != nil {
		return genResult{prompt: prompt, status: statusError, detectorName: p.Detector.Name()}
	}

	verdict := p.Detector.Detect(prompt, resp.Text)
	status := statusFail
	if verdict.Passed {
		status = statusPass
	}
	return genResult{
		prompt:       prompt,
		response:     resp.Text,
		status:       status,
		detectorName: p.Detector.Name(),
		score:        verdict.Score,
	}
}

func (e *Engine) sendWithRetry(ctx context.Context, prompt string, spec target.Spec) (target.Response, error) {
	if err := e.sched.Limiter.Wait(ctx, spec.URL); err != nil {
		return target.Response{}, err
	}
	resp, err := e.client.Send(ctx, prompt, spec)
	if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return resp, err
	}

	logging.ScanDebug("Target send failed, retrying once: %v", err)
	if errors.Is(err, target.ErrRateLimited) {
		e.sched.Limiter.Backoff(spec.URL, 2)
	}
	if err := e.sched.Limiter.Wait(ctx, spec.URL); err != nil {
		return target.Response{}, err
	}
	return e.client.Send(ctx, prompt, spec)
}
