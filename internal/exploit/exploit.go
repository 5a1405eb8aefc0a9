// Package exploit runs the adaptive attack phase: an explicit state
// machine that articulates payloads, converts them through an
// obfuscation chain, fires them at the target, scores the responses,
// and adapts framing and converters from the failure cause until the
// success threshold is met or the iteration budget runs out.
package exploit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"redforge/internal/campaign"
	"redforge/internal/config"
	"redforge/internal/converter"
	"redforge/internal/events"
	"redforge/internal/gateway"
	"redforge/internal/knowledge"
	"redforge/internal/logging"
	"redforge/internal/schedule"
	"redforge/internal/scoring"
	"redforge/internal/store"
	"redforge/internal/target"
)

// ErrNoObjective means the vulnerability report had no cluster to
// build an attack objective from.
var ErrNoObjective = errors.New("exploit: vulnerability report has no clusters")

const (
	defaultMaxIterations     = 10
	defaultPayloadCount      = 3
	defaultIterationDeadline = 60 * time.Second
	defaultKBOverride        = 0.7
)

// node names one step of the per-iteration state machine.
type node int

const (
	nodeArticulate node = iota
	nodeConvert
	nodeExecute
	nodeEvaluate
	nodeDecide
	nodeAnalyze
	nodeAdapt
	nodeDiscover
	nodeUpdate
	nodeHalt
)

// next returns the linear successor. Decide and Discover override it
// when they halt the loop.
func (n node) next() node {
	if n >= nodeHalt {
		return nodeHalt
	}
	if n == nodeUpdate {
		return nodeArticulate
	}
	return n + 1
}

// Options bundles the loop configuration with per-run overrides.
type Options struct {
	Config  config.ExploitConfig
	Scoring config.ScoringConfig

	// InitialFraming seeds the first iteration's framing; empty
	// means direct.
	InitialFraming string

	// InitialChain is the converter chain for iteration 0; empty
	// means the trivial chain.
	InitialChain []string

	// Seed drives the deterministic framing rotation.
	Seed int64
}

func (o Options) maxIterations() int {
	if o.Config.MaxIterations > 0 {
		return o.Config.MaxIterations
	}
	return defaultMaxIterations
}

func (o Options) payloadCount() int {
	if o.Config.PayloadsPerIteration > 0 {
		return o.Config.PayloadsPerIteration
	}
	return defaultPayloadCount
}

func (o Options) iterationDeadline() time.Duration {
	if d, err := time.ParseDuration(o.Config.IterationDeadline); err == nil && d > 0 {
		return d
	}
	return defaultIterationDeadline
}

func (o Options) kbOverride() float64 {
	if o.Config.KBOverrideConfidence > 0 {
		return o.Config.KBOverrideConfidence
	}
	return defaultKBOverride
}

// targetSender is the slice of the target client the engine uses.
type targetSender interface {
	Send(ctx context.Context, prompt string, spec target.Spec) (target.Response, error)
}

// Engine drives the adaptive attack loop.
type Engine struct {
	gw       gateway.Gateway
	client   targetSender
	registry *converter.Registry
	kb       *knowledge.KB
	sched    *schedule.Scheduler
	store    *store.Store
	bus      *events.Bus
}

// New builds an exploit engine. kb, store and bus may be nil: no
// episode capture, no persistence, no events.
func New(gw gateway.Gateway, client targetSender, registry *converter.Registry, kb *knowledge.KB, sched *schedule.Scheduler, st *store.Store, bus *events.Bus) *Engine {
	return &Engine{gw: gw, client: client, registry: registry, kb: kb, sched: sched, store: st, bus: bus}
}

func (e *Engine) publish(campaignID, message string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(campaignID, campaign.PhaseExploit, events.TypePhaseProgress, message, data)
}

// runState is everything that survives across iterations.
type runState struct {
	iteration     int
	bestScore     float64
	bestIteration int
	bestChain     []string
	triedFramings map[string]bool
	triedChains   map[string]bool
	history       []campaign.IterationRecord

	framing      string
	chain        []string
	payloadCount int
	addSuffix    bool
	addContext   bool
	retriedError bool
	failureNotes []string

	rng *rand.Rand
}

// iterScratch is the working set of one iteration, reset each loop.
type iterScratch struct {
	payloads  []payloadDraft
	converted []string
	responses []string
	sendErrs  []error
	scores    []campaign.CompositeScore
	repr      int

	analysis *campaign.FailureAnalysis
	decision *campaign.AdaptationDecision

	kbChain    []string
	kbOverride bool
}

func (it *iterScratch) reprScore() campaign.CompositeScore {
	if it.repr < 0 || it.repr >= len(it.scores) {
		return campaign.CompositeScore{}
	}
	return it.scores[it.repr]
}

func (it *iterScratch) reprResponse() string {
	if it.repr < 0 || it.repr >= len(it.responses) {
		return ""
	}
	return it.responses[it.repr]
}

// Run executes the adaptive attack and returns the exploit artifact.
func (e *Engine) Run(ctx context.Context, campaignID string, spec target.Spec, bp *campaign.Blueprint, report *campaign.VulnerabilityReport, opts Options) (*campaign.ExploitResult, error) {
	timer := logging.StartTimer(logging.CategoryExploit, "exploit_run")
	defer timer.Stop()

	objective, err := objectiveFrom(report)
	if err != nil {
		return nil, err
	}
	if _, err := e.registry.Chain(opts.InitialChain...); err != nil {
		return nil, fmt.Errorf("exploit: initial chain: %w", err)
	}

	threshold := opts.Config.SuccessThreshold
	composite := scoring.NewComposite(
		scoring.DefaultScorers(e.gw, bp.SystemPromptFragments, authorizedTools(bp)),
		opts.Scoring, threshold)

	st := &runState{
		bestIteration: -1,
		triedFramings: make(map[string]bool),
		triedChains:   make(map[string]bool),
		framing:       opts.InitialFraming,
		chain:         append([]string(nil), opts.InitialChain...),
		payloadCount:  opts.payloadCount(),
		rng:           rand.New(rand.NewSource(opts.Seed)),
	}
	if st.framing == "" {
		st.framing = framings[0]
	}

	logging.Exploit("Exploit loop for %s: objective %q, budget %d iterations",
		campaignID, objective, opts.maxIterations())

	var it *iterScratch
	cur := nodeArticulate
	for cur != nodeHalt {
		if ctx.Err() != nil {
			return e.finishCancelled(campaignID, st)
		}

		switch cur {
		case nodeArticulate:
			it = &iterScratch{repr: -1}
			e.publish(campaignID, "iteration_start", map[string]any{
				"iteration_index": st.iteration,
				"chain":           campaign.ChainKey(st.chain),
				"framing":         st.framing,
			})
			drafts, err := e.articulate(ctx, bp, objective, st)
			if err != nil {
				if ctx.Err() != nil {
					return e.finishCancelled(campaignID, st)
				}
				return nil, fmt.Errorf("exploit: articulation failed on iteration %d: %w", st.iteration, err)
			}
			it.payloads = drafts

		case nodeConvert:
			chain, err := e.registry.Chain(st.chain...)
			if err != nil {
				// Discovery validates names, so this is a registry
				// drift bug rather than a runtime condition.
				return nil, fmt.Errorf("exploit: chain %v: %w", st.chain, err)
			}
			it.converted = make([]string, len(it.payloads))
			for i, p := range it.payloads {
				text, steps := chain.Apply(p.Text)
				it.converted[i] = text
				for _, s := range steps {
					if !s.Succeeded {
						logging.ExploitDebug("Converter %s skipped on iteration %d: %s", s.Converter, st.iteration, s.Error)
					}
				}
			}

		case nodeExecute:
			e.execute(ctx, spec, st, it, opts)

		case nodeEvaluate:
			if err := e.evaluate(ctx, composite, it); err != nil {
				if ctx.Err() != nil {
					return e.finishCancelled(campaignID, st)
				}
				return nil, err
			}
			e.publish(campaignID, "iteration_scored", map[string]any{
				"composite_score": it.reprScore().Total,
			})
			if score := it.reprScore(); it.repr >= 0 && score.Total > st.bestScore {
				st.bestScore = score.Total
				st.bestIteration = st.iteration
				st.bestChain = append([]string(nil), st.chain...)
			}

		case nodeDecide:
			if it.repr >= 0 && it.reprScore().IsSuccessful {
				// The winning iteration defines the best fields even
				// when an earlier failed iteration carried a higher
				// weighted total.
				st.bestScore = it.reprScore().Total
				st.bestIteration = st.iteration
				st.bestChain = append([]string(nil), st.chain...)
				st.history = append(st.history, e.record(st, it))
				return e.finishSuccess(ctx, campaignID, bp, st, it)
			}
			if st.iteration+1 >= opts.maxIterations() {
				st.history = append(st.history, e.record(st, it))
				return e.finishExhausted(ctx, campaignID, st)
			}

		case nodeAnalyze:
			it.analysis = e.analyzeFailure(ctx, it)
			st.failureNotes = appendBounded(st.failureNotes, fmt.Sprintf(
				"iteration %d (%s, framing %s): %s", st.iteration,
				campaign.ChainKey(st.chain), st.framing, it.analysis.Cause))

		case nodeAdapt:
			it.decision = e.adapt(ctx, campaignID, bp, spec, st, it, opts)

		case nodeDiscover:
			halted := e.discover(st, it)
			e.publish(campaignID, "adaptation", map[string]any{
				"failure_cause": string(it.analysis.Cause),
				"next_chain":    campaign.ChainKey(it.decision.NextChain),
				"actions":       it.decision.Actions,
			})
			if halted {
				st.history = append(st.history, e.record(st, it))
				logging.Exploit("Exploit for %s halting early: converter space exhausted", campaignID)
				return e.finishExhausted(ctx, campaignID, st)
			}

		case nodeUpdate:
			st.history = append(st.history, e.record(st, it))
			st.triedFramings[st.framing] = true
			st.triedChains[campaign.ChainKey(st.chain)] = true
			if it.decision.Framing != "" {
				st.framing = it.decision.Framing
			}
			st.chain = append([]string(nil), it.decision.NextChain...)
			st.iteration++
		}

		cur = cur.next()
	}
	return nil, fmt.Errorf("exploit: state machine left the loop without a result")
}

// record snapshots the current iteration into its durable form.
func (e *Engine) record(st *runState, it *iterScratch) campaign.IterationRecord {
	rec := campaign.IterationRecord{
		IterationIndex:     st.iteration,
		Chain:              append([]string(nil), st.chain...),
		Framing:            st.framing,
		ConvertedPayloads:  append([]string(nil), it.converted...),
		Responses:          append([]string(nil), it.responses...),
		CompositeScore:     it.reprScore(),
		FailureAnalysis:    it.analysis,
		AdaptationDecision: it.decision,
	}
	for _, p := range it.payloads {
		rec.Payloads = append(rec.Payloads, p.Text)
	}
	return rec
}

func (e *Engine) assemble(campaignID string, st *runState, successful bool, finalChain []string) *campaign.ExploitResult {
	return &campaign.ExploitResult{
		CampaignID:       campaignID,
		Timestamp:        time.Now().UTC(),
		IsSuccessful:     successful,
		BestScore:        st.bestScore,
		BestIteration:    st.bestIteration,
		IterationsRun:    len(st.history),
		FinalChain:       append([]string(nil), finalChain...),
		IterationHistory: st.history,
	}
}

// finishSuccess captures the bypass episode, then persists the
// result. The episode write strictly precedes the artifact write.
func (e *Engine) finishSuccess(ctx context.Context, campaignID string, bp *campaign.Blueprint, st *runState, it *iterScratch) (*campaign.ExploitResult, error) {
	result := e.assemble(campaignID, st, true, st.chain)

	if e.kb != nil {
		ep := e.buildEpisode(campaignID, bp, st, it)
		if err := e.kb.Capture(ctx, ep, trajectory(st.history)); err != nil {
			logging.ExploitWarn("Episode capture for %s failed: %v", campaignID, err)
		} else {
			result.WinningEpisodeID = ep.EpisodeID
		}
	}

	if err := e.persist(ctx, campaignID, result); err != nil {
		return nil, err
	}
	logging.Audit().CampaignEvent(logging.AuditCampaignPhase, campaignID, "exploit", true)
	logging.Exploit("Exploit for %s succeeded on iteration %d (score %.3f, chain %s)",
		campaignID, st.iteration, st.bestScore, campaign.ChainKey(st.chain))
	e.publish(campaignID, "complete", map[string]any{
		"is_successful": true, "best_score": st.bestScore, "iterations": result.IterationsRun,
	})
	return result, nil
}

// finishExhausted assembles the budget-exhausted result: the best
// iteration's chain, or no chain when nothing ever scored.
func (e *Engine) finishExhausted(ctx context.Context, campaignID string, st *runState) (*campaign.ExploitResult, error) {
	var finalChain []string
	if st.bestIteration >= 0 && st.bestScore > 0 {
		finalChain = st.bestChain
	}
	result := e.assemble(campaignID, st, false, finalChain)
	if err := e.persist(ctx, campaignID, result); err != nil {
		return nil, err
	}
	logging.Audit().CampaignEvent(logging.AuditCampaignPhase, campaignID, "exploit", false)
	logging.Exploit("Exploit for %s exhausted after %d iterations (best %.3f at %d)",
		campaignID, result.IterationsRun, st.bestScore, st.bestIteration)
	e.publish(campaignID, "complete", map[string]any{
		"is_successful": false, "best_score": st.bestScore, "iterations": result.IterationsRun,
	})
	return result, nil
}

// finishCancelled persists whatever happened before the cancel. No
// episode is written for a cancelled run.
func (e *Engine) finishCancelled(campaignID string, st *runState) (*campaign.ExploitResult, error) {
	var finalChain []string
	if st.bestIteration >= 0 && st.bestScore > 0 {
		finalChain = st.bestChain
	}
	result := e.assemble(campaignID, st, false, finalChain)
	result.Cancelled = true

	// The caller's context is already dead; the partial artifact
	// still needs to land.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 5*time.Second)
	defer cancel()
	if err := e.persist(persistCtx, campaignID, result); err != nil {
		logging.ExploitWarn("Persisting cancelled result for %s failed: %v", campaignID, err)
	}
	logging.Exploit("Exploit for %s cancelled after %d iterations", campaignID, result.IterationsRun)
	return result, nil
}

func (e *Engine) persist(ctx context.Context, campaignID string, result *campaign.ExploitResult) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveExploitResult(ctx, campaignID, result); err != nil {
		return fmt.Errorf("exploit: persisting result: %w", err)
	}
	return nil
}

func (e *Engine) buildEpisode(campaignID string, bp *campaign.Blueprint, st *runState, it *iterScratch) *campaign.BypassEpisode {
	failed := make([]string, 0, len(st.triedChains))
	for key := range st.triedChains {
		failed = append(failed, key)
	}
	score := it.reprScore()
	return &campaign.BypassEpisode{
		EpisodeID:  campaign.NewEpisodeID(),
		CampaignID: campaignID,
		CreatedAt:  time.Now().UTC(),
		DefenseFingerprint: campaign.DefenseFingerprint{
			DefenseResponseText:  it.reprResponse(),
			FailedTechniqueNames: failed,
			TargetDomain:         bp.TargetDomain,
		},
		SuccessfulTechnique: campaign.SuccessfulTechnique{
			ConverterChain: append([]string(nil), st.chain...),
			Framing:        st.framing,
			FinalPrompt:    it.converted[it.repr],
		},
		JailbreakScore:    score.PerScorer[scoring.ScorerJailbreak],
		IterationCount:    st.iteration + 1,
		TargetDescription: bp.Describe(),
	}
}

// execute sends every converted payload under the rate bucket and the
// per-iteration deadline. Transport failures are recorded per payload.
func (e *Engine) execute(ctx context.Context, spec target.Spec, st *runState, it *iterScratch, opts Options) {
	deadline, cancel := context.WithTimeout(ctx, opts.iterationDeadline())
	defer cancel()

	it.responses = make([]string, len(it.converted))
	it.sendErrs = make([]error, len(it.converted))
	for i, payload := range it.converted {
		if err := e.sched.Limiter.Wait(deadline, spec.URL); err != nil {
			it.sendErrs[i] = err
			continue
		}
		resp, err := e.client.Send(deadline, payload, spec)
		if err != nil {
			logging.ExploitDebug("Iteration %d payload %d send failed: %v", st.iteration, i, err)
			it.sendErrs[i] = err
			continue
		}
		it.responses[i] = resp.Text
	}
}

// evaluate scores every delivered pair. Pairs run sequentially so the
// first-max representative rule is deterministic; the scorers inside
// a pair fan out in the composite.
func (e *Engine) evaluate(ctx context.Context, composite *scoring.CompositeScorer, it *iterScratch) error {
	it.scores = make([]campaign.CompositeScore, len(it.converted))
	best := -1.0
	for i := range it.converted {
		if it.sendErrs[i] != nil {
			it.scores[i] = campaign.CompositeScore{PerScorer: map[string]float64{}}
			continue
		}
		cs, _, err := composite.Score(ctx, it.converted[i], it.responses[i])
		if err != nil {
			return fmt.Errorf("exploit: scoring payload %d: %w", i, err)
		}
		it.scores[i] = cs
		if cs.Total > best {
			best = cs.Total
			it.repr = i
		}
	}
	// With every send failed there is no representative; the error
	// cause path takes over.
	return nil
}

func appendBounded(notes []string, note string) []string {
	notes = append(notes, note)
	if len(notes) > 5 {
		notes = notes[len(notes)-5:]
	}
	return notes
}

func trajectory(history []campaign.IterationRecord) string {
	var sb strings.Builder
	for _, rec := range history {
		fmt.Fprintf(&sb, "Iteration %d: chain %s, framing %s, score %.3f",
			rec.IterationIndex, campaign.ChainKey(rec.Chain), rec.Framing, rec.CompositeScore.Total)
		if rec.FailureAnalysis != nil {
			fmt.Fprintf(&sb, ", failure %s", rec.FailureAnalysis.Cause)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// objectiveFrom derives the attack objective from the report's
// strongest cluster.
func objectiveFrom(report *campaign.VulnerabilityReport) (string, error) {
	if report == nil {
		return "", ErrNoObjective
	}
	cluster := report.StrongestCluster()
	if cluster == nil {
		return "", ErrNoObjective
	}
	return fmt.Sprintf("demonstrate the %s weakness (severity %s) found during scanning",
		strings.TrimPrefix(cluster.VulnerabilityType, "/"), strings.TrimPrefix(string(cluster.Severity), "/")), nil
}

func authorizedTools(bp *campaign.Blueprint) []string {
	names := make([]string, 0, len(bp.DetectedTools))
	for _, t := range bp.DetectedTools {
		names = append(names, t.Name)
	}
	return names
}
