package exploit

import (
	"context"

	"redforge/internal/campaign"
	"redforge/internal/logging"
	"redforge/internal/target"
)

// framings is the rotation pool for change_framing, in rank order.
var framings = []string{
	"direct",
	"authority",
	"roleplay",
	"hypothetical",
	"academic",
	"fiction",
	"translation",
	"debugging",
}

// defaultActions maps each failure cause to its adaptation plan.
var defaultActions = map[campaign.FailureCause][]campaign.AdaptationAction{
	campaign.CauseBlocked: {
		campaign.ActionEscalateObfuscation,
		campaign.ActionChangeConverters,
		campaign.ActionUseBypassKB,
	},
	campaign.CauseNoImpact: {
		campaign.ActionChangeFraming,
		campaign.ActionRegeneratePayloads,
		campaign.ActionAddContext,
	},
	campaign.CausePartialSuccess: {
		campaign.ActionRetryWithSuffix,
		campaign.ActionChangeFraming,
	},
	campaign.CauseRateLimited: {
		campaign.ActionReducePayloadCount,
	},
	campaign.CauseError: {
		campaign.ActionChangeConverters,
	},
}

// handcraftedChains are the per-cause converter sequences tried before
// falling back to single-converter permutations.
var handcraftedChains = map[campaign.FailureCause][][]string{
	campaign.CauseBlocked: {
		{"base64"},
		{"leetspeak", "base64"},
		{"homoglyph"},
		{"zero_width"},
		{"rot13", "urlencode"},
	},
	campaign.CauseNoImpact: {
		{"leetspeak"},
		{"charswap"},
	},
	campaign.CausePartialSuccess: {
		{"case_scramble"},
	},
	campaign.CauseError: {
		{},
		{"base64"},
	},
}

// converterWhitelist feeds the single-converter permutation tier of
// chain discovery.
var converterWhitelist = []string{
	"base64", "rot13", "leetspeak", "homoglyph",
	"zero_width", "urlencode", "charswap", "morse",
}

// adapt turns the failure analysis into the next iteration's plan:
// the action set for the cause, framing and payload-count updates,
// and an optional knowledge-base consultation.
func (e *Engine) adapt(ctx context.Context, campaignID string, bp *campaign.Blueprint, spec target.Spec, st *runState, it *iterScratch, opts Options) *campaign.AdaptationDecision {
	cause := it.analysis.Cause
	decision := &campaign.AdaptationDecision{}

	// A transport error gets one retry with the identical setup
	// before anything changes.
	if cause == campaign.CauseError && !st.retriedError {
		st.retriedError = true
		decision.NextChain = append([]string(nil), st.chain...)
		decision.Framing = st.framing
		logging.ExploitDebug("Iteration %d errored, retrying once unchanged", st.iteration)
		return decision
	}

	decision.Actions = append(decision.Actions, defaultActions[cause]...)

	for _, action := range decision.Actions {
		switch action {
		case campaign.ActionChangeFraming:
			decision.Framing = e.nextFraming(st)
		case campaign.ActionRetryWithSuffix:
			st.addSuffix = true
		case campaign.ActionAddContext:
			st.addContext = true
		case campaign.ActionReducePayloadCount:
			if st.payloadCount > 1 {
				st.payloadCount--
			}
		case campaign.ActionUseBypassKB:
			e.consultKB(ctx, campaignID, bp, st, it, decision, opts)
		}
	}
	if cause == campaign.CauseRateLimited {
		e.sched.Limiter.Backoff(spec.URL, 2)
	}
	if decision.Framing == "" {
		decision.Framing = st.framing
	}
	return decision
}

// consultKB queries the bypass knowledge base with the defense
// fingerprint. The insight overrides the chain recommendation only
// above the confidence bar; below it the chain joins the candidate
// ranking as advice.
func (e *Engine) consultKB(ctx context.Context, campaignID string, bp *campaign.Blueprint, st *runState, it *iterScratch, decision *campaign.AdaptationDecision, opts Options) {
	if e.kb == nil {
		return
	}
	tried := make([]string, 0, len(st.triedChains))
	for key := range st.triedChains {
		tried = append(tried, key)
	}
	insight, err := e.kb.Query(ctx, campaign.DefenseFingerprint{
		DefenseResponseText:  it.reprResponse(),
		FailedTechniqueNames: tried,
		TargetDomain:         bp.TargetDomain,
	})
	if err != nil {
		logging.ExploitWarn("Bypass KB query for %s failed: %v", campaignID, err)
		return
	}
	if len(insight.RecommendedChain) == 0 {
		return
	}

	it.kbChain = append([]string(nil), insight.RecommendedChain...)
	if insight.Confidence > opts.kbOverride() {
		it.kbOverride = true
		if insight.RecommendedFraming != "" {
			decision.Framing = insight.RecommendedFraming
		}
		logging.Exploit("Bypass KB overriding strategy for %s: chain %s (confidence %.2f)",
			campaignID, campaign.ChainKey(insight.RecommendedChain), insight.Confidence)
	} else {
		logging.ExploitDebug("Bypass KB advisory for %s: chain %s (confidence %.2f)",
			campaignID, campaign.ChainKey(insight.RecommendedChain), insight.Confidence)
	}
}

// nextFraming rotates to an untried framing, seeded-randomly among
// the remaining pool so distinct seeds explore different orders.
func (e *Engine) nextFraming(st *runState) string {
	var untried []string
	for _, f := range framings {
		if f != st.framing && !st.triedFramings[f] {
			untried = append(untried, f)
		}
	}
	if len(untried) == 0 {
		return st.framing
	}
	return untried[st.rng.Intn(len(untried))]
}

// discover picks the next converter chain. Candidates rank KB
// recommendation first, then handcrafted per-cause chains, then
// whitelist single-converter permutations; tried chains and unknown
// converter names are skipped. With everything exhausted the trivial
// chain runs once; a tried trivial chain halts the loop.
func (e *Engine) discover(st *runState, it *iterScratch) (halt bool) {
	wantsNewChain := it.kbOverride
	for _, action := range it.decision.Actions {
		if action == campaign.ActionChangeConverters || action == campaign.ActionEscalateObfuscation {
			wantsNewChain = true
		}
	}
	if !wantsNewChain {
		it.decision.NextChain = append([]string(nil), st.chain...)
		return false
	}

	var candidates [][]string
	if len(it.kbChain) > 0 {
		candidates = append(candidates, it.kbChain)
	}
	candidates = append(candidates, handcraftedChains[it.analysis.Cause]...)
	for _, name := range converterWhitelist {
		candidates = append(candidates, []string{name})
	}

	current := campaign.ChainKey(st.chain)
	for _, cand := range candidates {
		key := campaign.ChainKey(cand)
		if key == current || st.triedChains[key] {
			continue
		}
		if _, err := e.registry.Chain(cand...); err != nil {
			logging.ExploitDebug("Skipping candidate chain %s: %v", key, err)
			continue
		}
		it.decision.NextChain = cand
		return false
	}

	trivial := campaign.ChainKey(nil)
	if current != trivial && !st.triedChains[trivial] {
		it.decision.NextChain = nil
		return false
	}
	return true
}
