package exploit

import (
	"context"
	"math/rand"
	"reflect"
	"testing"

	"redforge/internal/campaign"
	"redforge/internal/converter"
	"redforge/internal/gateway"
)

func adaptState() *runState {
	return &runState{
		bestIteration: -1,
		triedFramings: make(map[string]bool),
		triedChains:   make(map[string]bool),
		framing:       "direct",
		payloadCount:  3,
		rng:           rand.New(rand.NewSource(1)),
	}
}

func adaptEngine() *Engine {
	return New(&gateway.MockGateway{}, nil, converter.NewRegistry(), nil, testScheduler(), nil, nil)
}

func analysisOf(cause campaign.FailureCause) *iterScratch {
	return &iterScratch{
		analysis: &campaign.FailureAnalysis{Cause: cause},
		repr:     -1,
	}
}

func TestAdaptActionsMirrorCause(t *testing.T) {
	cases := []campaign.FailureCause{
		campaign.CauseBlocked,
		campaign.CauseNoImpact,
		campaign.CausePartialSuccess,
		campaign.CauseRateLimited,
		campaign.CauseError,
	}
	for _, cause := range cases {
		t.Run(string(cause), func(t *testing.T) {
			eng := adaptEngine()
			st := adaptState()
			// The error cause only escalates after its free retry.
			st.retriedError = true

			decision := eng.adapt(context.Background(), "camp-1", exploitBlueprint(), testSpec(), st, analysisOf(cause), Options{})
			if !reflect.DeepEqual(decision.Actions, defaultActions[cause]) {
				t.Errorf("actions = %v, want %v", decision.Actions, defaultActions[cause])
			}
		})
	}
}

func TestAdaptErrorRetriesBeforeEscalating(t *testing.T) {
	eng := adaptEngine()
	st := adaptState()
	st.chain = []string{"base64"}

	first := eng.adapt(context.Background(), "camp-1", exploitBlueprint(), testSpec(), st, analysisOf(campaign.CauseError), Options{})
	if len(first.Actions) != 0 {
		t.Errorf("first error adaptation took actions %v, want none", first.Actions)
	}
	if campaign.ChainKey(first.NextChain) != "base64" || first.Framing != "direct" {
		t.Errorf("retry must keep chain and framing, got %v / %q", first.NextChain, first.Framing)
	}
	if !st.retriedError {
		t.Fatal("retry flag not set")
	}

	second := eng.adapt(context.Background(), "camp-1", exploitBlueprint(), testSpec(), st, analysisOf(campaign.CauseError), Options{})
	if len(second.Actions) != 1 || second.Actions[0] != campaign.ActionChangeConverters {
		t.Errorf("second error adaptation = %v, want [change_converters]", second.Actions)
	}
}

func TestAdaptSetsIterationFlags(t *testing.T) {
	eng := adaptEngine()
	st := adaptState()

	eng.adapt(context.Background(), "camp-1", exploitBlueprint(), testSpec(), st, analysisOf(campaign.CausePartialSuccess), Options{})
	if !st.addSuffix {
		t.Error("partial success should request a compliance suffix")
	}

	eng.adapt(context.Background(), "camp-1", exploitBlueprint(), testSpec(), st, analysisOf(campaign.CauseNoImpact), Options{})
	if !st.addContext {
		t.Error("no impact should request added context")
	}
}

func TestAdaptReducesPayloadCountWithFloor(t *testing.T) {
	eng := adaptEngine()
	st := adaptState()

	eng.adapt(context.Background(), "camp-1", exploitBlueprint(), testSpec(), st, analysisOf(campaign.CauseRateLimited), Options{})
	if st.payloadCount != 2 {
		t.Errorf("payloadCount = %d, want 2", st.payloadCount)
	}

	st.payloadCount = 1
	eng.adapt(context.Background(), "camp-1", exploitBlueprint(), testSpec(), st, analysisOf(campaign.CauseRateLimited), Options{})
	if st.payloadCount != 1 {
		t.Errorf("payloadCount = %d, must not drop below 1", st.payloadCount)
	}
}

func TestNextFramingExcludesTried(t *testing.T) {
	eng := adaptEngine()
	st := adaptState()
	for _, f := range framings {
		if f != "direct" && f != "academic" {
			st.triedFramings[f] = true
		}
	}
	if got := eng.nextFraming(st); got != "academic" {
		t.Errorf("nextFraming = %q, want the only untried academic", got)
	}

	st.triedFramings["academic"] = true
	if got := eng.nextFraming(st); got != "direct" {
		t.Errorf("exhausted pool should keep the current framing, got %q", got)
	}
}

func TestDiscoverKeepsChainWithoutConverterActions(t *testing.T) {
	eng := adaptEngine()
	st := adaptState()
	st.chain = []string{"base64"}
	it := analysisOf(campaign.CauseNoImpact)
	it.decision = &campaign.AdaptationDecision{
		Actions: []campaign.AdaptationAction{campaign.ActionChangeFraming},
	}

	if halt := eng.discover(st, it); halt {
		t.Fatal("keeping the chain must not halt")
	}
	if campaign.ChainKey(it.decision.NextChain) != "base64" {
		t.Errorf("NextChain = %v, want the current chain", it.decision.NextChain)
	}
}

func TestDiscoverPrefersKBRecommendation(t *testing.T) {
	eng := adaptEngine()
	st := adaptState()
	it := analysisOf(campaign.CauseBlocked)
	it.decision = &campaign.AdaptationDecision{}
	it.kbChain = []string{"homoglyph"}
	it.kbOverride = true

	if halt := eng.discover(st, it); halt {
		t.Fatal("unexpected halt")
	}
	if campaign.ChainKey(it.decision.NextChain) != "homoglyph" {
		t.Errorf("NextChain = %v, want the recalled chain first", it.decision.NextChain)
	}
}

func TestDiscoverSkipsTriedAndUnknownChains(t *testing.T) {
	eng := adaptEngine()
	st := adaptState()
	st.triedChains["base64"] = true
	it := analysisOf(campaign.CauseBlocked)
	it.decision = &campaign.AdaptationDecision{
		Actions: []campaign.AdaptationAction{campaign.ActionChangeConverters},
	}
	it.kbChain = []string{"not_a_converter"}

	if halt := eng.discover(st, it); halt {
		t.Fatal("unexpected halt")
	}
	if campaign.ChainKey(it.decision.NextChain) != "leetspeak+base64" {
		t.Errorf("NextChain = %v, want the first valid untried candidate", it.decision.NextChain)
	}
}

func TestDiscoverFallsBackToTrivialThenHalts(t *testing.T) {
	eng := adaptEngine()
	st := adaptState()
	st.chain = []string{"base64"}
	for _, chain := range handcraftedChains[campaign.CauseBlocked] {
		st.triedChains[campaign.ChainKey(chain)] = true
	}
	for _, name := range converterWhitelist {
		st.triedChains[campaign.ChainKey([]string{name})] = true
	}
	it := analysisOf(campaign.CauseBlocked)
	it.decision = &campaign.AdaptationDecision{
		Actions: []campaign.AdaptationAction{campaign.ActionChangeConverters},
	}

	if halt := eng.discover(st, it); halt {
		t.Fatal("trivial chain still available, must not halt")
	}
	if len(it.decision.NextChain) != 0 {
		t.Errorf("NextChain = %v, want the trivial chain", it.decision.NextChain)
	}

	st.triedChains[campaign.ChainKey(nil)] = true
	st.chain = nil
	it.decision = &campaign.AdaptationDecision{
		Actions: []campaign.AdaptationAction{campaign.ActionChangeConverters},
	}
	if halt := eng.discover(st, it); !halt {
		t.Error("nothing left to try, expected a halt")
	}
}
