package scan

import (
	"context"
	"testing"
	"time"

	"redforge/internal/campaign"
	"redforge/internal/config"
	"redforge/internal/probe"
)

func TestApproachFrom(t *testing.T) {
	cases := []struct {
		in   string
		want campaign.ScanApproach
	}{
		{"quick", campaign.ApproachQuick},
		{"/thorough", campaign.ApproachThorough},
		{"Standard", campaign.ApproachStandard},
		{"", campaign.ApproachStandard},
		{"nonsense", campaign.ApproachStandard},
	}
	for _, tc := range cases {
		if got := approachFrom(config.ScanConfig{Approach: tc.in}); got != tc.want {
			t.Errorf("approachFrom(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestPlanningTimeoutDefault(t *testing.T) {
	if got := planningTimeout(config.ScanConfig{}); got != defaultPlanningTimeout {
		t.Errorf("empty config should give the default, got %v", got)
	}
	if got := planningTimeout(config.ScanConfig{PlanningTimeout: "250ms"}); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}
	if got := planningTimeout(config.ScanConfig{PlanningTimeout: "garbage"}); got != defaultPlanningTimeout {
		t.Errorf("unparseable duration should give the default, got %v", got)
	}
}

func TestPlanValidatesModelSelections(t *testing.T) {
	gw := planningGateway("summary", []map[string]any{
		{"probe_name": "jailbreak.dan", "rationale": "fits", "generations": 3},
		{"probe_name": "jailbreak.dan", "rationale": "again", "generations": 1},
		{"probe_name": "made.up", "rationale": "hallucinated", "generations": 2},
		{"probe_name": "leak.pii", "rationale": "pii risk", "generations": 99},
	})
	e := newTestEngine(gw, &fakeTarget{}, nil, nil)

	plan, err := e.plan(context.Background(), "cmp-1", scanBlueprint(),
		probe.NewCatalog().All(), config.ScanConfig{Approach: "standard"})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(plan.SelectedProbes) != 2 {
		t.Fatalf("duplicates and unknown probes must be dropped, got %d selections", len(plan.SelectedProbes))
	}
	if plan.SelectedProbes[0].ProbeName != "jailbreak.dan" || plan.SelectedProbes[0].Generations != 3 {
		t.Errorf("unexpected first selection %+v", plan.SelectedProbes[0])
	}
	if plan.SelectedProbes[1].Generations != defaultGenerations {
		t.Errorf("out-of-range generation count should fall back to %d, got %d",
			defaultGenerations, plan.SelectedProbes[1].Generations)
	}
}

func TestPlanCapsAtApproachBudget(t *testing.T) {
	var selections []map[string]any
	for _, name := range probe.NewCatalog().Names() {
		selections = append(selections, map[string]any{
			"probe_name": name, "rationale": "everything", "generations": 1,
		})
	}
	e := newTestEngine(planningGateway("summary", selections), &fakeTarget{}, nil, nil)

	plan, err := e.plan(context.Background(), "cmp-1", scanBlueprint(),
		probe.NewCatalog().All(), config.ScanConfig{Approach: "quick"})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	_, maxProbes := campaign.ApproachQuick.ProbeBudget()
	if len(plan.SelectedProbes) != maxProbes {
		t.Errorf("quick approach caps at %d probes, got %d", maxProbes, len(plan.SelectedProbes))
	}
}

func TestPlanRejectsEmptySelection(t *testing.T) {
	gw := planningGateway("summary", []map[string]any{
		{"probe_name": "not.real", "rationale": "r", "generations": 1},
	})
	e := newTestEngine(gw, &fakeTarget{}, nil, nil)

	_, err := e.plan(context.Background(), "cmp-1", scanBlueprint(),
		probe.NewCatalog().All(), config.ScanConfig{})
	if err == nil {
		t.Fatal("a plan with no valid probes must fail")
	}
}

func TestStaticPlanRespectsBudget(t *testing.T) {
	candidates := probe.NewCatalog().All()
	p := staticPlan(scanBlueprint(), candidates, campaign.ApproachQuick)
	if !p.Static {
		t.Error("static plan must be flagged static")
	}
	_, maxProbes := campaign.ApproachQuick.ProbeBudget()
	if len(p.SelectedProbes) != maxProbes {
		t.Errorf("expected %d probes, got %d", maxProbes, len(p.SelectedProbes))
	}
	for _, sel := range p.SelectedProbes {
		if sel.Rationale == "" {
			t.Errorf("probe %s has no rationale", sel.ProbeName)
		}
	}
}
