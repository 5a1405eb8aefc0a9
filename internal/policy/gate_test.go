package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"redforge/internal/campaign"
	"redforge/internal/config"
)

func writeRules(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func testBlueprint() *campaign.Blueprint {
	bp := &campaign.Blueprint{
		CampaignID:   "cmp-test",
		TargetDomain: "customer support bot",
	}
	bp.Infrastructure.ModelFamily = "gemini"
	bp.Infrastructure.Database = "postgres"
	bp.AuthStructure.Type = "bearer"
	return bp
}

func testProbes() []ProbeRef {
	return []ProbeRef{
		{Name: "jailbreak.dan", Category: "/jailbreak"},
		{Name: "tool.enumeration", Category: "/tool_abuse"},
		{Name: "sqli.probe", Category: "/sql_injection"},
	}
}

func TestGateDisabled(t *testing.T) {
	gate, err := NewGate(config.PolicyConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	dec, err := gate.Check(context.Background(), "cmp-1", testBlueprint(), testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Error("disabled gate should allow every scan")
	}
	if len(dec.Probes) != 3 {
		t.Errorf("Probes = %v, want all 3", dec.Probes)
	}
}

func TestGateNoRulesAllowsAll(t *testing.T) {
	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	if gate.RuleCount() != 0 {
		t.Errorf("RuleCount() = %d, want 0", gate.RuleCount())
	}

	dec, err := gate.Check(context.Background(), "cmp-1", testBlueprint(), testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("empty rule set should allow, got veto %q", dec.Reason)
	}
	if len(dec.Probes) != 3 {
		t.Errorf("Probes = %v, want all 3", dec.Probes)
	}
}

func TestGateMissingRulesDir(t *testing.T) {
	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: filepath.Join(t.TempDir(), "absent")})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	dec, err := gate.Check(context.Background(), "cmp-1", nil, testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Error("missing rules dir should mean no rules, not a veto")
	}
}

func TestGateDenyScan(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "deny.mg", `
deny_scan("production payment systems are off limits") :-
  target_domain("payment processing").
`)

	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: dir})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	bp := testBlueprint()
	bp.TargetDomain = "payment processing"

	dec, err := gate.Check(context.Background(), "cmp-1", bp, testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if dec.Allowed {
		t.Fatal("expected veto for payment processing target")
	}
	if !strings.Contains(dec.Reason, "off limits") {
		t.Errorf("Reason = %q, want the rule's reason text", dec.Reason)
	}
	if len(dec.Probes) != 0 {
		t.Errorf("vetoed scan should carry no probes, got %v", dec.Probes)
	}
}

func TestGateDenyDoesNotFireForOtherTargets(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "deny.mg", `
deny_scan("production payment systems are off limits") :-
  target_domain("payment processing").
`)

	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: dir})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	dec, err := gate.Check(context.Background(), "cmp-1", testBlueprint(), testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("unexpected veto: %q", dec.Reason)
	}
}

func TestGateTrimProbe(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "trim.mg", `
trim_probe(Name, "tool probes require detected tools") :-
  probe(Name, /tool_abuse).
`)

	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: dir})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	dec, err := gate.Check(context.Background(), "cmp-1", testBlueprint(), testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("trim should not veto, got %q", dec.Reason)
	}

	reason, ok := dec.Trimmed["tool.enumeration"]
	if !ok {
		t.Fatalf("Trimmed = %v, want tool.enumeration", dec.Trimmed)
	}
	if !strings.Contains(reason, "detected tools") {
		t.Errorf("trim reason = %q", reason)
	}

	want := []string{"jailbreak.dan", "sqli.probe"}
	if len(dec.Probes) != len(want) {
		t.Fatalf("Probes = %v, want %v", dec.Probes, want)
	}
	for i, name := range want {
		if dec.Probes[i] != name {
			t.Errorf("Probes[%d] = %q, want %q (input order preserved)", i, dec.Probes[i], name)
		}
	}
}

func TestGateTrimOnInfrastructure(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "trim.mg", `
trim_probe(Name, "no sql probes without a database") :-
  probe(Name, /sql_injection).
deny_scan("scans of self-hosted models need signoff") :-
  model_family("llama").
`)

	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: dir})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	// gemini model family: no veto, but sqli.probe trimmed.
	dec, err := gate.Check(context.Background(), "cmp-1", testBlueprint(), testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("unexpected veto: %q", dec.Reason)
	}
	if _, ok := dec.Trimmed["sqli.probe"]; !ok {
		t.Errorf("Trimmed = %v, want sqli.probe", dec.Trimmed)
	}

	bp := testBlueprint()
	bp.Infrastructure.ModelFamily = "llama"
	dec, err = gate.Check(context.Background(), "cmp-2", bp, testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if dec.Allowed {
		t.Error("expected veto for llama model family")
	}
}

func TestGateBadRuleFile(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "broken.mg", `deny_scan( :- nonsense(((`)

	if _, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: dir}); err == nil {
		t.Fatal("NewGate() should fail on an unparsable rule file")
	}
}

func TestGateReloadSwapsRules(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "rules.mg", `
trim_probe(Name, "jailbreak probes paused") :-
  probe(Name, /jailbreak).
`)

	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: dir})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	dec, err := gate.Check(context.Background(), "cmp-1", testBlueprint(), testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if _, ok := dec.Trimmed["jailbreak.dan"]; !ok {
		t.Fatalf("Trimmed = %v, want jailbreak.dan before reload", dec.Trimmed)
	}

	if err := os.WriteFile(path, []byte(`
deny_scan("all scans paused for maintenance") :-
  campaign(Id).
`), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	if err := gate.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	dec, err = gate.Check(context.Background(), "cmp-1", testBlueprint(), testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if dec.Allowed {
		t.Error("expected veto after reload")
	}
	if !strings.Contains(dec.Reason, "maintenance") {
		t.Errorf("Reason = %q", dec.Reason)
	}
}

func TestGateReloadKeepsOldRulesOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "rules.mg", `
deny_scan("all scans paused") :- campaign(Id).
`)

	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: dir})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(`deny_scan( broken`), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	if err := gate.Reload(); err == nil {
		t.Fatal("Reload() should fail on broken rules")
	}

	// The old program stays active.
	dec, err := gate.Check(context.Background(), "cmp-1", testBlueprint(), testProbes())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if dec.Allowed {
		t.Error("previous deny rule should still be active after failed reload")
	}
}

func TestGateNilBlueprint(t *testing.T) {
	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	dec, err := gate.Check(context.Background(), "cmp-1", nil, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !dec.Allowed {
		t.Error("nil blueprint with no rules should be allowed")
	}
}

func TestVetoError(t *testing.T) {
	var err error = &VetoError{Reason: "too risky"}

	var veto *VetoError
	if !errors.As(err, &veto) {
		t.Fatal("errors.As should match *VetoError")
	}
	if veto.Reason != "too risky" {
		t.Errorf("Reason = %q", veto.Reason)
	}
	if !strings.Contains(err.Error(), "too risky") {
		t.Errorf("Error() = %q", err.Error())
	}
}
