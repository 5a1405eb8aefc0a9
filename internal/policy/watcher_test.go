package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"redforge/internal/config"
)

func TestWatcherStartStop(t *testing.T) {
	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	w, err := NewWatcher(gate, t.TempDir())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	w.Stop()
	// Stop again is a no-op.
	w.Stop()
}

func TestWatcherReloadsOnRuleChange(t *testing.T) {
	dir := t.TempDir()
	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: dir})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	if gate.RuleCount() != 0 {
		t.Fatalf("RuleCount() = %d, want 0 before any rules exist", gate.RuleCount())
	}

	w, err := NewWatcher(gate, dir)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.debounceDur = 50 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	rule := `
deny_scan("all scans paused") :- campaign(Id).
`
	if err := os.WriteFile(filepath.Join(dir, "pause.mg"), []byte(rule), 0o644); err != nil {
		t.Fatalf("write rule: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if gate.RuleCount() == 1 {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("gate never picked up the new rule file, RuleCount() = %d", gate.RuleCount())
}

func TestWatcherIgnoresNonRuleFiles(t *testing.T) {
	dir := t.TempDir()
	gate, err := NewGate(config.PolicyConfig{Enabled: true, RulesDir: dir})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	w, err := NewWatcher(gate, dir)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.debounceDur = 50 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a rule"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if gate.RuleCount() != 0 {
		t.Errorf("RuleCount() = %d, non-.mg files should not trigger reloads", gate.RuleCount())
	}
}
