// Package policy gates scan execution with Mangle datalog rules.
//
// Operators express safety constraints as rules over facts describing the
// campaign, the target blueprint, and the selected probes. Two derived
// predicates drive the decision: deny_scan(Reason) vetoes the whole scan
// and trim_probe(Name, Reason) removes individual probes while letting the
// rest proceed. Rules live in .mg files under the configured rules
// directory; base predicates are declared here so rule files contain only
// rules.
package policy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"redforge/internal/campaign"
	"redforge/internal/config"
	"redforge/internal/logging"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// baseSchema declares every predicate the gate asserts or reads. Rule
// files must not re-declare these.
const baseSchema = `
Decl campaign(Id).
Decl target_domain(Domain).
Decl model_family(Family).
Decl framework(Name).
Decl database(Name).
Decl vector_store(Name).
Decl auth_type(Type).
Decl detected_tool(Name).
Decl infrastructure(Key, Value).
Decl probe(Name, Category).
Decl deny_scan(Reason).
Decl trim_probe(Name, Reason).
`

// VetoError is returned by callers of the gate when deny_scan fired.
type VetoError struct {
	Reason string
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("scan vetoed by policy: %s", e.Reason)
}

// ProbeRef identifies a selected probe for policy evaluation. Category is
// the probe category atom, e.g. "/tool_abuse".
type ProbeRef struct {
	Name     string
	Category string
}

// Decision is the outcome of a gate check.
type Decision struct {
	// Allowed is false when any deny_scan fact was derived.
	Allowed bool

	// Reason is the joined deny_scan reasons when Allowed is false.
	Reason string

	// Trimmed maps probe names removed by trim_probe to their reasons.
	Trimmed map[string]string

	// Probes holds the surviving probe names in input order.
	Probes []string
}

// Gate evaluates scan-safety rules. The compiled rule program is shared
// across checks; each check runs against a fresh fact store so decisions
// never leak state into one another.
type Gate struct {
	enabled  bool
	rulesDir string

	mu          sync.RWMutex
	programInfo *analysis.ProgramInfo
	predIndex   map[string]ast.PredicateSym
	ruleFiles   int
	ruleCount   int
}

// NewGate compiles the base schema plus any .mg files under
// cfg.RulesDir. A rule file that fails to parse or analyze is a hard
// error at construction time.
func NewGate(cfg config.PolicyConfig) (*Gate, error) {
	g := &Gate{
		enabled:  cfg.Enabled,
		rulesDir: cfg.RulesDir,
	}
	if err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads the rules directory and swaps in the new program
// atomically. On error the previous program stays active.
func (g *Gate) Reload() error {
	base, err := parse.Unit(bytes.NewReader([]byte(baseSchema)))
	if err != nil {
		return fmt.Errorf("parse base schema: %w", err)
	}

	clauses := append([]ast.Clause(nil), base.Clauses...)
	decls := append([]ast.Decl(nil), base.Decls...)

	files, err := g.ruleFilePaths()
	if err != nil {
		return err
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule file %s: %w", path, err)
		}
		unit, err := parse.Unit(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("parse rule file %s: %w", path, err)
		}
		clauses = append(clauses, unit.Clauses...)
		decls = append(decls, unit.Decls...)
	}

	programInfo, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: clauses, Decls: decls}, nil)
	if err != nil {
		return fmt.Errorf("analyze policy rules: %w", err)
	}

	predIndex := make(map[string]ast.PredicateSym, len(programInfo.Decls))
	for sym := range programInfo.Decls {
		predIndex[sym.Symbol] = sym
	}

	g.mu.Lock()
	g.programInfo = programInfo
	g.predIndex = predIndex
	g.ruleFiles = len(files)
	g.ruleCount = len(programInfo.Rules)
	g.mu.Unlock()

	logging.Policy("policy rules loaded: %d files, %d rules", len(files), len(programInfo.Rules))
	return nil
}

// ruleFilePaths lists .mg files under the rules directory in sorted
// order. A missing directory means no rules.
func (g *Gate) ruleFilePaths() ([]string, error) {
	if g.rulesDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(g.rulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules dir %s: %w", g.rulesDir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mg") {
			continue
		}
		files = append(files, filepath.Join(g.rulesDir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// RuleCount reports how many rules the active program holds.
func (g *Gate) RuleCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ruleCount
}

// Check evaluates the rules against the campaign, blueprint, and selected
// probes. A deny_scan derivation yields Allowed=false with the joined
// reasons; trim_probe derivations remove matching probes. The error return
// covers evaluation failures only, never vetoes.
func (g *Gate) Check(ctx context.Context, campaignID string, bp *campaign.Blueprint, probes []ProbeRef) (Decision, error) {
	names := make([]string, len(probes))
	for i, p := range probes {
		names[i] = p.Name
	}

	if !g.enabled {
		logging.Audit().PolicyCheck("scan", true, "policy disabled")
		return Decision{Allowed: true, Probes: names}, nil
	}

	g.mu.RLock()
	programInfo := g.programInfo
	predIndex := g.predIndex
	g.mu.RUnlock()

	store := factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore())
	if err := assertFacts(store, predIndex, campaignID, bp, probes); err != nil {
		return Decision{}, err
	}

	// Rule evaluation is quick in practice, but a pathological rule set
	// must not wedge the scan pipeline.
	done := make(chan error, 1)
	go func() {
		_, err := mengine.EvalProgramWithStats(programInfo, store)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return Decision{}, fmt.Errorf("evaluate policy rules: %w", err)
		}
	}

	reasons, err := collectDenials(store, predIndex)
	if err != nil {
		return Decision{}, err
	}
	if len(reasons) > 0 {
		reason := strings.Join(reasons, "; ")
		logging.Audit().PolicyCheck("scan", false, reason)
		logging.PolicyWarn("scan vetoed: %s", reason)
		return Decision{Allowed: false, Reason: reason, Probes: nil}, nil
	}

	trimmed, err := collectTrims(store, predIndex)
	if err != nil {
		return Decision{}, err
	}

	var surviving []string
	for _, p := range probes {
		if reason, ok := trimmed[p.Name]; ok {
			logging.Audit().PolicyCheck("probe:"+p.Name, false, reason)
			logging.Policy("probe %s trimmed by policy: %s", p.Name, reason)
			continue
		}
		surviving = append(surviving, p.Name)
	}
	// Drop trim reasons for probes that were never selected.
	for name := range trimmed {
		found := false
		for _, p := range probes {
			if p.Name == name {
				found = true
				break
			}
		}
		if !found {
			delete(trimmed, name)
		}
	}

	logging.Audit().PolicyCheck("scan", true, fmt.Sprintf("%d probes allowed, %d trimmed", len(surviving), len(trimmed)))
	return Decision{Allowed: true, Trimmed: trimmed, Probes: surviving}, nil
}

// assertFacts loads the per-check facts into the store. Empty blueprint
// fields produce no facts.
func assertFacts(store factstore.FactStore, predIndex map[string]ast.PredicateSym, campaignID string, bp *campaign.Blueprint, probes []ProbeRef) error {
	add := func(pred string, args ...interface{}) error {
		atom, err := factAtom(predIndex, pred, args...)
		if err != nil {
			return err
		}
		store.Add(atom)
		return nil
	}

	if campaignID != "" {
		if err := add("campaign", campaignID); err != nil {
			return err
		}
	}

	if bp != nil {
		facts := []struct {
			pred  string
			value string
		}{
			{"target_domain", bp.TargetDomain},
			{"model_family", bp.Infrastructure.ModelFamily},
			{"framework", bp.Infrastructure.Framework},
			{"database", bp.Infrastructure.Database},
			{"vector_store", bp.Infrastructure.VectorStore},
			{"auth_type", bp.AuthStructure.Type},
		}
		for _, f := range facts {
			if f.value == "" {
				continue
			}
			if err := add(f.pred, f.value); err != nil {
				return err
			}
		}
		for _, tool := range bp.DetectedTools {
			if tool.Name == "" {
				continue
			}
			if err := add("detected_tool", tool.Name); err != nil {
				return err
			}
		}
		for key, value := range bp.Infrastructure.Extra {
			if err := add("infrastructure", key, value); err != nil {
				return err
			}
		}
	}

	for _, p := range probes {
		if err := add("probe", p.Name, p.Category); err != nil {
			return err
		}
	}
	return nil
}

func factAtom(predIndex map[string]ast.PredicateSym, pred string, args ...interface{}) (ast.Atom, error) {
	sym, ok := predIndex[pred]
	if !ok {
		return ast.Atom{}, fmt.Errorf("predicate %s is not declared", pred)
	}
	if len(args) != sym.Arity {
		return ast.Atom{}, fmt.Errorf("predicate %s expects %d args, got %d", pred, sym.Arity, len(args))
	}

	terms := make([]ast.BaseTerm, len(args))
	for i, raw := range args {
		term, err := termFor(raw)
		if err != nil {
			return ast.Atom{}, fmt.Errorf("predicate %s arg %d: %w", pred, i, err)
		}
		terms[i] = term
	}
	return ast.Atom{Predicate: sym, Args: terms}, nil
}

// termFor converts a fact argument to a Mangle term. Strings with a
// leading slash become name constants so category atoms match rule
// literals like /tool_abuse; everything else stays a plain string.
func termFor(value interface{}) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, "/") {
			return ast.Name(v)
		}
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float64:
		return ast.Float64(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return nil, fmt.Errorf("unsupported fact argument type %T", value)
	}
}

func collectDenials(store factstore.FactStore, predIndex map[string]ast.PredicateSym) ([]string, error) {
	sym, ok := predIndex["deny_scan"]
	if !ok {
		return nil, fmt.Errorf("deny_scan is not declared")
	}

	var reasons []string
	err := store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		reasons = append(reasons, constantString(atom.Args[0]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(reasons)
	return reasons, nil
}

func collectTrims(store factstore.FactStore, predIndex map[string]ast.PredicateSym) (map[string]string, error) {
	sym, ok := predIndex["trim_probe"]
	if !ok {
		return nil, fmt.Errorf("trim_probe is not declared")
	}

	trimmed := make(map[string]string)
	err := store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		name := constantString(atom.Args[0])
		if _, seen := trimmed[name]; !seen {
			trimmed[name] = constantString(atom.Args[1])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trimmed, nil
}

func constantString(term ast.BaseTerm) string {
	if c, ok := term.(ast.Constant); ok {
		switch c.Type {
		case ast.StringType, ast.NameType, ast.BytesType:
			return c.Symbol
		}
		return c.String()
	}
	return fmt.Sprintf("%v", term)
}
