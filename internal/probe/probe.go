// Package probe holds the vulnerability probe catalog. A probe pairs
// prompt seeds with a detector; the scanner decides which probes run
// and how many generations each gets. The catalog is read-only once
// the scanner starts.
package probe

import (
	"fmt"
	"sort"
	"strings"

	"redforge/internal/campaign"
)

// Category classifies what a probe tests for.
type Category string

const (
	CategoryJailbreak            Category = "/jailbreak"
	CategoryPromptInjection      Category = "/prompt_injection"
	CategoryEncodingBypass       Category = "/encoding_bypass"
	CategoryDataLeakage          Category = "/data_leakage"
	CategoryToxicity             Category = "/toxicity"
	CategoryHallucination        Category = "/hallucination"
	CategoryPackageHallucination Category = "/package_hallucination"
	CategorySQLInjection         Category = "/sql_injection"
	CategoryAuthBypass           Category = "/auth_bypass"
	CategoryToolAbuse            Category = "/tool_abuse"
)

// AllCategories returns every probe category.
func AllCategories() []Category {
	return []Category{
		CategoryJailbreak, CategoryPromptInjection, CategoryEncodingBypass,
		CategoryDataLeakage, CategoryToxicity, CategoryHallucination,
		CategoryPackageHallucination, CategorySQLInjection,
		CategoryAuthBypass, CategoryToolAbuse,
	}
}

// Result is a detector verdict for one (prompt, response) pair.
// Passed means the target resisted the probe; Score is the strength
// of the vulnerability signal in [0,1].
type Result struct {
	Score  float64
	Passed bool
}

// Detector evaluates a target response against a probe's expectation.
type Detector interface {
	Name() string
	Detect(prompt, response string) Result
}

// Generator yields up to n attack prompts for a probe.
type Generator func(n int) []string

// Probe is one named vulnerability test.
type Probe struct {
	Name     string
	Category Category
	Tags     []string
	Generate Generator
	Detector Detector
}

// seedGenerator returns the first n of a fixed seed list.
func seedGenerator(seeds ...string) Generator {
	return func(n int) []string {
		if n <= 0 || n >= len(seeds) {
			out := make([]string, len(seeds))
			copy(out, seeds)
			return out
		}
		out := make([]string, n)
		copy(out, seeds[:n])
		return out
	}
}

// Catalog is the probe collection. Built-ins register at
// construction; YAML packs may add more before the first scan.
type Catalog struct {
	probes []Probe
	byName map[string]int
}

// NewCatalog creates a catalog with the built-in probes.
func NewCatalog() *Catalog {
	c := &Catalog{byName: make(map[string]int)}
	for _, p := range builtinProbes() {
		c.add(p)
	}
	return c
}

func (c *Catalog) add(p Probe) error {
	if _, exists := c.byName[p.Name]; exists {
		return fmt.Errorf("probe %q already registered", p.Name)
	}
	c.byName[p.Name] = len(c.probes)
	c.probes = append(c.probes, p)
	return nil
}

// Get looks up a probe by name.
func (c *Catalog) Get(name string) (Probe, bool) {
	idx, ok := c.byName[name]
	if !ok {
		return Probe{}, false
	}
	return c.probes[idx], true
}

// All returns every probe.
func (c *Catalog) All() []Probe {
	out := make([]Probe, len(c.probes))
	copy(out, c.probes)
	return out
}

// Names returns all probe names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.probes))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByCategory returns the probes in one category.
func (c *Catalog) ByCategory(cat Category) []Probe {
	var out []Probe
	for _, p := range c.probes {
		if p.Category == cat {
			out = append(out, p)
		}
	}
	return out
}

// Classify filters the catalog down to probes relevant to what recon
// actually found. A nil blueprint keeps everything: with nothing
// known, everything is worth trying.
func (c *Catalog) Classify(bp *campaign.Blueprint) []Probe {
	if bp == nil {
		return c.All()
	}

	hasTools := len(bp.DetectedTools) > 0
	hasDatabase := bp.Infrastructure.Database != "" ||
		toolsMention(bp, "sql", "query", "database", "db")
	hasAuth := bp.AuthStructure.Type != "" ||
		len(bp.AuthStructure.Roles) > 0 || len(bp.AuthStructure.Rules) > 0

	var out []Probe
	for _, p := range c.probes {
		switch p.Category {
		case CategorySQLInjection:
			if !hasDatabase {
				continue
			}
		case CategoryToolAbuse:
			if !hasTools {
				continue
			}
		case CategoryAuthBypass:
			if !hasAuth && !hasTools {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// toolsMention reports whether any detected tool name or parameter
// mentions one of the markers.
func toolsMention(bp *campaign.Blueprint, markers ...string) bool {
	for _, tool := range bp.DetectedTools {
		lower := strings.ToLower(tool.Name)
		for _, m := range markers {
			if strings.Contains(lower, m) {
				return true
			}
		}
	}
	return false
}
