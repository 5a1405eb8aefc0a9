package probe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"redforge/internal/logging"
)

// Probe packs let operators ship extra probes as YAML without
// touching the binary. Packs load at startup, before the catalog is
// handed to the scanner.

// PackFile is the YAML layout of a probe pack.
type PackFile struct {
	Name   string      `yaml:"name"`
	Probes []PackProbe `yaml:"probes"`
}

// PackProbe declares one probe in a pack.
type PackProbe struct {
	Name     string       `yaml:"name"`
	Category string       `yaml:"category"`
	Tags     []string     `yaml:"tags,omitempty"`
	Prompts  []string     `yaml:"prompts"`
	Detector PackDetector `yaml:"detector"`
}

// PackDetector declares the detector for a pack probe.
type PackDetector struct {
	Type      string   `yaml:"type"` // keyword or regex
	Patterns  []string `yaml:"patterns"`
	Threshold float64  `yaml:"threshold,omitempty"`
}

// LoadPack parses one pack file and registers its probes.
func (c *Catalog) LoadPack(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading probe pack %s: %w", path, err)
	}

	var pack PackFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return fmt.Errorf("parsing probe pack %s: %w", path, err)
	}

	for _, decl := range pack.Probes {
		p, err := buildPackProbe(decl)
		if err != nil {
			return fmt.Errorf("pack %s: %w", pack.Name, err)
		}
		if err := c.add(p); err != nil {
			return fmt.Errorf("pack %s: %w", pack.Name, err)
		}
	}

	logging.Get(logging.CategoryScan).Info("Loaded probe pack %q: %d probes", pack.Name, len(pack.Probes))
	return nil
}

// LoadPackDir loads every .yaml/.yml file in dir. A broken pack is
// logged and skipped.
func (c *Catalog) LoadPackDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading probe pack dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		if err := c.LoadPack(filepath.Join(dir, name)); err != nil {
			logging.Get(logging.CategoryScan).Warn("Skipping probe pack: %v", err)
		}
	}
	return nil
}

func buildPackProbe(decl PackProbe) (Probe, error) {
	if decl.Name == "" {
		return Probe{}, fmt.Errorf("probe without a name")
	}
	if len(decl.Prompts) == 0 {
		return Probe{}, fmt.Errorf("probe %q has no prompts", decl.Name)
	}

	category, err := parseCategory(decl.Category)
	if err != nil {
		return Probe{}, fmt.Errorf("probe %q: %w", decl.Name, err)
	}

	detector, err := buildPackDetector(decl.Name, decl.Detector)
	if err != nil {
		return Probe{}, fmt.Errorf("probe %q: %w", decl.Name, err)
	}

	return Probe{
		Name:     decl.Name,
		Category: category,
		Tags:     decl.Tags,
		Generate: seedGenerator(decl.Prompts...),
		Detector: detector,
	}, nil
}

func parseCategory(s string) (Category, error) {
	c := Category("/" + strings.TrimPrefix(strings.TrimSpace(s), "/"))
	for _, known := range AllCategories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

func buildPackDetector(probeName string, decl PackDetector) (Detector, error) {
	if len(decl.Patterns) == 0 {
		return nil, fmt.Errorf("detector has no patterns")
	}
	name := "pack." + probeName
	switch decl.Type {
	case "keyword", "":
		return &KeywordDetector{DetectorName: name, Patterns: decl.Patterns, Threshold: decl.Threshold}, nil
	case "regex":
		return NewRegexDetector(name, decl.Threshold, decl.Patterns...)
	default:
		return nil, fmt.Errorf("unknown detector type %q", decl.Type)
	}
}
