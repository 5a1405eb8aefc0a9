// Package converter transforms exploit payloads before they reach the
// target. Converters compose into chains; a chain is fault tolerant,
// skipping a failed step and continuing from the last good text so a
// broken converter never kills an iteration.
package converter

import (
	"fmt"
	"sort"
	"sync"

	"redforge/internal/logging"
)

// Category groups converters by transformation style.
type Category string

const (
	CategoryEncoding    Category = "/encoding"
	CategoryObfuscation Category = "/obfuscation"
	CategoryEscape      Category = "/escape"
	CategoryLinguistic  Category = "/linguistic"
	CategorySelective   Category = "/selective"
)

// Converter is one payload transformation.
type Converter interface {
	Name() string
	Category() Category
	Transform(text string) (string, error)
}

// StepRecord documents one chain step for the iteration audit trail.
type StepRecord struct {
	Converter string `json:"converter"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
	Output    string `json:"output,omitempty"`
}

// Registry holds the available converters. Built-ins are registered
// at construction; plugins join at load time.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

// NewRegistry creates a registry pre-populated with the built-in
// converter set.
func NewRegistry() *Registry {
	r := &Registry{converters: make(map[string]Converter)}
	for _, c := range builtins() {
		r.converters[c.Name()] = c
	}
	return r
}

// Register adds a converter. Names are unique.
func (r *Registry) Register(c Converter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.converters[c.Name()]; exists {
		return fmt.Errorf("converter %q already registered", c.Name())
	}
	r.converters[c.Name()] = c
	return nil
}

// Get looks up a converter by name.
func (r *Registry) Get(name string) (Converter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[name]
	return c, ok
}

// List returns all registered converter names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.converters))
	for name := range r.converters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain resolves names into an ordered chain. Unknown names fail the
// whole resolution so a typo'd strategy is caught before execution.
func (r *Registry) Chain(names ...string) (Chain, error) {
	chain := make(Chain, 0, len(names))
	for _, name := range names {
		c, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown converter %q", name)
		}
		chain = append(chain, c)
	}
	return chain, nil
}

// Chain is an ordered converter sequence. The empty chain is the
// identity transform.
type Chain []Converter

// Names returns the chain's converter names in order.
func (ch Chain) Names() []string {
	names := make([]string, len(ch))
	for i, c := range ch {
		names[i] = c.Name()
	}
	return names
}

// Apply runs the chain left to right and returns the final text with
// a record per step. A failing step is recorded and skipped; the next
// step continues from the last good text. When the input carries
// selective delimiters, only the marked spans are transformed and the
// delimiters are removed from the output.
func (ch Chain) Apply(text string) (string, []StepRecord) {
	segs, _ := splitSelective(text)
	steps := make([]StepRecord, 0, len(ch))

	for _, c := range ch {
		rec := StepRecord{Converter: c.Name(), Succeeded: true}
		for i := range segs {
			if !segs[i].marked {
				continue
			}
			out, err := c.Transform(segs[i].text)
			if err != nil {
				rec.Succeeded = false
				rec.Error = err.Error()
				logging.Get(logging.CategoryConverter).Warn("Step %s failed, continuing from last good text: %v", c.Name(), err)
				continue
			}
			segs[i].text = out
		}
		rec.Output = joinSegments(segs)
		steps = append(steps, rec)
	}

	return joinSegments(segs), steps
}
