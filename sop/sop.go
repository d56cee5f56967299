// Package sop loads standard-operating-procedure definitions: the
// preconditions, required slots and slot extractors the evaluator
// consults once a plan's last step succeeds.
package sop

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Extractor pulls a slot value out of a named agent's output via a
// dotted JSON path. Extractors are applied in Priority order; the first
// one that finds a non-nil value at its path wins.
type Extractor struct {
	Slot     string `yaml:"slot"`
	From     string `yaml:"from"`
	Path     string `yaml:"path"`
	Priority int    `yaml:"priority"`
}

// Precondition names an agent call that must have happened before this
// SOP is considered satisfied.
type Precondition struct {
	ID    string `yaml:"id"`
	Agent string `yaml:"agent"`
}

// Definition is one SOP, keyed by the intent it governs.
type Definition struct {
	Intent        string         `yaml:"intent"`
	RequiredSlots []string       `yaml:"required_slots"`
	Preconditions []Precondition `yaml:"preconditions"`
	Extractors    []Extractor    `yaml:"extractors"`
}

// Registry maps intent to its Definition.
type Registry struct {
	byIntent map[string]Definition
}

// Load parses a YAML file containing a top-level list of Definitions.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadBytes(data)
}

// LoadBytes parses YAML already read into memory.
func LoadBytes(data []byte) (*Registry, error) {
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, err
	}
	return NewRegistry(defs), nil
}

// NewRegistry builds a Registry from an in-memory definition list, each
// sorted by extractor priority for deterministic lookup.
func NewRegistry(defs []Definition) *Registry {
	r := &Registry{byIntent: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		sorted := append([]Extractor(nil), d.Extractors...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
		d.Extractors = sorted
		r.byIntent[d.Intent] = d
	}
	return r
}

// Lookup returns the Definition governing intent, if any.
func (r *Registry) Lookup(intent string) (Definition, bool) {
	d, ok := r.byIntent[intent]
	return d, ok
}
