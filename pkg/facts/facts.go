// Package facts implements the Ethical Fact Store: typed, provenance-tagged
// predicates derived deterministically from an Action Descriptor.
//
// A store is built fresh for each decision and is read-only after
// construction. It is a set keyed by fact name — extraction order can never
// be observed downstream.
package facts

import (
	"errors"
	"fmt"
	"sort"
)

// Provenance records how a fact was derived.
type Provenance string

const (
	ProvenanceRule          Provenance = "RULE"
	ProvenanceClassifier    Provenance = "CLASSIFIER"
	ProvenanceHybrid        Provenance = "HYBRID"
	ProvenanceHumanAttested Provenance = "HUMAN_ATTESTED"
)

// Valid reports whether p is a known provenance tag.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceRule, ProvenanceClassifier, ProvenanceHybrid, ProvenanceHumanAttested:
		return true
	}
	return false
}

// Fact is a named predicate with a value, provenance and confidence.
// Values are bool, float64 or string.
type Fact struct {
	Name       string     `json:"name"`
	Value      any        `json:"value"`
	Provenance Provenance `json:"provenance"`
	Confidence float64    `json:"confidence"`
}

func (f Fact) validate() error {
	if f.Name == "" {
		return errors.New("facts: empty fact name")
	}
	switch f.Value.(type) {
	case bool, float64, int, int64, string:
	default:
		return fmt.Errorf("facts: %s has unsupported value type %T", f.Name, f.Value)
	}
	if !f.Provenance.Valid() {
		return fmt.Errorf("facts: %s has unknown provenance %q", f.Name, f.Provenance)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("facts: %s confidence %v outside [0,1]", f.Name, f.Confidence)
	}
	return nil
}

// Store is an immutable set of facts keyed by name.
type Store struct {
	facts map[string]Fact
	names []string // sorted
}

// NewStore builds an immutable store. A duplicate fact name is a
// configuration error: the store fails closed rather than letting one
// writer silently shadow another.
func NewStore(list []Fact) (*Store, error) {
	facts := make(map[string]Fact, len(list))
	for _, f := range list {
		if err := f.validate(); err != nil {
			return nil, err
		}
		if _, dup := facts[f.Name]; dup {
			return nil, fmt.Errorf("facts: duplicate fact %q", f.Name)
		}
		if n, ok := f.Value.(int); ok {
			f.Value = float64(n)
		}
		if n, ok := f.Value.(int64); ok {
			f.Value = float64(n)
		}
		facts[f.Name] = f
	}
	names := make([]string, 0, len(facts))
	for name := range facts {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Store{facts: facts, names: names}, nil
}

// Get returns the named fact.
func (s *Store) Get(name string) (Fact, bool) {
	f, ok := s.facts[name]
	return f, ok
}

// Bool returns the boolean value of the named fact. Missing facts and
// non-boolean facts read as false: the fact store is closed-world.
func (s *Store) Bool(name string) bool {
	f, ok := s.facts[name]
	if !ok {
		return false
	}
	b, ok := f.Value.(bool)
	return ok && b
}

// Number returns the numeric value of the named fact, or 0 when absent.
func (s *Store) Number(name string) float64 {
	f, ok := s.facts[name]
	if !ok {
		return 0
	}
	n, ok := f.Value.(float64)
	if !ok {
		return 0
	}
	return n
}

// Names returns the sorted fact names.
func (s *Store) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of facts.
func (s *Store) Len() int { return len(s.names) }

// Values returns a name-to-value map suitable as expression input.
func (s *Store) Values() map[string]any {
	out := make(map[string]any, len(s.facts))
	for name, f := range s.facts {
		out[name] = f.Value
	}
	return out
}
