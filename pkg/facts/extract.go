package facts

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
)

// ErrDuplicateWriter marks two extraction rules registered for the same
// fact name. Detected at load time; the process refuses to start.
var ErrDuplicateWriter = errors.New("facts: duplicate fact writer")

// Extractor derives facts from an Action Descriptor. Extractors are pure:
// no I/O, no clock, no state. Anything a fact needs must already be in the
// descriptor.
type Extractor interface {
	// Name identifies the extractor in configuration errors.
	Name() string

	// Writes declares the fact names this extractor may produce.
	// Declarations are binding: producing an undeclared fact is a fault.
	Writes() []string

	// Extract derives facts from the descriptor.
	Extract(d descriptor.Descriptor) ([]Fact, error)
}

// Registry holds the loaded extraction rules for the life of the process.
type Registry struct {
	extractors []Extractor
	writers    map[string]string // fact name -> extractor name
}

// NewRegistry validates and freezes a set of extraction rules.
// Two extractors declaring the same fact name is a configuration error.
func NewRegistry(extractors ...Extractor) (*Registry, error) {
	writers := make(map[string]string)
	for _, ex := range extractors {
		for _, fact := range ex.Writes() {
			if prev, dup := writers[fact]; dup {
				return nil, fmt.Errorf("%w: %q declared by both %s and %s",
					ErrDuplicateWriter, fact, prev, ex.Name())
			}
			writers[fact] = ex.Name()
		}
	}
	return &Registry{extractors: extractors, writers: writers}, nil
}

// Extract builds a fresh immutable store for one decision. Extractors run
// in registration order but the result is a set; ordering cannot leak.
func (r *Registry) Extract(d descriptor.Descriptor) (*Store, error) {
	var all []Fact
	for _, ex := range r.extractors {
		derived, err := ex.Extract(d)
		if err != nil {
			return nil, fmt.Errorf("facts: extractor %s: %w", ex.Name(), err)
		}
		for _, f := range derived {
			if r.writers[f.Name] != ex.Name() {
				return nil, fmt.Errorf("facts: extractor %s produced undeclared fact %q", ex.Name(), f.Name)
			}
			all = append(all, f)
		}
	}
	return NewStore(all)
}

// Writers returns the sorted fact names the registry can produce.
func (r *Registry) Writers() []string {
	out := make([]string, 0, len(r.writers))
	for name := range r.writers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DescriptorFacts is the builtin extractor that materializes the descriptor
// itself as rule-derived facts: the action class, the ordered bands as
// ranks, and one boolean fact per context tag under the "tag." prefix.
type DescriptorFacts struct {
	// KnownTags bounds the tag fact space. Only listed tags become facts;
	// unknown tags are ignored rather than minted into an open vocabulary.
	KnownTags []string
}

func (DescriptorFacts) Name() string { return "builtin.descriptor" }

func (e DescriptorFacts) Writes() []string {
	names := []string{"action_class", "severity_rank", "epistemic_rank", "confidence"}
	for _, t := range e.KnownTags {
		names = append(names, "tag."+descriptor.NormalizeTag(t))
	}
	return names
}

func (e DescriptorFacts) Extract(d descriptor.Descriptor) ([]Fact, error) {
	out := []Fact{
		{Name: "action_class", Value: d.ActionClass, Provenance: ProvenanceRule, Confidence: 1},
		{Name: "severity_rank", Value: float64(d.Severity.Rank()), Provenance: ProvenanceRule, Confidence: 1},
		{Name: "epistemic_rank", Value: float64(d.Epistemic.Rank()), Provenance: ProvenanceRule, Confidence: 1},
		{Name: "confidence", Value: d.Confidence, Provenance: ProvenanceRule, Confidence: 1},
	}
	for _, t := range e.KnownTags {
		n := descriptor.NormalizeTag(t)
		out = append(out, Fact{
			Name:       "tag." + n,
			Value:      d.HasTag(n),
			Provenance: ProvenanceRule,
			Confidence: 1,
		})
	}
	return out, nil
}
