package facts

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Veridian-Labs/arbiter/pkg/celenv"
	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
)

// CELRule is the declarative form of one expression-derived fact.
type CELRule struct {
	Fact       string     `json:"fact" yaml:"fact"`
	Expression string     `json:"expression" yaml:"expression"`
	Provenance Provenance `json:"provenance" yaml:"provenance"`
	Confidence float64    `json:"confidence" yaml:"confidence"`
}

// CELExtractor evaluates a set of boolean CEL expressions over the
// descriptor, one per fact. Expressions are compiled once at load time
// under the deterministic profile; a compile failure refuses the
// configuration rather than surfacing at decide time.
type CELExtractor struct {
	name     string
	programs map[string]cel.Program
	rules    []CELRule
}

// NewCELExtractor compiles the rules into an extractor.
func NewCELExtractor(name string, rules []CELRule) (*CELExtractor, error) {
	env, err := celenv.DescriptorEnv()
	if err != nil {
		return nil, err
	}
	programs := make(map[string]cel.Program, len(rules))
	for _, rule := range rules {
		if rule.Fact == "" {
			return nil, fmt.Errorf("facts: extractor %s has a rule without a fact name", name)
		}
		if _, dup := programs[rule.Fact]; dup {
			return nil, fmt.Errorf("%w: %q declared twice in extractor %s", ErrDuplicateWriter, rule.Fact, name)
		}
		prov := rule.Provenance
		if prov == "" {
			prov = ProvenanceRule
		}
		if !prov.Valid() {
			return nil, fmt.Errorf("facts: extractor %s rule %s: unknown provenance %q", name, rule.Fact, rule.Provenance)
		}
		prg, err := celenv.Compile(env, rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("facts: extractor %s rule %s: %w", name, rule.Fact, err)
		}
		programs[rule.Fact] = prg
	}
	return &CELExtractor{name: name, programs: programs, rules: rules}, nil
}

func (e *CELExtractor) Name() string { return e.name }

func (e *CELExtractor) Writes() []string {
	out := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule.Fact)
	}
	return out
}

func (e *CELExtractor) Extract(d descriptor.Descriptor) ([]Fact, error) {
	input := map[string]any{
		"action_class":   d.ActionClass,
		"context_tags":   d.ContextTags,
		"severity_rank":  d.Severity.Rank(),
		"epistemic_rank": d.Epistemic.Rank(),
		"confidence":     d.Confidence,
	}
	out := make([]Fact, 0, len(e.rules))
	for _, rule := range e.rules {
		value, err := celenv.EvalBool(e.programs[rule.Fact], input)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Fact, err)
		}
		prov := rule.Provenance
		if prov == "" {
			prov = ProvenanceRule
		}
		conf := rule.Confidence
		if conf == 0 {
			conf = 1
		}
		out = append(out, Fact{Name: rule.Fact, Value: value, Provenance: prov, Confidence: conf})
	}
	return out, nil
}
