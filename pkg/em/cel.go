package em

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/Veridian-Labs/arbiter/pkg/celenv"
	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// CELSpec is the declarative form of an expression module. Clauses are
// checked in restrictiveness order: forbid, escalate, conditional. The
// first matching clause decides; with no match the module allows.
//
// Clause ordering is what keeps expression modules monotone by
// construction: a clause firing can only be made *more* likely by facts
// that represent higher severity or uncertainty, never less, provided the
// clause expressions themselves are monotone in those facts — which the
// invariance harness checks behaviorally.
type CELSpec struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`

	ForbidWhen      string `json:"forbid_when,omitempty" yaml:"forbid_when,omitempty"`
	EscalateWhen    string `json:"escalate_when,omitempty" yaml:"escalate_when,omitempty"`
	ConditionalWhen string `json:"conditional_when,omitempty" yaml:"conditional_when,omitempty"`

	// Score is an optional numeric expression in [0,1] applied to
	// non-forbidding outcomes. Defaults to 1.
	Score string `json:"score,omitempty" yaml:"score,omitempty"`

	// Hard marks forbid outcomes as unconditional prohibitions.
	Hard bool `json:"hard,omitempty" yaml:"hard,omitempty"`
}

// CELModule evaluates a CELSpec against the fact store.
type CELModule struct {
	name    string
	version *semver.Version
	hard    bool

	forbid      cel.Program
	escalate    cel.Program
	conditional cel.Program
	score       cel.Program
}

// NewCELModule compiles a spec under the deterministic profile. All
// compilation happens at load time; decide-time evaluation cannot hit a
// compile error.
func NewCELModule(spec CELSpec) (*CELModule, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("em: cel module without a name")
	}
	v, err := semver.NewVersion(spec.Version)
	if err != nil {
		return nil, fmt.Errorf("em: module %s version %q: %w", spec.Name, spec.Version, err)
	}
	if spec.ForbidWhen == "" && spec.EscalateWhen == "" && spec.ConditionalWhen == "" {
		return nil, fmt.Errorf("em: module %s has no clauses", spec.Name)
	}

	env, err := celenv.FactsEnv()
	if err != nil {
		return nil, err
	}
	m := &CELModule{name: spec.Name, version: v, hard: spec.Hard}

	compile := func(label, expr string) (cel.Program, error) {
		if expr == "" {
			return nil, nil
		}
		prg, err := celenv.Compile(env, expr)
		if err != nil {
			return nil, fmt.Errorf("em: module %s clause %s: %w", spec.Name, label, err)
		}
		return prg, nil
	}
	if m.forbid, err = compile("forbid_when", spec.ForbidWhen); err != nil {
		return nil, err
	}
	if m.escalate, err = compile("escalate_when", spec.EscalateWhen); err != nil {
		return nil, err
	}
	if m.conditional, err = compile("conditional_when", spec.ConditionalWhen); err != nil {
		return nil, err
	}
	if m.score, err = compile("score", spec.Score); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CELModule) Name() string             { return m.name }
func (m *CELModule) Version() *semver.Version { return m.version }

func (m *CELModule) Evaluate(ctx context.Context, f *facts.Reader) (verdict.Judgement, error) {
	input := map[string]any{"facts": f.Values()}

	clauses := []struct {
		prg    cel.Program
		v      verdict.Verdict
		reason string
	}{
		{m.forbid, verdict.Forbid, m.name + ".forbid"},
		{m.escalate, verdict.Escalate, m.name + ".escalate"},
		{m.conditional, verdict.Conditional, m.name + ".conditional"},
	}
	for _, clause := range clauses {
		if clause.prg == nil {
			continue
		}
		fired, err := celenv.EvalBool(clause.prg, input)
		if err != nil {
			return verdict.Judgement{}, err
		}
		if !fired {
			continue
		}
		j := verdict.Judgement{Verdict: clause.v, ReasonCodes: []string{clause.reason}}
		if clause.v == verdict.Forbid {
			j.Hard = m.hard
			return j, nil
		}
		j.Score, err = m.evalScore(input)
		if err != nil {
			return verdict.Judgement{}, err
		}
		return j, nil
	}

	score, err := m.evalScore(input)
	if err != nil {
		return verdict.Judgement{}, err
	}
	return verdict.Judgement{Verdict: verdict.Allow, Score: score}, nil
}

func (m *CELModule) evalScore(input map[string]any) (float64, error) {
	if m.score == nil {
		return 1, nil
	}
	n, err := celenv.EvalNumber(m.score, input)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 1 {
		return 0, fmt.Errorf("em: module %s score %v outside [0,1]", m.name, n)
	}
	return n, nil
}
