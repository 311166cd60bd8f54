// Package em implements the Ethical Module contract and runtime.
//
// An ethical module is a named, versioned pure function from facts to a
// judgement. Modules carry no internal state and produce no side effects,
// which is what makes parallel evaluation of independent governance
// branches safe. The runtime wraps every invocation with a timeout, panic
// recovery and fact-access recording; a failing module escalates, it never
// fails open.
package em

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// Module is one unit of policy logic.
type Module interface {
	// Name identifies the module in traces and reason codes.
	Name() string

	// Version is the module's semantic version.
	Version() *semver.Version

	// Evaluate derives a judgement from the fact store. Implementations
	// must be pure and must honor ctx cancellation on long computations.
	Evaluate(ctx context.Context, f *facts.Reader) (verdict.Judgement, error)
}

// Func adapts a plain Go function into a Module.
type Func struct {
	name    string
	version *semver.Version
	fn      func(ctx context.Context, f *facts.Reader) (verdict.Judgement, error)
}

// NewFunc builds a builtin module. The version string must be valid semver.
func NewFunc(name, version string, fn func(ctx context.Context, f *facts.Reader) (verdict.Judgement, error)) (*Func, error) {
	if name == "" {
		return nil, fmt.Errorf("em: empty module name")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("em: module %s version %q: %w", name, version, err)
	}
	return &Func{name: name, version: v, fn: fn}, nil
}

func (m *Func) Name() string             { return m.name }
func (m *Func) Version() *semver.Version { return m.version }

func (m *Func) Evaluate(ctx context.Context, f *facts.Reader) (verdict.Judgement, error) {
	return m.fn(ctx, f)
}
