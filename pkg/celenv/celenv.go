// Package celenv provides the deterministic CEL profile shared by fact
// extraction rules and expression-based ethical modules.
//
// Policy expressions must be pure: given the same descriptor and facts they
// must produce the same value on every evaluation, on every replica.
// Wall-clock, randomness and regular expressions are therefore rejected at
// compile time, and every program carries an interrupt check and a hard
// cost limit.
package celenv

import (
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
)

// costLimit bounds the computational complexity of any single expression.
const costLimit = 10000

// bannedFunctions are CEL constructs forbidden by the deterministic profile.
var bannedFunctions = []string{
	"now",
	"timestamp",
	"duration",
	"rand",
	"uuid",
	"matches",
	"getDate",
	"getDayOfWeek",
	"getFullYear",
	"getHours",
	"getMinutes",
	"getSeconds",
}

var bannedPattern = buildBannedPattern()

func buildBannedPattern() *regexp.Regexp {
	alt := ""
	for i, fn := range bannedFunctions {
		if i > 0 {
			alt += "|"
		}
		alt += regexp.QuoteMeta(fn)
	}
	return regexp.MustCompile(`\b(` + alt + `)\s*\(`)
}

// ValidateDeterministic rejects expressions that reference nondeterministic
// or unbounded constructs.
func ValidateDeterministic(expr string) error {
	if m := bannedPattern.FindString(expr); m != "" {
		return fmt.Errorf("celenv: %q is outside the deterministic profile", m)
	}
	return nil
}

// DescriptorEnv returns the environment for fact-extraction expressions.
// Available variables mirror the Action Descriptor.
func DescriptorEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("action_class", cel.StringType),
		cel.Variable("context_tags", cel.ListType(cel.StringType)),
		cel.Variable("severity_rank", cel.IntType),
		cel.Variable("epistemic_rank", cel.IntType),
		cel.Variable("confidence", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("celenv: descriptor env: %w", err)
	}
	return env, nil
}

// FactsEnv returns the environment for ethical-module expressions.
// The whole fact store is exposed as a dynamic map.
func FactsEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("celenv: facts env: %w", err)
	}
	return env, nil
}

// Compile checks the expression against the deterministic profile and
// builds a bounded program.
func Compile(env *cel.Env, expr string) (cel.Program, error) {
	if err := ValidateDeterministic(expr); err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celenv: compile: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("celenv: program: %w", err)
	}
	return prg, nil
}

// EvalBool evaluates a compiled program expecting a boolean result.
func EvalBool(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("celenv: eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("celenv: result is %T, want bool", out.Value())
	}
	return b, nil
}

// EvalNumber evaluates a compiled program expecting a numeric result.
func EvalNumber(prg cel.Program, input map[string]any) (float64, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return 0, fmt.Errorf("celenv: eval: %w", err)
	}
	switch v := out.Value().(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("celenv: result is %T, want number", out.Value())
}
