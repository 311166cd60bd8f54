// Package verdict defines the closed judgement vocabulary of the decision
// engine. Every policy outcome is one of four verdicts with a total
// restrictiveness order, so aggregation logic can be exhaustively matched
// and monotonicity can be checked mechanically.
package verdict

import "fmt"

// Verdict is the policy outcome of a module or an aggregate.
type Verdict string

const (
	Allow       Verdict = "ALLOW"
	Conditional Verdict = "CONDITIONAL"
	Escalate    Verdict = "ESCALATE"
	Forbid      Verdict = "FORBID"
)

// Rank returns the restrictiveness rank: ALLOW < CONDITIONAL < ESCALATE < FORBID.
func (v Verdict) Rank() int {
	switch v {
	case Allow:
		return 0
	case Conditional:
		return 1
	case Escalate:
		return 2
	case Forbid:
		return 3
	}
	return -1
}

// Valid reports whether v is a member of the closed verdict set.
func (v Verdict) Valid() bool {
	return v.Rank() >= 0
}

// AtLeastAsRestrictive reports whether v is >= other in the restrictiveness order.
func (v Verdict) AtLeastAsRestrictive(other Verdict) bool {
	return v.Rank() >= other.Rank()
}

// MostRestrictive returns the dominating verdict of a and b.
func MostRestrictive(a, b Verdict) Verdict {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Judgement is the output of one ethical module or aggregator node.
// Score is meaningful only when Verdict != FORBID; a forbidding judgement
// dominates regardless of any score.
type Judgement struct {
	Verdict     Verdict  `json:"verdict"`
	Score       float64  `json:"score"`
	ReasonCodes []string `json:"reason_codes,omitempty"`

	// Hard marks an unconditional prohibition that no sign-off can lift.
	Hard bool `json:"hard,omitempty"`
}

// Validate rejects judgements outside the closed vocabulary. Modules are
// untrusted with respect to shape: a malformed judgement is a module fault.
func (j Judgement) Validate() error {
	if !j.Verdict.Valid() {
		return fmt.Errorf("verdict: unknown verdict %q", j.Verdict)
	}
	if j.Score < 0 || j.Score > 1 {
		return fmt.Errorf("verdict: score %v outside [0,1]", j.Score)
	}
	return nil
}

// Fault converts a module failure into a conservative judgement.
// Faults escalate; they never allow and they are never silently skipped.
func Fault(code string) Judgement {
	return Judgement{
		Verdict:     Escalate,
		Score:       0,
		ReasonCodes: []string{code},
	}
}
