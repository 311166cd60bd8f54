package dag

import (
	"sort"

	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// aggregate combines child judgements under the fixed aggregator semantics:
//
//   - Any FORBID child absorbs: the aggregate is FORBID and the reason
//     codes are the union of all forbidding children's reasons. Forbidding
//     children never contribute to a score.
//   - Otherwise ESCALATE dominates CONDITIONAL dominates ALLOW.
//   - The score over non-forbidding children is the weighted minimum
//     min_i(1 - w_i*(1 - s_i)): a weight scales a child's penalty, and the
//     worst weighted child decides. Monotone in every child score, which
//     is all the structural invariants require of the combination.
//
// weights may be nil (all ones). These semantics are an invariant of the
// engine, not per-instance configuration.
func aggregate(children []verdict.Judgement, weights []float64) verdict.Judgement {
	var forbidding []verdict.Judgement
	for _, c := range children {
		if c.Verdict == verdict.Forbid {
			forbidding = append(forbidding, c)
		}
	}
	if len(forbidding) > 0 {
		out := verdict.Judgement{Verdict: verdict.Forbid}
		for _, f := range forbidding {
			out.ReasonCodes = append(out.ReasonCodes, f.ReasonCodes...)
			out.Hard = out.Hard || f.Hard
		}
		out.ReasonCodes = dedupReasons(out.ReasonCodes)
		return out
	}

	out := verdict.Judgement{Verdict: verdict.Allow, Score: 1}
	for i, c := range children {
		out.Verdict = verdict.MostRestrictive(out.Verdict, c.Verdict)
		out.ReasonCodes = append(out.ReasonCodes, c.ReasonCodes...)

		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		weighted := 1 - w*(1-c.Score)
		if weighted < 0 {
			weighted = 0
		}
		if weighted < out.Score {
			out.Score = weighted
		}
	}
	out.ReasonCodes = dedupReasons(out.ReasonCodes)
	return out
}

func dedupReasons(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
