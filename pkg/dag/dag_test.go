package dag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/em"
	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/trace"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// The bundle used across evaluation tests: a constraint lens over a
// privacy module and a harm branch.
const testBundle = `
version: "1.0.0"
constraint: lens
branches: [harm]
nodes:
  - id: lens
    kind: aggregator
    children: [lens.privacy]
    envelope:
      max_severity: CATASTROPHIC
  - id: lens.privacy
    kind: module
    module:
      type: cel
      cel:
        name: privacy.nonconsent
        version: "1.0.0"
        forbid_when: 'facts["nonconsensual_accusation"] == true'
        hard: true
  - id: harm
    kind: aggregator
    children: [harm.severity, harm.uncertainty]
  - id: harm.severity
    kind: module
    module:
      type: cel
      cel:
        name: harm.severity
        version: "1.0.0"
        escalate_when: 'facts["severity_rank"] >= 3.0'
        conditional_when: 'facts["severity_rank"] >= 2.0'
        score: '1.0 - facts["severity_rank"] / 4.0'
  - id: harm.uncertainty
    kind: module
    module:
      type: cel
      cel:
        name: harm.uncertainty
        version: "1.0.0"
        escalate_when: 'facts["epistemic_rank"] >= 2.0'
        score: '1.0 - facts["epistemic_rank"] / 2.0'
`

func loadTestGraph(t *testing.T) *Graph {
	t.Helper()
	cfg, err := ParseConfig([]byte(testBundle))
	require.NoError(t, err)
	g, err := Load(context.Background(), cfg, LoadOptions{})
	require.NoError(t, err)
	return g
}

func testStore(t *testing.T, nonconsent bool, sevRank, epiRank float64) *facts.Store {
	t.Helper()
	s, err := facts.NewStore([]facts.Fact{
		{Name: "nonconsensual_accusation", Value: nonconsent, Provenance: facts.ProvenanceRule, Confidence: 1},
		{Name: "severity_rank", Value: sevRank, Provenance: facts.ProvenanceRule, Confidence: 1},
		{Name: "epistemic_rank", Value: epiRank, Provenance: facts.ProvenanceRule, Confidence: 1},
	})
	require.NoError(t, err)
	return s
}

func testEvaluator() *Evaluator {
	return NewEvaluator(em.NewRuntime(time.Second, nil), 4, nil)
}

func mustDescriptor(t *testing.T, class string, sev descriptor.Severity, tags ...string) descriptor.Descriptor {
	t.Helper()
	d, err := descriptor.New(class, tags, sev, descriptor.EpistemicLowUncertainty, 1)
	require.NoError(t, err)
	return d
}

func TestConstraintForbidShortCircuits(t *testing.T) {
	g := loadTestGraph(t)
	d := mustDescriptor(t, "PUBLISH_PRIVATE_DATA", descriptor.SeverityHigh, "accusation", "no_consent")

	res, err := testEvaluator().Evaluate(context.Background(), g, testStore(t, true, 2, 0), d)
	require.NoError(t, err)

	assert.Equal(t, verdict.Forbid, res.Judgement.Verdict)
	assert.True(t, res.Judgement.Hard)
	assert.Contains(t, res.Judgement.ReasonCodes, "privacy.nonconsent.forbid")

	byID := tracesByID(res.Nodes)
	assert.True(t, byID["harm"].Skipped, "branches below a forbidding constraint set must not run")
	assert.True(t, byID["harm.severity"].Skipped)
	assert.False(t, byID["lens"].Skipped)
}

func TestAllowPathAggregatesScores(t *testing.T) {
	g := loadTestGraph(t)
	d := mustDescriptor(t, "PUBLISH_PRIVATE_DATA", descriptor.SeverityLow, "consented", "private_context")

	res, err := testEvaluator().Evaluate(context.Background(), g, testStore(t, false, 0, 0), d)
	require.NoError(t, err)

	assert.Equal(t, verdict.Allow, res.Judgement.Verdict)
	assert.InDelta(t, 1.0, res.Judgement.Score, 1e-9)

	byID := tracesByID(res.Nodes)
	assert.False(t, byID["harm.severity"].Skipped)
	assert.Equal(t, verdict.Allow, byID["harm"].Judgement.Verdict)
}

func TestEscalateDominatesConditional(t *testing.T) {
	g := loadTestGraph(t)
	d := mustDescriptor(t, "X", descriptor.SeverityCatastrophic)

	// severity_rank 3: harm.severity escalates; harm.uncertainty allows.
	res, err := testEvaluator().Evaluate(context.Background(), g, testStore(t, false, 3, 0), d)
	require.NoError(t, err)
	assert.Equal(t, verdict.Escalate, res.Judgement.Verdict)

	// severity_rank 2: conditional only.
	res, err = testEvaluator().Evaluate(context.Background(), g, testStore(t, false, 2, 0), d)
	require.NoError(t, err)
	assert.Equal(t, verdict.Conditional, res.Judgement.Verdict)
	assert.InDelta(t, 0.5, res.Judgement.Score, 1e-9, "weighted minimum takes the worst branch score")
}

func TestEnvelopeExclusionForbids(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
version: "1.0.0"
constraint: lens
branches: [branch]
nodes:
  - id: lens
    kind: aggregator
    children: []
    default: ALLOW
    envelope:
      action_classes: [NOTIFY]
  - id: branch
    kind: aggregator
    children: []
    default: ALLOW
`))
	require.NoError(t, err)
	g, err := Load(context.Background(), cfg, LoadOptions{})
	require.NoError(t, err)

	res, err := testEvaluator().Evaluate(context.Background(), g,
		testStore(t, false, 0, 0), mustDescriptor(t, "PUBLISH_PRIVATE_DATA", descriptor.SeverityLow))
	require.NoError(t, err)
	assert.Equal(t, verdict.Forbid, res.Judgement.Verdict)
	assert.Contains(t, res.Judgement.ReasonCodes, ReasonEnvelopeExcluded+".lens")

	res, err = testEvaluator().Evaluate(context.Background(), g,
		testStore(t, false, 0, 0), mustDescriptor(t, "NOTIFY", descriptor.SeverityLow))
	require.NoError(t, err)
	assert.Equal(t, verdict.Allow, res.Judgement.Verdict)
}

func TestBuiltinModuleNodes(t *testing.T) {
	forbidAll, err := em.NewFunc("forbid.all", "1.0.0",
		func(context.Context, *facts.Reader) (verdict.Judgement, error) {
			return verdict.Judgement{Verdict: verdict.Forbid, ReasonCodes: []string{"forbid.all"}}, nil
		})
	require.NoError(t, err)

	cfg, err := ParseConfig([]byte(`
version: "1.0.0"
constraint: lens
branches: [branch]
nodes:
  - id: lens
    kind: aggregator
    children: []
    default: ALLOW
  - id: branch
    kind: module
    module:
      type: builtin
      builtin: forbid.all
`))
	require.NoError(t, err)
	g, err := Load(context.Background(), cfg, LoadOptions{Builtins: map[string]em.Module{"forbid.all": forbidAll}})
	require.NoError(t, err)

	res, err := testEvaluator().Evaluate(context.Background(), g,
		testStore(t, false, 0, 0), mustDescriptor(t, "X", descriptor.SeverityLow))
	require.NoError(t, err)
	assert.Equal(t, verdict.Forbid, res.Judgement.Verdict)
	assert.Equal(t, []string{"forbid.all"}, res.Judgement.ReasonCodes)
}

func TestCancellationPropagates(t *testing.T) {
	g := loadTestGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testEvaluator().Evaluate(ctx, g, testStore(t, false, 0, 0),
		mustDescriptor(t, "X", descriptor.SeverityLow))
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func tracesByID(nodes []trace.Node) map[string]trace.Node {
	out := make(map[string]trace.Node, len(nodes))
	for _, n := range nodes {
		out[n.NodeID] = n
	}
	return out
}
