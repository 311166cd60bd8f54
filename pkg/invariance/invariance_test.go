package invariance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/arbiter/pkg/engine"
	"github.com/Veridian-Labs/arbiter/pkg/trace"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

const testCorpus = `
cases:
  - id: para-001
    family: paraphrase
    base:
      action_class: INFORM
      context_tags: [Public_Record]
      severity: LOW
      epistemic: LOW_UNCERTAINTY
      confidence: 0.9
    variant:
      action_class: INFORM
      context_tags: ["  public_record  "]
      severity: LOW
      epistemic: LOW_UNCERTAINTY
      confidence: 0.9
  - id: sev-001
    family: monotonic_severity
    base:
      action_class: PHYSICAL_ACT
      severity: MEDIUM
      epistemic: LOW_UNCERTAINTY
      confidence: 0.9
    variant:
      action_class: PHYSICAL_ACT
      severity: HIGH
      epistemic: LOW_UNCERTAINTY
      confidence: 0.9
whitelist:
  - case_id: sev-001
    reason: classifier gap tracked in AR-114
    approved_by: governance-board
`

func TestParseCorpus(t *testing.T) {
	c, err := ParseCorpus([]byte(testCorpus))
	require.NoError(t, err)
	require.Len(t, c.Cases, 2)
	require.Len(t, c.Whitelist, 1)
	assert.Equal(t, FamilyParaphrase, c.Cases[0].Family)
}

func TestParseCorpusRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown family": `
cases:
  - id: x-1
    family: telepathy
    base: {action_class: INFORM, severity: LOW, epistemic: LOW_UNCERTAINTY}
    variant: {action_class: INFORM, severity: LOW, epistemic: LOW_UNCERTAINTY}
`,
		"duplicate id": `
cases:
  - id: x-1
    family: order
    base: {action_class: INFORM, severity: LOW, epistemic: LOW_UNCERTAINTY}
    variant: {action_class: INFORM, severity: LOW, epistemic: LOW_UNCERTAINTY}
  - id: x-1
    family: order
    base: {action_class: INFORM, severity: LOW, epistemic: LOW_UNCERTAINTY}
    variant: {action_class: INFORM, severity: LOW, epistemic: LOW_UNCERTAINTY}
`,
		"unattributed waiver": `
cases:
  - id: x-1
    family: order
    base: {action_class: INFORM, severity: LOW, epistemic: LOW_UNCERTAINTY}
    variant: {action_class: INFORM, severity: LOW, epistemic: LOW_UNCERTAINTY}
whitelist:
  - case_id: x-1
    reason: because
`,
		"waiver for unknown case": `
cases: []
whitelist:
  - case_id: ghost
    reason: because
    approved_by: someone
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCorpus([]byte(src))
			assert.Error(t, err)
		})
	}
}

// stubDecider maps severity to a fixed verdict so monotonicity violations
// can be staged deliberately.
type stubDecider struct {
	bySeverity map[string]verdict.Verdict
}

func (s *stubDecider) Decide(_ context.Context, req engine.Request) (*engine.Decision, error) {
	v := s.bySeverity[string(req.Descriptor.Severity)]
	dec := &engine.Decision{Trace: trace.Decision{
		Descriptor: req.Descriptor,
		Judgement:  verdict.Judgement{Verdict: v, Score: 1},
	}}
	hash, err := dec.Trace.CanonicalHash()
	if err != nil {
		return nil, err
	}
	dec.TraceHash = hash
	return dec, nil
}

func TestRunFlagsRelaxedVerdictButHonorsWaiver(t *testing.T) {
	// HIGH maps below MEDIUM: a staged monotonicity break.
	d := &stubDecider{bySeverity: map[string]verdict.Verdict{
		"LOW":    verdict.Allow,
		"MEDIUM": verdict.Escalate,
		"HIGH":   verdict.Allow,
	}}
	corpus, err := ParseCorpus([]byte(testCorpus))
	require.NoError(t, err)

	h := NewHarness(d).WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	})
	report, err := h.Run(context.Background(), corpus)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Passed)
	require.Len(t, report.Violations, 1)
	v := report.Violations[0]
	assert.Equal(t, "sev-001", v.CaseID)
	assert.True(t, v.Waived)
	assert.Contains(t, v.Waiver, "governance-board")
	assert.True(t, report.Clean())
}

func TestRunFailsOnUnwaivedViolation(t *testing.T) {
	corpus := Corpus{Cases: []Case{{
		ID:     "sev-x",
		Family: FamilyMonotonicSeverity,
		Base: CaseDescriptor{ActionClass: "PHYSICAL_ACT", Severity: "MEDIUM",
			Epistemic: "LOW_UNCERTAINTY", Confidence: 0.9},
		Variant: CaseDescriptor{ActionClass: "PHYSICAL_ACT", Severity: "HIGH",
			Epistemic: "LOW_UNCERTAINTY", Confidence: 0.9},
	}}}
	d := &stubDecider{bySeverity: map[string]verdict.Verdict{
		"MEDIUM": verdict.Forbid,
		"HIGH":   verdict.Allow,
	}}

	report, err := NewHarness(d).Run(context.Background(), corpus)
	require.NoError(t, err)
	assert.False(t, report.Clean())
}

// paraphraseDecider returns a trace keyed only on the canonical
// descriptor, the way the real engine does.
type paraphraseDecider struct{}

func (paraphraseDecider) Decide(_ context.Context, req engine.Request) (*engine.Decision, error) {
	dec := &engine.Decision{Trace: trace.Decision{
		Descriptor: req.Descriptor,
		Judgement:  verdict.Judgement{Verdict: verdict.Allow, Score: 1},
	}}
	hash, err := dec.Trace.CanonicalHash()
	if err != nil {
		return nil, err
	}
	dec.TraceHash = hash
	return dec, nil
}

func TestRunAcceptsParaphraseInvariance(t *testing.T) {
	corpus, err := ParseCorpus([]byte(testCorpus))
	require.NoError(t, err)
	corpus.Cases = corpus.Cases[:1]
	corpus.Whitelist = nil

	report, err := NewHarness(paraphraseDecider{}).Run(context.Background(), corpus)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Passed)
	assert.True(t, report.Clean())
}
