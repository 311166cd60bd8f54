package em

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

func store(t *testing.T, list ...facts.Fact) *facts.Store {
	t.Helper()
	s, err := facts.NewStore(list)
	require.NoError(t, err)
	return s
}

func boolFact(name string, v bool) facts.Fact {
	return facts.Fact{Name: name, Value: v, Provenance: facts.ProvenanceRule, Confidence: 1}
}

func numFact(name string, v float64) facts.Fact {
	return facts.Fact{Name: name, Value: v, Provenance: facts.ProvenanceRule, Confidence: 1}
}

func TestCELModuleClauses(t *testing.T) {
	m, err := NewCELModule(CELSpec{
		Name:         "privacy.nonconsent",
		Version:      "1.0.0",
		ForbidWhen:   `facts["nonconsensual_accusation"] == true`,
		EscalateWhen: `facts["severity_rank"] >= 3.0`,
		Score:        `1.0 - facts["severity_rank"] / 4.0`,
		Hard:         true,
	})
	require.NoError(t, err)

	j, err := m.Evaluate(context.Background(),
		facts.NewReader(store(t, boolFact("nonconsensual_accusation", true), numFact("severity_rank", 2))))
	require.NoError(t, err)
	assert.Equal(t, verdict.Forbid, j.Verdict)
	assert.True(t, j.Hard)
	assert.Equal(t, []string{"privacy.nonconsent.forbid"}, j.ReasonCodes)

	j, err = m.Evaluate(context.Background(),
		facts.NewReader(store(t, boolFact("nonconsensual_accusation", false), numFact("severity_rank", 3))))
	require.NoError(t, err)
	assert.Equal(t, verdict.Escalate, j.Verdict)

	j, err = m.Evaluate(context.Background(),
		facts.NewReader(store(t, boolFact("nonconsensual_accusation", false), numFact("severity_rank", 2))))
	require.NoError(t, err)
	assert.Equal(t, verdict.Allow, j.Verdict)
	assert.InDelta(t, 0.5, j.Score, 1e-9)
}

func TestCELModuleRejectsEmptySpec(t *testing.T) {
	_, err := NewCELModule(CELSpec{Name: "x", Version: "1.0.0"})
	require.Error(t, err)
}

func TestCELModuleRejectsBadVersion(t *testing.T) {
	_, err := NewCELModule(CELSpec{Name: "x", Version: "one", ForbidWhen: "true"})
	require.Error(t, err)
}

func TestRuntimeConvertsErrorToEscalate(t *testing.T) {
	m, err := NewFunc("erroring", "1.0.0", func(context.Context, *facts.Reader) (verdict.Judgement, error) {
		return verdict.Judgement{}, errors.New("boom")
	})
	require.NoError(t, err)

	rt := NewRuntime(time.Second, nil)
	j, _ := rt.Evaluate(context.Background(), m, store(t))
	assert.Equal(t, verdict.Escalate, j.Verdict)
	assert.Equal(t, []string{ReasonFaultError + ".erroring"}, j.ReasonCodes)
}

func TestRuntimeConvertsPanicToEscalate(t *testing.T) {
	m, err := NewFunc("panicking", "1.0.0", func(context.Context, *facts.Reader) (verdict.Judgement, error) {
		panic("unexpected")
	})
	require.NoError(t, err)

	rt := NewRuntime(time.Second, nil)
	j, _ := rt.Evaluate(context.Background(), m, store(t))
	assert.Equal(t, verdict.Escalate, j.Verdict)
	assert.Equal(t, []string{ReasonFaultPanic + ".panicking"}, j.ReasonCodes)
}

func TestRuntimeConvertsTimeoutToEscalate(t *testing.T) {
	m, err := NewFunc("hanging", "1.0.0", func(ctx context.Context, _ *facts.Reader) (verdict.Judgement, error) {
		<-ctx.Done()
		return verdict.Judgement{}, ctx.Err()
	})
	require.NoError(t, err)

	rt := NewRuntime(10*time.Millisecond, nil)
	start := time.Now()
	j, _ := rt.Evaluate(context.Background(), m, store(t))
	assert.Less(t, time.Since(start), time.Second, "timeout must not hang the decision")
	assert.Equal(t, verdict.Escalate, j.Verdict)
	assert.Equal(t, []string{ReasonFaultTimeout + ".hanging"}, j.ReasonCodes)
}

func TestRuntimeRejectsMalformedJudgement(t *testing.T) {
	m, err := NewFunc("malformed", "1.0.0", func(context.Context, *facts.Reader) (verdict.Judgement, error) {
		return verdict.Judgement{Verdict: "MAYBE"}, nil
	})
	require.NoError(t, err)

	rt := NewRuntime(time.Second, nil)
	j, _ := rt.Evaluate(context.Background(), m, store(t))
	assert.Equal(t, verdict.Escalate, j.Verdict)
	assert.Equal(t, []string{ReasonFaultMalformed + ".malformed"}, j.ReasonCodes)
}

func TestRuntimeRecordsFactAccess(t *testing.T) {
	m, err := NewFunc("reader", "1.0.0", func(_ context.Context, f *facts.Reader) (verdict.Judgement, error) {
		f.Bool("a")
		f.Number("b")
		return verdict.Judgement{Verdict: verdict.Allow, Score: 1}, nil
	})
	require.NoError(t, err)

	rt := NewRuntime(time.Second, nil)
	_, read := rt.Evaluate(context.Background(), m, store(t, boolFact("a", true), numFact("b", 1), boolFact("c", true)))
	assert.Equal(t, []string{"a", "b"}, read)
}
