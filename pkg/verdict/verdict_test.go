package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestrictivenessOrder(t *testing.T) {
	ladder := []Verdict{Allow, Conditional, Escalate, Forbid}
	for i := 1; i < len(ladder); i++ {
		assert.True(t, ladder[i].Rank() > ladder[i-1].Rank(),
			"%s must be more restrictive than %s", ladder[i], ladder[i-1])
	}
}

func TestMostRestrictive(t *testing.T) {
	assert.Equal(t, Forbid, MostRestrictive(Allow, Forbid))
	assert.Equal(t, Forbid, MostRestrictive(Forbid, Escalate))
	assert.Equal(t, Escalate, MostRestrictive(Escalate, Conditional))
	assert.Equal(t, Conditional, MostRestrictive(Allow, Conditional))
	assert.Equal(t, Allow, MostRestrictive(Allow, Allow))
}

func TestJudgementValidate(t *testing.T) {
	require.NoError(t, Judgement{Verdict: Allow, Score: 1}.Validate())
	require.Error(t, Judgement{Verdict: "MAYBE", Score: 0.5}.Validate())
	require.Error(t, Judgement{Verdict: Allow, Score: 1.5}.Validate())
	require.Error(t, Judgement{Verdict: Allow, Score: -0.1}.Validate())
}

func TestFaultEscalates(t *testing.T) {
	j := Fault("fault.module.timeout")
	assert.Equal(t, Escalate, j.Verdict)
	assert.Equal(t, []string{"fault.module.timeout"}, j.ReasonCodes)
	require.NoError(t, j.Validate())
}
