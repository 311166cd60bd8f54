package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCanonicalizesTags(t *testing.T) {
	a, err := New("PUBLISH_PRIVATE_DATA", []string{"No_Consent", "accusation", "  public_context "},
		SeverityHigh, EpistemicLowUncertainty, 0.9)
	require.NoError(t, err)

	b, err := New("PUBLISH_PRIVATE_DATA", []string{"public_context", "NO_CONSENT", "accusation", "accusation"},
		SeverityHigh, EpistemicLowUncertainty, 0.9)
	require.NoError(t, err)

	// Insertion order, case and duplicates must not survive normalization.
	assert.Equal(t, a, b)
	assert.Equal(t, []string{"accusation", "no_consent", "public_context"}, a.ContextTags)
	assert.True(t, a.HasTag("NO_CONSENT"))
	assert.False(t, a.HasTag("consented"))
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		d    Descriptor
	}{
		{"empty action class", Descriptor{Severity: SeverityLow, Epistemic: EpistemicLowUncertainty}},
		{"unknown severity", Descriptor{ActionClass: "X", Severity: "EXTREME", Epistemic: EpistemicLowUncertainty}},
		{"unknown epistemic", Descriptor{ActionClass: "X", Severity: SeverityLow, Epistemic: "UNKNOWN"}},
		{"confidence out of range", Descriptor{ActionClass: "X", Severity: SeverityLow, Epistemic: EpistemicLowUncertainty, Confidence: 1.2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestSeverityOrder(t *testing.T) {
	assert.True(t, SeverityCatastrophic.Rank() > SeverityHigh.Rank())
	assert.True(t, SeverityHigh.Rank() > SeverityMedium.Rank())
	assert.True(t, SeverityMedium.Rank() > SeverityLow.Rank())
	assert.Equal(t, -1, Severity("NOPE").Rank())
}

func TestParseJSON(t *testing.T) {
	d, err := ParseJSON([]byte(`{
		"action_class": "PUBLISH_PRIVATE_DATA",
		"context_tags": ["Accusation", "no_consent"],
		"severity": "HIGH",
		"epistemic": "LOW_UNCERTAINTY",
		"confidence": 0.8
	}`))
	require.NoError(t, err)
	assert.Equal(t, "PUBLISH_PRIVATE_DATA", d.ActionClass)
	assert.Equal(t, []string{"accusation", "no_consent"}, d.ContextTags)
}

func TestParseJSONSchemaViolations(t *testing.T) {
	cases := []string{
		`{"severity": "HIGH", "epistemic": "LOW_UNCERTAINTY"}`,              // missing action_class
		`{"action_class": "X", "severity": "NOPE", "epistemic": "LOW_UNCERTAINTY"}`, // bad enum
		`{"action_class": "X", "severity": "HIGH", "epistemic": "LOW_UNCERTAINTY", "extra": 1}`,
		`not json`,
	}
	for _, raw := range cases {
		_, err := ParseJSON([]byte(raw))
		require.ErrorIs(t, err, ErrInvalidInput, "input: %s", raw)
	}
}

func TestEnvelopePermits(t *testing.T) {
	d, err := New("PUBLISH_PRIVATE_DATA", []string{"no_consent"}, SeverityHigh, EpistemicLowUncertainty, 1)
	require.NoError(t, err)

	assert.True(t, Envelope{}.Permits(d), "unbounded envelope permits everything")
	assert.False(t, Envelope{None: true}.Permits(d))
	assert.False(t, Envelope{ActionClasses: []string{"NOTIFY"}}.Permits(d))
	assert.True(t, Envelope{ActionClasses: []string{"PUBLISH_PRIVATE_DATA"}}.Permits(d))
	assert.False(t, Envelope{MaxSeverity: SeverityMedium}.Permits(d))
	assert.True(t, Envelope{MaxSeverity: SeverityHigh}.Permits(d))
	assert.False(t, Envelope{ForbiddenTags: []string{"no_consent"}}.Permits(d))
}

func TestEnvelopeTightenOnlyNarrows(t *testing.T) {
	parent := Envelope{ActionClasses: []string{"A", "B"}, MaxSeverity: SeverityHigh}
	child := Envelope{ActionClasses: []string{"B"}, MaxSeverity: SeverityMedium, ForbiddenTags: []string{"x"}}

	tight := parent.Tighten(child)
	assert.Equal(t, []string{"B"}, tight.ActionClasses)
	assert.Equal(t, SeverityMedium, tight.MaxSeverity)
	assert.Equal(t, []string{"x"}, tight.ForbiddenTags)
	assert.True(t, tight.SubsetOf(parent))

	disjoint := parent.Tighten(Envelope{ActionClasses: []string{"C"}})
	assert.True(t, disjoint.None)
	assert.True(t, disjoint.SubsetOf(parent))
}

func TestEnvelopeSubsetOf(t *testing.T) {
	parent := Envelope{ActionClasses: []string{"A", "B"}, ForbiddenTags: []string{"x"}}

	assert.True(t, Envelope{ActionClasses: []string{"A"}, ForbiddenTags: []string{"x", "y"}}.SubsetOf(parent))
	assert.False(t, Envelope{ActionClasses: []string{"A", "C"}, ForbiddenTags: []string{"x"}}.SubsetOf(parent),
		"widening the class set must fail")
	assert.False(t, Envelope{ActionClasses: []string{"A"}}.SubsetOf(parent),
		"dropping an inherited forbidden tag must fail")
	assert.False(t, Envelope{}.SubsetOf(parent), "unbounded is never a subset of a bounded parent")
	assert.True(t, Envelope{}.SubsetOf(Envelope{}))
	assert.True(t, Envelope{None: true}.SubsetOf(parent))
}
