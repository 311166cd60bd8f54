package facts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
)

func mustDescriptor(t *testing.T, tags ...string) descriptor.Descriptor {
	t.Helper()
	d, err := descriptor.New("PUBLISH_PRIVATE_DATA", tags,
		descriptor.SeverityHigh, descriptor.EpistemicLowUncertainty, 0.9)
	require.NoError(t, err)
	return d
}

func TestStoreRejectsDuplicates(t *testing.T) {
	_, err := NewStore([]Fact{
		{Name: "a", Value: true, Provenance: ProvenanceRule, Confidence: 1},
		{Name: "a", Value: false, Provenance: ProvenanceRule, Confidence: 1},
	})
	require.Error(t, err)
}

func TestStoreClosedWorldReads(t *testing.T) {
	s, err := NewStore([]Fact{
		{Name: "flag", Value: true, Provenance: ProvenanceRule, Confidence: 1},
		{Name: "n", Value: 2.5, Provenance: ProvenanceClassifier, Confidence: 0.7},
	})
	require.NoError(t, err)

	assert.True(t, s.Bool("flag"))
	assert.False(t, s.Bool("missing"))
	assert.Equal(t, 2.5, s.Number("n"))
	assert.Equal(t, 0.0, s.Number("missing"))
	assert.Equal(t, []string{"flag", "n"}, s.Names())
}

func TestRegistryDetectsDuplicateWriters(t *testing.T) {
	a := DescriptorFacts{}
	b := DescriptorFacts{} // declares the same names
	_, err := NewRegistry(a, b)
	require.ErrorIs(t, err, ErrDuplicateWriter)
}

func TestDescriptorFactsExtraction(t *testing.T) {
	reg, err := NewRegistry(DescriptorFacts{KnownTags: []string{"no_consent", "accusation"}})
	require.NoError(t, err)

	s, err := reg.Extract(mustDescriptor(t, "no_consent"))
	require.NoError(t, err)

	assert.True(t, s.Bool("tag.no_consent"))
	assert.False(t, s.Bool("tag.accusation"))
	assert.Equal(t, float64(descriptor.SeverityHigh.Rank()), s.Number("severity_rank"))

	f, ok := s.Get("action_class")
	require.True(t, ok)
	assert.Equal(t, "PUBLISH_PRIVATE_DATA", f.Value)
	assert.Equal(t, ProvenanceRule, f.Provenance)
}

func TestExtractionIsOrderFree(t *testing.T) {
	reg, err := NewRegistry(DescriptorFacts{KnownTags: []string{"a", "b", "c"}})
	require.NoError(t, err)

	s1, err := reg.Extract(mustDescriptor(t, "a", "c"))
	require.NoError(t, err)
	s2, err := reg.Extract(mustDescriptor(t, "c", "a"))
	require.NoError(t, err)

	assert.Equal(t, s1.Values(), s2.Values())
	assert.Equal(t, s1.Names(), s2.Names())
}

func TestCELExtractor(t *testing.T) {
	ex, err := NewCELExtractor("policy.privacy", []CELRule{
		{Fact: "nonconsensual_accusation", Expression: `"no_consent" in context_tags && "accusation" in context_tags`},
		{Fact: "high_stakes", Expression: `severity_rank >= 2`, Provenance: ProvenanceHybrid, Confidence: 0.8},
	})
	require.NoError(t, err)

	reg, err := NewRegistry(ex)
	require.NoError(t, err)

	s, err := reg.Extract(mustDescriptor(t, "no_consent", "accusation"))
	require.NoError(t, err)
	assert.True(t, s.Bool("nonconsensual_accusation"))
	assert.True(t, s.Bool("high_stakes"))

	f, _ := s.Get("high_stakes")
	assert.Equal(t, ProvenanceHybrid, f.Provenance)
	assert.Equal(t, 0.8, f.Confidence)
}

func TestCELExtractorRejectsNondeterminism(t *testing.T) {
	_, err := NewCELExtractor("bad", []CELRule{
		{Fact: "x", Expression: `action_class.matches("^a+$")`},
	})
	require.Error(t, err)
}

func TestReaderRecordsAccess(t *testing.T) {
	s, err := NewStore([]Fact{
		{Name: "a", Value: true, Provenance: ProvenanceRule, Confidence: 1},
		{Name: "b", Value: 1.0, Provenance: ProvenanceRule, Confidence: 1},
		{Name: "c", Value: "x", Provenance: ProvenanceRule, Confidence: 1},
	})
	require.NoError(t, err)

	r := NewReader(s)
	r.Bool("a")
	r.Number("b")
	r.Bool("missing")
	assert.Equal(t, []string{"a", "b", "missing"}, r.ReadSet())
}

func TestUndeclaredFactIsAFault(t *testing.T) {
	reg, err := NewRegistry(rogueExtractor{})
	require.NoError(t, err)
	_, err = reg.Extract(mustDescriptor(t))
	require.Error(t, err)
}

type rogueExtractor struct{}

func (rogueExtractor) Name() string     { return "rogue" }
func (rogueExtractor) Writes() []string { return []string{"declared"} }
func (rogueExtractor) Extract(descriptor.Descriptor) ([]Fact, error) {
	return []Fact{{Name: "undeclared", Value: true, Provenance: ProvenanceRule, Confidence: 1}}, nil
}
