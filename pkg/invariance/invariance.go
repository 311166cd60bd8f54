// Package invariance replays curated descriptor pairs against the live
// engine and checks the behavioral invariants that cannot be proven
// statically: paraphrase and order insensitivity, and verdict monotonicity
// along the severity and uncertainty axes. Violations fail the run unless
// an explicit, signed-off exemption covers them.
package invariance

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/engine"
)

// Family names one invariant class.
type Family string

const (
	FamilyParaphrase         Family = "paraphrase"
	FamilyOrder              Family = "order"
	FamilyMonotonicSeverity  Family = "monotonic_severity"
	FamilyMonotonicEpistemic Family = "monotonic_epistemic"
)

func (f Family) valid() bool {
	switch f {
	case FamilyParaphrase, FamilyOrder, FamilyMonotonicSeverity, FamilyMonotonicEpistemic:
		return true
	}
	return false
}

// CaseDescriptor is the YAML form of a descriptor under test.
type CaseDescriptor struct {
	ActionClass string               `yaml:"action_class"`
	ContextTags []string             `yaml:"context_tags"`
	Severity    descriptor.Severity  `yaml:"severity"`
	Epistemic   descriptor.Epistemic `yaml:"epistemic"`
	Confidence  float64              `yaml:"confidence"`
}

func (cd CaseDescriptor) build() (descriptor.Descriptor, error) {
	return descriptor.New(cd.ActionClass, cd.ContextTags, cd.Severity, cd.Epistemic, cd.Confidence)
}

// Case is one base/variant pair. The expectation depends on the family:
// equivalence families expect identical canonical traces, monotonic
// families expect the variant's verdict to be at least as restrictive.
type Case struct {
	ID      string         `yaml:"id"`
	Family  Family         `yaml:"family"`
	Base    CaseDescriptor `yaml:"base"`
	Variant CaseDescriptor `yaml:"variant"`
}

// Exemption waives one known violation. Both fields are mandatory; an
// unattributed waiver is no waiver.
type Exemption struct {
	CaseID     string `yaml:"case_id"`
	Reason     string `yaml:"reason"`
	ApprovedBy string `yaml:"approved_by"`
}

// Corpus is the parsed invariance suite.
type Corpus struct {
	Cases     []Case      `yaml:"cases"`
	Whitelist []Exemption `yaml:"whitelist"`
}

// ParseCorpus parses and validates a YAML corpus.
func ParseCorpus(data []byte) (Corpus, error) {
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Corpus{}, fmt.Errorf("invariance: parse corpus: %w", err)
	}
	seen := map[string]struct{}{}
	for _, tc := range c.Cases {
		if tc.ID == "" {
			return Corpus{}, fmt.Errorf("invariance: case without id")
		}
		if _, dup := seen[tc.ID]; dup {
			return Corpus{}, fmt.Errorf("invariance: duplicate case id %q", tc.ID)
		}
		seen[tc.ID] = struct{}{}
		if !tc.Family.valid() {
			return Corpus{}, fmt.Errorf("invariance: case %s: unknown family %q", tc.ID, tc.Family)
		}
	}
	for _, ex := range c.Whitelist {
		if _, ok := seen[ex.CaseID]; !ok {
			return Corpus{}, fmt.Errorf("invariance: whitelist entry for unknown case %q", ex.CaseID)
		}
		if ex.Reason == "" || ex.ApprovedBy == "" {
			return Corpus{}, fmt.Errorf("invariance: whitelist entry %s needs reason and approved_by", ex.CaseID)
		}
	}
	return c, nil
}

// Decider is the engine surface the harness needs.
type Decider interface {
	Decide(ctx context.Context, req engine.Request) (*engine.Decision, error)
}

// Violation is one failed case.
type Violation struct {
	CaseID string `json:"case_id"`
	Family Family `json:"family"`
	Detail string `json:"detail"`
	Waived bool   `json:"waived"`
	Waiver string `json:"waiver,omitempty"`
}

// Report summarizes one harness run.
type Report struct {
	RanAt      time.Time   `json:"ran_at"`
	Total      int         `json:"total"`
	Passed     int         `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Clean reports whether no unwaived violations remain.
func (r *Report) Clean() bool {
	for _, v := range r.Violations {
		if !v.Waived {
			return false
		}
	}
	return true
}

// Harness runs a corpus against a decider.
type Harness struct {
	decider Decider
	clock   func() time.Time
}

func NewHarness(d Decider) *Harness {
	return &Harness{decider: d, clock: time.Now}
}

// WithClock overrides the report clock for testing.
func (h *Harness) WithClock(clock func() time.Time) *Harness {
	h.clock = clock
	return h
}

// Run executes every case. A decide failure counts as a violation of the
// case rather than aborting the run.
func (h *Harness) Run(ctx context.Context, corpus Corpus) (*Report, error) {
	waivers := map[string]string{}
	for _, ex := range corpus.Whitelist {
		waivers[ex.CaseID] = fmt.Sprintf("%s (%s)", ex.Reason, ex.ApprovedBy)
	}

	report := &Report{RanAt: h.clock().UTC(), Total: len(corpus.Cases)}
	for _, tc := range corpus.Cases {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("invariance: run: %w", err)
		}
		detail, err := h.check(ctx, tc)
		if err != nil {
			detail = fmt.Sprintf("case did not evaluate: %v", err)
		}
		if detail == "" {
			report.Passed++
			continue
		}
		v := Violation{CaseID: tc.ID, Family: tc.Family, Detail: detail}
		if waiver, ok := waivers[tc.ID]; ok {
			v.Waived = true
			v.Waiver = waiver
		}
		report.Violations = append(report.Violations, v)
	}
	return report, nil
}

// check returns an empty string when the case holds.
func (h *Harness) check(ctx context.Context, tc Case) (string, error) {
	base, err := h.decide(ctx, tc.Base)
	if err != nil {
		return "", err
	}
	variant, err := h.decide(ctx, tc.Variant)
	if err != nil {
		return "", err
	}

	switch tc.Family {
	case FamilyParaphrase, FamilyOrder:
		if base.TraceHash != variant.TraceHash {
			return fmt.Sprintf("traces diverge: %s vs %s", base.TraceHash, variant.TraceHash), nil
		}
	case FamilyMonotonicSeverity, FamilyMonotonicEpistemic:
		bv := base.Trace.Judgement.Verdict
		vv := variant.Trace.Judgement.Verdict
		if !vv.AtLeastAsRestrictive(bv) {
			return fmt.Sprintf("verdict relaxed: base %s, variant %s", bv, vv), nil
		}
	}
	return "", nil
}

func (h *Harness) decide(ctx context.Context, cd CaseDescriptor) (*engine.Decision, error) {
	d, err := cd.build()
	if err != nil {
		return nil, err
	}
	return h.decider.Decide(ctx, engine.Request{Descriptor: d})
}
