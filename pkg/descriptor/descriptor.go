// Package descriptor defines the Action Descriptor: the normalized,
// structured record describing a candidate action. The descriptor is the
// complete input to the decision core — the engine never re-parses free text.
//
// Descriptors are values. They are created once per decision request, owned
// by the engine for the duration of one evaluation, and never mutated.
package descriptor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidInput marks descriptors that fail schema or semantic validation.
// It is a distinct input-fault status, never a verdict.
var ErrInvalidInput = errors.New("descriptor: invalid input")

// Severity is the ordered severity band of the proposed action.
type Severity string

const (
	SeverityLow          Severity = "LOW"
	SeverityMedium       Severity = "MEDIUM"
	SeverityHigh         Severity = "HIGH"
	SeverityCatastrophic Severity = "CATASTROPHIC"
)

// Rank returns the position in the severity order, or -1 for unknown bands.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCatastrophic:
		return 3
	}
	return -1
}

// Epistemic is the ordered uncertainty band of the request.
type Epistemic string

const (
	EpistemicLowUncertainty    Epistemic = "LOW_UNCERTAINTY"
	EpistemicMediumUncertainty Epistemic = "MEDIUM_UNCERTAINTY"
	EpistemicHighUncertainty   Epistemic = "HIGH_UNCERTAINTY"
)

// Rank returns the position in the uncertainty order, or -1 for unknown bands.
func (e Epistemic) Rank() int {
	switch e {
	case EpistemicLowUncertainty:
		return 0
	case EpistemicMediumUncertainty:
		return 1
	case EpistemicHighUncertainty:
		return 2
	}
	return -1
}

// Descriptor is the normalized record of a candidate action and its context.
type Descriptor struct {
	ActionClass string    `json:"action_class"`
	ContextTags []string  `json:"context_tags,omitempty"`
	Severity    Severity  `json:"severity"`
	Epistemic   Epistemic `json:"epistemic"`
	Confidence  float64   `json:"confidence"`
}

// NormalizeTag canonicalizes a context tag: Unicode NFC, lowercase, trimmed.
// Paraphrase-level spelling differences in tags must not survive into the
// fact store.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(tag)))
}

// New builds a validated descriptor with a canonical tag set: normalized,
// deduplicated, sorted. Tag insertion order cannot affect the result.
func New(actionClass string, tags []string, sev Severity, epi Epistemic, confidence float64) (Descriptor, error) {
	seen := make(map[string]struct{}, len(tags))
	canonical := make([]string, 0, len(tags))
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		canonical = append(canonical, n)
	}
	sort.Strings(canonical)

	d := Descriptor{
		ActionClass: strings.TrimSpace(actionClass),
		ContextTags: canonical,
		Severity:    sev,
		Epistemic:   epi,
		Confidence:  confidence,
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate enforces the descriptor schema semantically.
func (d Descriptor) Validate() error {
	if d.ActionClass == "" {
		return fmt.Errorf("%w: empty action_class", ErrInvalidInput)
	}
	if d.Severity.Rank() < 0 {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, d.Severity)
	}
	if d.Epistemic.Rank() < 0 {
		return fmt.Errorf("%w: unknown epistemic state %q", ErrInvalidInput, d.Epistemic)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInput, d.Confidence)
	}
	for i, t := range d.ContextTags {
		if t != NormalizeTag(t) {
			return fmt.Errorf("%w: context tag %q not canonical", ErrInvalidInput, t)
		}
		if i > 0 && d.ContextTags[i-1] >= t {
			return fmt.Errorf("%w: context tags not a sorted set", ErrInvalidInput)
		}
	}
	return nil
}

// HasTag reports whether the canonical form of tag is present.
func (d Descriptor) HasTag(tag string) bool {
	n := NormalizeTag(tag)
	i := sort.SearchStrings(d.ContextTags, n)
	return i < len(d.ContextTags) && d.ContextTags[i] == n
}
