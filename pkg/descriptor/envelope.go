package descriptor

import "sort"

// Envelope describes a set of permitted descriptors: the "permission
// envelope" a governance node operates within. Empty fields mean no bound.
//
// Envelopes only ever tighten along the governance hierarchy: a child's
// effective envelope is the intersection of its own declaration with
// everything inherited from its ancestors.
type Envelope struct {
	// ActionClasses restricts which action classes are permitted.
	// Empty means all classes.
	ActionClasses []string `json:"action_classes,omitempty" yaml:"action_classes"`

	// MaxSeverity is the most severe band still permitted. Empty means no bound.
	MaxSeverity Severity `json:"max_severity,omitempty" yaml:"max_severity"`

	// ForbiddenTags lists context tags whose presence excludes the action.
	ForbiddenTags []string `json:"forbidden_tags,omitempty" yaml:"forbidden_tags"`

	// None marks the empty envelope, which permits nothing. Distinct from an
	// envelope with no bounds, which permits everything.
	None bool `json:"none,omitempty" yaml:"none"`
}

// Unbounded reports whether the envelope permits everything.
func (e Envelope) Unbounded() bool {
	return !e.None && len(e.ActionClasses) == 0 && e.MaxSeverity == "" && len(e.ForbiddenTags) == 0
}

// Permits reports whether the descriptor falls inside the envelope.
func (e Envelope) Permits(d Descriptor) bool {
	if e.None {
		return false
	}
	if len(e.ActionClasses) > 0 && !containsString(e.ActionClasses, d.ActionClass) {
		return false
	}
	if e.MaxSeverity != "" && d.Severity.Rank() > e.MaxSeverity.Rank() {
		return false
	}
	for _, t := range e.ForbiddenTags {
		if d.HasTag(t) {
			return false
		}
	}
	return true
}

// Tighten returns the intersection of e with child. The result permits a
// descriptor only if both envelopes do.
func (e Envelope) Tighten(child Envelope) Envelope {
	if e.None || child.None {
		return Envelope{None: true}
	}
	out := Envelope{}

	switch {
	case len(e.ActionClasses) == 0:
		out.ActionClasses = dedupSorted(child.ActionClasses)
	case len(child.ActionClasses) == 0:
		out.ActionClasses = dedupSorted(e.ActionClasses)
	default:
		for _, c := range child.ActionClasses {
			if containsString(e.ActionClasses, c) {
				out.ActionClasses = append(out.ActionClasses, c)
			}
		}
		out.ActionClasses = dedupSorted(out.ActionClasses)
		if len(out.ActionClasses) == 0 {
			// Disjoint class sets intersect to the empty set.
			return Envelope{None: true}
		}
	}

	out.MaxSeverity = e.MaxSeverity
	if child.MaxSeverity != "" &&
		(out.MaxSeverity == "" || child.MaxSeverity.Rank() < out.MaxSeverity.Rank()) {
		out.MaxSeverity = child.MaxSeverity
	}

	out.ForbiddenTags = dedupSorted(append(append([]string{}, e.ForbiddenTags...), child.ForbiddenTags...))
	return out
}

// SubsetOf reports whether every descriptor permitted by e is also permitted
// by parent. This is the constraint-monotonicity relation checked at load
// time for every edge of the governance graph.
func (e Envelope) SubsetOf(parent Envelope) bool {
	if e.None {
		return true // the empty set is a subset of everything
	}
	if parent.None {
		return false
	}
	if len(parent.ActionClasses) > 0 {
		if len(e.ActionClasses) == 0 {
			return false // e permits all classes, parent does not
		}
		for _, c := range e.ActionClasses {
			if !containsString(parent.ActionClasses, c) {
				return false
			}
		}
	}
	if parent.MaxSeverity != "" {
		if e.MaxSeverity == "" || e.MaxSeverity.Rank() > parent.MaxSeverity.Rank() {
			return false
		}
	}
	for _, t := range parent.ForbiddenTags {
		if !containsString(e.ForbiddenTags, t) {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupSorted(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
