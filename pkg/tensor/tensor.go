// Package tensor aggregates decision telemetry into a sparse outcome
// tensor: verdict counts and score mass indexed by action class, context
// bucket, severity and epistemic state. Snapshots are canonical JSON so
// two replicas aggregating the same events archive identical bytes.
package tensor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Veridian-Labs/arbiter/pkg/telemetry"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// Key identifies one tensor cell.
type Key struct {
	Stakeholder   string `json:"stakeholder"`
	Dimension     string `json:"dimension"`
	ActionClass   string `json:"action_class"`
	ContextBucket string `json:"context_bucket"`
	Severity      string `json:"severity"`
	Epistemic     string `json:"epistemic"`
}

// Cell is the accumulated outcome mass for one key.
type Cell struct {
	Key       Key                     `json:"key"`
	Counts    map[verdict.Verdict]int `json:"counts"`
	ScoreSum  float64                 `json:"score_sum"`
	Decisions int                     `json:"decisions"`
}

// Tensor is one aggregation window over a single policy bundle.
type Tensor struct {
	BundleHash  string    `json:"bundle_hash"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Events      int       `json:"events"`
	Cells       []Cell    `json:"cells"`
}

// Source supplies events to aggregate. The telemetry SQL ledger
// satisfies it.
type Source interface {
	List(ctx context.Context, limit int) ([]telemetry.Event, error)
}

// stakeholderPrefix marks context tags that name an affected stakeholder
// profile, e.g. "stakeholder:minor".
const stakeholderPrefix = "stakeholder:"

// bucket collapses a tag set into a stable cell coordinate. Tags arrive
// canonical and sorted, so the join is order-free by construction.
// Stakeholder tags carry their own axis and are excluded here.
func bucket(tags []string) string {
	kept := make([]string, 0, len(tags))
	for _, t := range tags {
		if !strings.HasPrefix(t, stakeholderPrefix) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return "-"
	}
	return strings.Join(kept, ",")
}

// stakeholders extracts the stakeholder profiles named by the tag set.
func stakeholders(tags []string) []string {
	var out []string
	for _, t := range tags {
		if s := strings.TrimPrefix(t, stakeholderPrefix); s != t && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"-"}
	}
	return out
}

// dimensions derives the value dimensions an event touched from its
// reason codes: the segment before the first dot, so "privacy.forbid"
// lands on the privacy axis. Reasonless events land on "general".
func dimensions(reasons []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range reasons {
		dim, _, _ := strings.Cut(r, ".")
		if dim == "" {
			continue
		}
		if _, dup := seen[dim]; dup {
			continue
		}
		seen[dim] = struct{}{}
		out = append(out, dim)
	}
	if len(out) == 0 {
		return []string{"general"}
	}
	sort.Strings(out)
	return out
}

// Build aggregates up to limit events into one tensor. Events from bundles
// other than the one observed first are rejected: mixing policy versions
// in a single tensor would make its cells uninterpretable.
func Build(ctx context.Context, src Source, limit int) (*Tensor, error) {
	events, err := src.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("tensor: list events: %w", err)
	}
	return Aggregate(events)
}

// Aggregate folds the given events into a tensor.
func Aggregate(events []telemetry.Event) (*Tensor, error) {
	t := &Tensor{}
	cells := map[Key]*Cell{}

	for _, ev := range events {
		if !ev.Verdict.Valid() {
			return nil, fmt.Errorf("tensor: event %s carries unknown verdict %q", ev.DecisionID, ev.Verdict)
		}
		if t.BundleHash == "" {
			t.BundleHash = ev.BundleHash
		} else if ev.BundleHash != t.BundleHash {
			return nil, fmt.Errorf("tensor: event %s is from bundle %s, window is %s",
				ev.DecisionID, ev.BundleHash, t.BundleHash)
		}

		for _, stakeholder := range stakeholders(ev.ContextTags) {
			for _, dim := range dimensions(ev.ReasonCodes) {
				key := Key{
					Stakeholder:   stakeholder,
					Dimension:     dim,
					ActionClass:   ev.ActionClass,
					ContextBucket: bucket(ev.ContextTags),
					Severity:      string(ev.Severity),
					Epistemic:     string(ev.Epistemic),
				}
				c, ok := cells[key]
				if !ok {
					c = &Cell{Key: key, Counts: map[verdict.Verdict]int{}}
					cells[key] = c
				}
				c.Counts[ev.Verdict]++
				c.ScoreSum += ev.Score
				c.Decisions++
			}
		}

		ts := ev.IssuedAt.UTC()
		if t.WindowStart.IsZero() || ts.Before(t.WindowStart) {
			t.WindowStart = ts
		}
		if ts.After(t.WindowEnd) {
			t.WindowEnd = ts
		}
		t.Events++
	}

	t.Cells = make([]Cell, 0, len(cells))
	for _, c := range cells {
		t.Cells = append(t.Cells, *c)
	}
	sort.Slice(t.Cells, func(i, j int) bool {
		return cellLess(t.Cells[i].Key, t.Cells[j].Key)
	})
	return t, nil
}

func cellLess(a, b Key) bool {
	if a.Stakeholder != b.Stakeholder {
		return a.Stakeholder < b.Stakeholder
	}
	if a.Dimension != b.Dimension {
		return a.Dimension < b.Dimension
	}
	if a.ActionClass != b.ActionClass {
		return a.ActionClass < b.ActionClass
	}
	if a.ContextBucket != b.ContextBucket {
		return a.ContextBucket < b.ContextBucket
	}
	if a.Severity != b.Severity {
		return a.Severity < b.Severity
	}
	return a.Epistemic < b.Epistemic
}

// Snapshot renders the tensor as RFC 8785 canonical JSON.
func (t *Tensor) Snapshot() ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("tensor: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("tensor: canonicalize: %w", err)
	}
	return canonical, nil
}

// SnapshotHash is the content address of the canonical snapshot.
func (t *Tensor) SnapshotHash() (string, error) {
	snap, err := t.Snapshot()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(snap)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
