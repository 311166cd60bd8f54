// Package trace defines the auditable decision trace: every node's
// judgement, the facts it consulted, and a canonical content-addressed
// hash over the whole record.
//
// Hashes use RFC 8785 (JSON Canonicalization Scheme), so byte-identical
// inputs and configuration yield byte-identical trace hashes across
// replicas and re-runs. Timestamps are excluded from the canonical form.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// Node is the trace of a single governance node evaluation.
type Node struct {
	NodeID    string              `json:"node_id"`
	Kind      string              `json:"kind"` // "module" or "aggregator"
	Judgement verdict.Judgement   `json:"judgement"`
	FactsRead []string            `json:"facts_read,omitempty"`
	Envelope  descriptor.Envelope `json:"envelope,omitempty"`

	// Skipped marks nodes never evaluated because the root constraint set
	// short-circuited the decision.
	Skipped bool `json:"skipped,omitempty"`
}

// Decision is the full trace of one decision.
type Decision struct {
	DecisionID string                `json:"decision_id"`
	BundleHash string                `json:"bundle_hash"`
	Descriptor descriptor.Descriptor `json:"descriptor"`
	Judgement  verdict.Judgement     `json:"judgement"`
	Nodes      []Node                `json:"nodes"`
	InputHash  string                `json:"input_hash"`
	IssuedAt   time.Time             `json:"issued_at"`
}

// Hash returns the SHA-256 hex digest of the RFC 8785 canonical JSON of v.
func Hash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("trace: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("trace: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DecisionID derives a deterministic decision ID from the descriptor and
// the active policy bundle. Identical inputs against identical
// configuration always produce the same ID.
func DecisionID(d descriptor.Descriptor, bundleHash string) (string, error) {
	inputHash, err := Hash(d)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(inputHash+":"+bundleHash)).String(), nil
}

// CanonicalHash hashes the decision with the timestamp zeroed, so repeat
// evaluations of the same input are byte-identical.
func (d *Decision) CanonicalHash() (string, error) {
	clone := *d
	clone.IssuedAt = time.Time{}
	return Hash(&clone)
}
