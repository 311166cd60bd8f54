// Package dag implements the Governance DAG: a directed acyclic graph of
// ethical-module leaves and aggregator nodes, rooted in a designated
// constraint set that is evaluated first and can short-circuit everything
// below it.
//
// Topology is configuration: loaded once, validated for acyclicity and
// constraint monotonicity, content-addressed, and immutable for the life
// of the process. Reload builds a whole new graph and swaps it atomically.
package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/em"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// Configuration faults detected at load time. All of them fail closed: the
// graph refuses to activate and last-known-good configuration stays live.
var (
	ErrCycle          = errors.New("dag: cycle detected")
	ErrDuplicateNode  = errors.New("dag: duplicate node id")
	ErrUnknownNode    = errors.New("dag: unknown node reference")
	ErrMissingDefault = errors.New("dag: aggregator with zero children needs an explicit default")
	ErrEnvelopeWidens = errors.New("dag: descendant envelope widens its ancestor's")
	ErrConfig         = errors.New("dag: invalid configuration")
)

// NodeKind discriminates leaves from aggregators.
type NodeKind string

const (
	KindModule     NodeKind = "module"
	KindAggregator NodeKind = "aggregator"
)

// Node is one vertex of the loaded graph.
type Node struct {
	ID       string
	Kind     NodeKind
	Module   em.Module // leaves only
	Children []*Node   // aggregators only
	Weights  map[string]float64
	Default  verdict.Verdict // zero-children aggregators only

	// Declared is the envelope written in configuration, if any.
	Declared *descriptor.Envelope

	// Effective is the load-time computed permission envelope: the
	// declaration tightened by everything inherited from every parent.
	Effective descriptor.Envelope
}

// Graph is a validated, immutable governance DAG.
type Graph struct {
	// Constraint is the designated root constraint set, evaluated first.
	Constraint *Node

	// Branches are the top-level nodes evaluated under the constraint
	// set's envelope when it does not forbid.
	Branches []*Node

	nodes   map[string]*Node
	parents map[string][]string

	Version string
	Hash    string // content address of the source configuration
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node ids in sorted order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Parents returns the parent ids of a node, sorted.
func (g *Graph) Parents(id string) []string {
	out := append([]string{}, g.parents[id]...)
	sort.Strings(out)
	return out
}

// CheckTightening re-verifies constraint monotonicity on the loaded graph:
// every node's effective envelope must be a subset of each of its parents'.
// This holds by construction after Load; the invariance harness calls it as
// a structural regression gate.
func (g *Graph) CheckTightening() error {
	for id, parents := range g.parents {
		child := g.nodes[id]
		for _, pid := range parents {
			parent := g.nodes[pid]
			if !child.Effective.SubsetOf(parent.Effective) {
				return fmt.Errorf("%w: node %s vs parent %s", ErrEnvelopeWidens, id, pid)
			}
		}
	}
	if g.Constraint != nil {
		for _, b := range g.Branches {
			if !b.Effective.SubsetOf(g.Constraint.Effective) {
				return fmt.Errorf("%w: branch %s vs constraint set %s", ErrEnvelopeWidens, b.ID, g.Constraint.ID)
			}
		}
	}
	return nil
}

// detectCycle runs a three-color depth-first search over the child edges.
func detectCycle(nodes map[string]*Node) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch color[n.ID] {
		case gray:
			return fmt.Errorf("%w: through node %s", ErrCycle, n.ID)
		case black:
			return nil
		}
		color[n.ID] = gray
		for _, c := range n.Children {
			if err := visit(c); err != nil {
				return err
			}
		}
		color[n.ID] = black
		return nil
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(nodes[id]); err != nil {
			return err
		}
	}
	return nil
}
