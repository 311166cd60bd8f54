package dag

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/em"
	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/trace"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// Reason codes emitted by the evaluator itself.
const (
	ReasonEnvelopeExcluded    = "envelope.excluded"
	ReasonConstraintViolation = "fault.constraint.violation"
	ReasonDefault             = "default"
)

// Evaluator walks a loaded graph for one decision. It is stateless across
// calls; all per-decision state lives on the stack of Evaluate.
type Evaluator struct {
	runtime     *em.Runtime
	parallelism int
	logger      *slog.Logger
}

// NewEvaluator builds an evaluator. Zero parallelism sizes the worker
// bound to the available cores.
func NewEvaluator(rt *em.Runtime, parallelism int, logger *slog.Logger) *Evaluator {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{runtime: rt, parallelism: parallelism, logger: logger}
}

// Result is the outcome of one graph evaluation.
type Result struct {
	Judgement verdict.Judgement
	Nodes     []trace.Node
}

// evalState memoizes node results within a single decision so shared
// nodes in a diamond evaluate exactly once.
type evalState struct {
	ev    *Evaluator
	graph *Graph
	store *facts.Store
	desc  descriptor.Descriptor

	mu    sync.Mutex
	done  map[string]*nodeOutcome
	order []string // trace assembly order: first evaluation wins
}

type nodeOutcome struct {
	once sync.Once
	node trace.Node
}

// Evaluate runs the graph root-down: the constraint set first, then — only
// if it does not forbid — every branch in parallel under the constraint
// envelope, then aggregation upward with absorption.
func (ev *Evaluator) Evaluate(ctx context.Context, g *Graph, store *facts.Store, d descriptor.Descriptor) (*Result, error) {
	st := &evalState{ev: ev, graph: g, store: store, desc: d, done: map[string]*nodeOutcome{}}

	// 1. Root constraint set. Short-circuiting on FORBID is a security
	// property, not just an optimization: forbidden actions never reach
	// the classifier-derived branches at all.
	constraintTrace, err := st.evalNode(ctx, g.Constraint)
	if err != nil {
		return nil, err
	}
	if constraintTrace.Judgement.Verdict == verdict.Forbid {
		result := &Result{Judgement: constraintTrace.Judgement}
		result.Nodes = st.assembleTrace(markBranchesSkipped(g))
		return result, nil
	}

	// Cooperative cancellation between evaluation phases.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dag: cancelled: %w", err)
	}

	// 2. Branches in parallel. Modules are pure, so fan-out is safe.
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ev.parallelism)
	branchTraces := make([]trace.Node, len(g.Branches))
	for i, branch := range g.Branches {
		group.Go(func() error {
			tr, err := st.evalNode(groupCtx, branch)
			if err != nil {
				return err
			}
			branchTraces[i] = tr
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	// 3. Aggregate the constraint set with every branch at the logical root.
	children := append([]trace.Node{constraintTrace}, branchTraces...)
	judgements := make([]verdict.Judgement, len(children))
	for i, c := range children {
		judgements[i] = c.Judgement
	}
	root := aggregate(judgements, nil)

	return &Result{Judgement: root, Nodes: st.assembleTrace(nil)}, nil
}

// evalNode evaluates one node, memoized per decision.
func (st *evalState) evalNode(ctx context.Context, n *Node) (trace.Node, error) {
	st.mu.Lock()
	outcome, seen := st.done[n.ID]
	if !seen {
		outcome = &nodeOutcome{}
		st.done[n.ID] = outcome
		st.order = append(st.order, n.ID)
	}
	st.mu.Unlock()

	var evalErr error
	outcome.once.Do(func() {
		outcome.node, evalErr = st.evalNodeUncached(ctx, n)
	})
	return outcome.node, evalErr
}

func (st *evalState) evalNodeUncached(ctx context.Context, n *Node) (trace.Node, error) {
	out := trace.Node{NodeID: n.ID, Kind: string(n.Kind), Envelope: n.Effective}

	// Runtime tightening assertion. Unreachable given the load-time check;
	// a violation here is an internal inconsistency and escalates rather
	// than being silently resolved.
	for _, pid := range st.graph.Parents(n.ID) {
		parent, _ := st.graph.Node(pid)
		if !n.Effective.SubsetOf(parent.Effective) {
			st.ev.logger.Error("constraint monotonicity violated at runtime",
				slog.String("node", n.ID), slog.String("parent", pid))
			out.Judgement = verdict.Fault(ReasonConstraintViolation + "." + n.ID)
			return out, nil
		}
	}

	// An action outside the node's permission envelope is forbidden on
	// this branch; the envelope is the permission set made operational.
	if !n.Effective.Permits(st.desc) {
		out.Judgement = verdict.Judgement{
			Verdict:     verdict.Forbid,
			ReasonCodes: []string{ReasonEnvelopeExcluded + "." + n.ID},
		}
		return out, nil
	}

	switch n.Kind {
	case KindModule:
		j, read := st.ev.runtime.Evaluate(ctx, n.Module, st.store)
		out.Judgement = j
		out.FactsRead = read
		return out, nil

	case KindAggregator:
		if len(n.Children) == 0 {
			out.Judgement = verdict.Judgement{
				Verdict:     n.Default,
				Score:       defaultScore(n.Default),
				ReasonCodes: []string{ReasonDefault + "." + n.ID},
			}
			return out, nil
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(st.ev.parallelism)
		childTraces := make([]trace.Node, len(n.Children))
		for i, c := range n.Children {
			group.Go(func() error {
				tr, err := st.evalNode(groupCtx, c)
				if err != nil {
					return err
				}
				childTraces[i] = tr
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return trace.Node{}, err
		}

		judgements := make([]verdict.Judgement, len(childTraces))
		weights := make([]float64, len(childTraces))
		for i, tr := range childTraces {
			judgements[i] = tr.Judgement
			weights[i] = 1
			if w, ok := n.Weights[tr.NodeID]; ok {
				weights[i] = w
			}
		}
		out.Judgement = aggregate(judgements, weights)
		return out, nil
	}

	return trace.Node{}, fmt.Errorf("dag: node %s has unknown kind %q", n.ID, n.Kind)
}

// assembleTrace returns the per-node traces in deterministic (sorted id)
// order, plus any extra entries for skipped nodes.
func (st *evalState) assembleTrace(extra []trace.Node) []trace.Node {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]trace.Node, 0, len(st.done)+len(extra))
	for _, id := range st.order {
		out = append(out, st.done[id].node)
	}
	evaluated := make(map[string]bool, len(st.order))
	for _, id := range st.order {
		evaluated[id] = true
	}
	for _, tr := range extra {
		if !evaluated[tr.NodeID] {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// markBranchesSkipped produces skip markers for everything below the
// short-circuited constraint set.
func markBranchesSkipped(g *Graph) []trace.Node {
	var out []trace.Node
	seen := map[string]bool{}
	var walk func(n *Node)
	walk = func(n *Node) {
		if seen[n.ID] {
			return
		}
		seen[n.ID] = true
		out = append(out, trace.Node{NodeID: n.ID, Kind: string(n.Kind), Skipped: true})
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, b := range g.Branches {
		walk(b)
	}
	return out
}

func defaultScore(v verdict.Verdict) float64 {
	if v == verdict.Allow {
		return 1
	}
	return 0
}
