// Package engine is the decision core: it binds fact extraction, the
// governance graph, attestation and telemetry into a single Decide call.
// Every failure mode inside a decision degrades toward ESCALATE or an
// error, never toward ALLOW.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Veridian-Labs/arbiter/pkg/attest"
	"github.com/Veridian-Labs/arbiter/pkg/dag"
	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/keyring"
	"github.com/Veridian-Labs/arbiter/pkg/telemetry"
	"github.com/Veridian-Labs/arbiter/pkg/trace"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

const (
	// ReasonFaultExtract marks decisions where fact extraction failed and
	// the graph was never consulted.
	ReasonFaultExtract = "fault.extract"

	// ReasonFaultTrace marks decisions where trace assembly itself failed
	// and the judgement was replaced with a conservative one.
	ReasonFaultTrace = "fault.trace"
)

// Request is one decision request.
type Request struct {
	Descriptor descriptor.Descriptor

	// CallerID, when set, is pseudonymized before it reaches telemetry.
	// The raw value never leaves the engine.
	CallerID string
}

// Decision is the engine's full answer: the trace, its signature and the
// portable attestation token.
type Decision struct {
	Trace     trace.Decision `json:"trace"`
	TraceHash string         `json:"trace_hash"`
	Signature string         `json:"signature,omitempty"`
	Token     string         `json:"token,omitempty"`
}

// Options configure an Engine. Registry and Evaluator are required.
type Options struct {
	Registry   *facts.Registry
	Evaluator  *dag.Evaluator
	Keyring    *keyring.Keyring
	Issuer     *attest.Issuer
	Dispatcher *telemetry.Dispatcher
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Bundle pairs a loaded graph with the extraction registry declared in the
// same configuration. The two swap together on reload: a decision never
// mixes one bundle's graph with another bundle's extraction rules.
type Bundle struct {
	Graph    *dag.Graph
	Registry *facts.Registry
}

// Engine evaluates descriptors against the active policy bundle. The
// bundle swaps atomically on reload; in-flight decisions keep the bundle
// they started with.
type Engine struct {
	bundle     atomic.Pointer[Bundle]
	evaluator  *dag.Evaluator
	keys       *keyring.Keyring
	issuer     *attest.Issuer
	dispatcher *telemetry.Dispatcher
	clock      func() time.Time
	logger     *slog.Logger
}

// New builds an engine over a loaded graph.
func New(g *dag.Graph, opts Options) (*Engine, error) {
	if g == nil {
		return nil, fmt.Errorf("engine: nil graph")
	}
	if opts.Registry == nil || opts.Evaluator == nil {
		return nil, fmt.Errorf("engine: registry and evaluator are required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		evaluator:  opts.Evaluator,
		keys:       opts.Keyring,
		issuer:     opts.Issuer,
		dispatcher: opts.Dispatcher,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
	if err := e.Reload(g, opts.Registry); err != nil {
		return nil, err
	}
	return e, nil
}

// Graph returns the active policy graph.
func (e *Engine) Graph() *dag.Graph { return e.bundle.Load().Graph }

// Reload swaps in a new bundle, graph and extraction registry together,
// after re-verifying its envelope discipline. On failure the previous
// bundle stays active, whole.
func (e *Engine) Reload(g *dag.Graph, reg *facts.Registry) error {
	if g == nil || reg == nil {
		return fmt.Errorf("engine: reload needs a graph and a registry")
	}
	if err := g.CheckTightening(); err != nil {
		return fmt.Errorf("engine: reload rejected: %w", err)
	}
	old := e.bundle.Swap(&Bundle{Graph: g, Registry: reg})
	if old != nil && old.Graph.Hash != g.Hash {
		e.logger.Info("policy bundle reloaded",
			"old_hash", old.Graph.Hash, "new_hash", g.Hash, "version", g.Version)
	}
	return nil
}

// Decide evaluates one request. Invalid descriptors return an error; every
// internal fault past validation yields an ESCALATE decision instead.
func (e *Engine) Decide(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	d := req.Descriptor
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	b := e.bundle.Load()

	store, judgement, nodes := e.evaluate(ctx, b, d)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine: decide: %w", err)
	}

	dec, err := e.assemble(b.Graph, d, store, judgement, nodes)
	if err != nil {
		// A decision is never returned without a trace: replace the
		// judgement with a conservative one and assemble that instead.
		e.logger.Error("trace assembly failed", "bundle_hash", b.Graph.Hash, "error", err)
		dec, err = e.assemble(b.Graph, d, nil, verdict.Fault(ReasonFaultTrace), nil)
		if err != nil {
			return nil, fmt.Errorf("engine: trace assembly: %w", err)
		}
	}

	if err := e.attest(dec); err != nil {
		return nil, err
	}
	e.emit(req, dec, time.Since(start))
	return dec, nil
}

// evaluate runs extraction and the graph, converting faults into an
// ESCALATE judgement rather than an error. Cancellation is not handled
// here: Decide checks ctx and returns the error to the caller.
func (e *Engine) evaluate(ctx context.Context, b *Bundle, d descriptor.Descriptor) (*facts.Store, verdict.Judgement, []trace.Node) {
	store, err := b.Registry.Extract(d)
	if err != nil {
		e.logger.Error("fact extraction failed", "action_class", d.ActionClass, "error", err)
		return nil, verdict.Fault(ReasonFaultExtract), nil
	}
	res, err := e.evaluator.Evaluate(ctx, b.Graph, store, d)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("graph evaluation failed", "bundle_hash", b.Graph.Hash, "error", err)
		}
		return store, verdict.Fault("fault.evaluate"), nil
	}
	return store, res.Judgement, res.Nodes
}

// assemble builds the hashed, stamped decision trace.
func (e *Engine) assemble(g *dag.Graph, d descriptor.Descriptor, store *facts.Store, judgement verdict.Judgement, nodes []trace.Node) (*Decision, error) {
	inputHash, err := trace.Hash(struct {
		Descriptor descriptor.Descriptor `json:"descriptor"`
		Facts      map[string]any        `json:"facts"`
	}{d, storeValues(store)})
	if err != nil {
		return nil, fmt.Errorf("input hash: %w", err)
	}
	decisionID, err := trace.DecisionID(d, g.Hash)
	if err != nil {
		return nil, fmt.Errorf("decision id: %w", err)
	}

	dec := &Decision{Trace: trace.Decision{
		DecisionID: decisionID,
		BundleHash: g.Hash,
		Descriptor: d,
		Judgement:  judgement,
		Nodes:      nodes,
		InputHash:  inputHash,
		IssuedAt:   e.clock().UTC(),
	}}

	traceHash, err := dec.Trace.CanonicalHash()
	if err != nil {
		return nil, fmt.Errorf("trace hash: %w", err)
	}
	dec.TraceHash = traceHash
	return dec, nil
}

// attest signs the canonical trace and issues the portable token. A
// signing failure aborts the decision; an unsigned verdict is not emitted.
func (e *Engine) attest(dec *Decision) error {
	if e.keys != nil {
		sig, err := e.keys.Sign(dec.TraceHash)
		if err != nil {
			return fmt.Errorf("engine: sign trace: %w", err)
		}
		dec.Signature = fmt.Sprintf("%x", sig)
	}
	if e.issuer != nil {
		token, err := e.issuer.Issue(dec.Trace.DecisionID, dec.Trace.Judgement.Verdict,
			dec.Trace.BundleHash, dec.TraceHash)
		if err != nil {
			return fmt.Errorf("engine: issue token: %w", err)
		}
		dec.Token = token
	}
	return nil
}

func (e *Engine) emit(req Request, dec *Decision, latency time.Duration) {
	if e.dispatcher == nil {
		return
	}
	sessionID := ""
	if req.CallerID != "" && e.keys != nil {
		sessionID = e.keys.PseudonymousSessionID(req.CallerID)
	}
	e.dispatcher.Enqueue(telemetry.Event{
		DecisionID:  dec.Trace.DecisionID,
		IssuedAt:    dec.Trace.IssuedAt,
		Verdict:     dec.Trace.Judgement.Verdict,
		Score:       dec.Trace.Judgement.Score,
		ReasonCodes: dec.Trace.Judgement.ReasonCodes,
		ActionClass: req.Descriptor.ActionClass,
		ContextTags: req.Descriptor.ContextTags,
		Severity:    req.Descriptor.Severity,
		Epistemic:   req.Descriptor.Epistemic,
		SessionID:   sessionID,
		BundleHash:  dec.Trace.BundleHash,
		TraceHash:   dec.TraceHash,
		LatencyUS:   latency.Microseconds(),
	})
}

func storeValues(s *facts.Store) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.Values()
}
