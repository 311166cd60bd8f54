package dag

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/em"
	"github.com/Veridian-Labs/arbiter/pkg/facts"
	"github.com/Veridian-Labs/arbiter/pkg/trace"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// ModuleConfig selects one of the three module kinds for a leaf node.
type ModuleConfig struct {
	Type    string      `yaml:"type" json:"type"` // "cel", "wasm" or "builtin"
	CEL     *em.CELSpec `yaml:"cel,omitempty" json:"cel,omitempty"`
	Builtin string      `yaml:"builtin,omitempty" json:"builtin,omitempty"`
	WASM    *WASMConfig `yaml:"wasm,omitempty" json:"wasm,omitempty"`
}

// WASMConfig references a WASI policy module on disk.
type WASMConfig struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Path    string `yaml:"path" json:"path"`
}

// NodeConfig is the declarative form of one graph node.
type NodeConfig struct {
	ID       string               `yaml:"id" json:"id"`
	Kind     string               `yaml:"kind" json:"kind"`
	Module   *ModuleConfig        `yaml:"module,omitempty" json:"module,omitempty"`
	Children []string             `yaml:"children,omitempty" json:"children,omitempty"`
	Weights  map[string]float64   `yaml:"weights,omitempty" json:"weights,omitempty"`
	Envelope *descriptor.Envelope `yaml:"envelope,omitempty" json:"envelope,omitempty"`
	Default  string               `yaml:"default,omitempty" json:"default,omitempty"`
}

// ExtractorsConfig declares the bundle's fact extraction rules. It rides
// in the bundle so extraction changes shift the bundle hash like any other
// policy change.
type ExtractorsConfig struct {
	KnownTags []string        `yaml:"known_tags,omitempty" json:"known_tags,omitempty"`
	CEL       []facts.CELRule `yaml:"cel,omitempty" json:"cel,omitempty"`
}

// Config is a declarative governance bundle.
type Config struct {
	Version    string           `yaml:"version" json:"version"`
	Constraint string           `yaml:"constraint" json:"constraint"`
	Branches   []string         `yaml:"branches" json:"branches"`
	Extractors ExtractorsConfig `yaml:"extractors,omitempty" json:"extractors,omitempty"`
	Nodes      []NodeConfig     `yaml:"nodes" json:"nodes"`
}

// BuildRegistry materializes the bundle's extractor set: the builtin
// descriptor extractor plus the declared CEL rules.
func (c Config) BuildRegistry() (*facts.Registry, error) {
	extractors := []facts.Extractor{facts.DescriptorFacts{KnownTags: c.Extractors.KnownTags}}
	if len(c.Extractors.CEL) > 0 {
		cel, err := facts.NewCELExtractor("bundle.rules", c.Extractors.CEL)
		if err != nil {
			return nil, err
		}
		extractors = append(extractors, cel)
	}
	return facts.NewRegistry(extractors...)
}

// ParseConfig decodes a YAML bundle.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}

// ParseConfigFile reads and decodes a YAML bundle from disk.
func ParseConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	return ParseConfig(data)
}

// LoadOptions supplies the module backends configuration may reference.
type LoadOptions struct {
	// Builtins maps names to registered Go modules.
	Builtins map[string]em.Module

	// WASMLoader resolves a WASM path to its bytes. Defaults to os.ReadFile.
	WASMLoader func(path string) ([]byte, error)
}

// Load validates a bundle and builds the immutable graph. Every check here
// fails closed: a bundle that does not validate is never activated.
func Load(ctx context.Context, cfg Config, opts LoadOptions) (*Graph, error) {
	if cfg.Version == "" {
		return nil, fmt.Errorf("%w: missing bundle version", ErrConfig)
	}
	if cfg.Constraint == "" {
		return nil, fmt.Errorf("%w: missing designated constraint set", ErrConfig)
	}
	if opts.WASMLoader == nil {
		opts.WASMLoader = os.ReadFile
	}

	nodes := make(map[string]*Node, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		if nc.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrConfig)
		}
		if _, dup := nodes[nc.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, nc.ID)
		}
		n, err := buildNode(ctx, nc, opts)
		if err != nil {
			return nil, err
		}
		nodes[nc.ID] = n
	}

	// Resolve edges.
	parents := make(map[string][]string)
	for _, nc := range cfg.Nodes {
		n := nodes[nc.ID]
		for _, cid := range nc.Children {
			child, ok := nodes[cid]
			if !ok {
				return nil, fmt.Errorf("%w: node %s references %s", ErrUnknownNode, nc.ID, cid)
			}
			n.Children = append(n.Children, child)
			parents[cid] = append(parents[cid], nc.ID)
		}
	}

	constraint, ok := nodes[cfg.Constraint]
	if !ok {
		return nil, fmt.Errorf("%w: constraint set %s", ErrUnknownNode, cfg.Constraint)
	}
	var branches []*Node
	for _, bid := range cfg.Branches {
		b, ok := nodes[bid]
		if !ok {
			return nil, fmt.Errorf("%w: branch %s", ErrUnknownNode, bid)
		}
		if bid == cfg.Constraint {
			return nil, fmt.Errorf("%w: constraint set %s listed as a branch", ErrConfig, bid)
		}
		branches = append(branches, b)
		// The constraint set sits logically above every branch.
		parents[bid] = append(parents[bid], cfg.Constraint)
	}

	if err := detectCycle(nodes); err != nil {
		return nil, err
	}

	g := &Graph{
		Constraint: constraint,
		Branches:   branches,
		nodes:      nodes,
		parents:    parents,
		Version:    cfg.Version,
	}
	if err := resolveEnvelopes(g); err != nil {
		return nil, err
	}
	if err := g.CheckTightening(); err != nil {
		return nil, err
	}

	hash, err := trace.Hash(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: hash bundle: %v", ErrConfig, err)
	}
	g.Hash = hash
	return g, nil
}

func buildNode(ctx context.Context, nc NodeConfig, opts LoadOptions) (*Node, error) {
	for cid, w := range nc.Weights {
		if w < 0 || w > 1 {
			return nil, fmt.Errorf("%w: node %s weight for %s is %v, want [0,1]", ErrConfig, nc.ID, cid, w)
		}
		if !containsChildID(nc.Children, cid) {
			return nil, fmt.Errorf("%w: node %s weights unknown child %s", ErrConfig, nc.ID, cid)
		}
	}
	n := &Node{ID: nc.ID, Weights: nc.Weights, Declared: nc.Envelope}

	switch NodeKind(nc.Kind) {
	case KindModule:
		n.Kind = KindModule
		if nc.Module == nil {
			return nil, fmt.Errorf("%w: module node %s without a module", ErrConfig, nc.ID)
		}
		if len(nc.Children) > 0 {
			return nil, fmt.Errorf("%w: module node %s cannot have children", ErrConfig, nc.ID)
		}
		mod, err := buildModule(ctx, nc.ID, *nc.Module, opts)
		if err != nil {
			return nil, err
		}
		n.Module = mod

	case KindAggregator:
		n.Kind = KindAggregator
		if nc.Module != nil {
			return nil, fmt.Errorf("%w: aggregator %s cannot carry a module", ErrConfig, nc.ID)
		}
		if len(nc.Children) == 0 {
			// No implicit ALLOW: an empty aggregator must say what it means.
			if nc.Default == "" {
				return nil, fmt.Errorf("%w: %s", ErrMissingDefault, nc.ID)
			}
			d := verdict.Verdict(nc.Default)
			if !d.Valid() {
				return nil, fmt.Errorf("%w: node %s default %q is not a verdict", ErrConfig, nc.ID, nc.Default)
			}
			n.Default = d
		}

	default:
		return nil, fmt.Errorf("%w: node %s has unknown kind %q", ErrConfig, nc.ID, nc.Kind)
	}
	return n, nil
}

func buildModule(ctx context.Context, nodeID string, mc ModuleConfig, opts LoadOptions) (em.Module, error) {
	switch mc.Type {
	case "cel":
		if mc.CEL == nil {
			return nil, fmt.Errorf("%w: node %s: cel module without a spec", ErrConfig, nodeID)
		}
		return em.NewCELModule(*mc.CEL)

	case "builtin":
		mod, ok := opts.Builtins[mc.Builtin]
		if !ok {
			return nil, fmt.Errorf("%w: node %s: unregistered builtin %q", ErrConfig, nodeID, mc.Builtin)
		}
		return mod, nil

	case "wasm":
		if mc.WASM == nil {
			return nil, fmt.Errorf("%w: node %s: wasm module without a spec", ErrConfig, nodeID)
		}
		wasmBytes, err := opts.WASMLoader(mc.WASM.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: node %s: load wasm %s: %v", ErrConfig, nodeID, mc.WASM.Path, err)
		}
		return em.NewWASMModule(ctx, mc.WASM.Name, mc.WASM.Version, wasmBytes)

	default:
		return nil, fmt.Errorf("%w: node %s has unknown module type %q", ErrConfig, nodeID, mc.Type)
	}
}

func containsChildID(children []string, id string) bool {
	for _, c := range children {
		if c == id {
			return true
		}
	}
	return false
}

// resolveEnvelopes computes every node's effective envelope in topological
// order. A node inherits the intersection of all of its parents' effective
// envelopes; a declared envelope must be a subset of that inheritance —
// descendants tighten, never widen. With multiple parents (diamonds) the
// result is path-independent by construction.
func resolveEnvelopes(g *Graph) error {
	order, err := topoOrder(g)
	if err != nil {
		return err
	}

	for _, id := range order {
		n := g.nodes[id]
		inherited := descriptor.Envelope{}
		for _, pid := range g.parents[id] {
			inherited = inherited.Tighten(g.nodes[pid].Effective)
		}
		if n.Declared != nil {
			if !n.Declared.SubsetOf(inherited) {
				return fmt.Errorf("%w: node %s", ErrEnvelopeWidens, n.ID)
			}
			inherited = inherited.Tighten(*n.Declared)
		}
		n.Effective = inherited
	}
	return nil
}

// topoOrder returns node ids parents-first, covering exactly the nodes
// reachable from the constraint set and the branches. Unreachable nodes
// are dead configuration and refuse to load.
func topoOrder(g *Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.parents[id])
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	// The only node without parents is the constraint set; anything else
	// is dead configuration.
	for _, id := range queue {
		if id != g.Constraint.ID {
			return nil, fmt.Errorf("%w: node %s is unreachable", ErrConfig, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		n := g.nodes[id]
		next := append([]*Node{}, n.Children...)
		if id == g.Constraint.ID {
			next = append(next, g.Branches...)
		}
		var released []string
		for _, c := range next {
			indegree[c.ID]--
			if indegree[c.ID] == 0 {
				released = append(released, c.ID)
			}
		}
		sort.Strings(released)
		queue = append(queue, released...)
	}

	if len(order) != len(g.nodes) {
		for id, deg := range indegree {
			if deg > 0 {
				return nil, fmt.Errorf("%w: node %s is unreachable or cyclic", ErrConfig, id)
			}
		}
	}
	return order, nil
}
