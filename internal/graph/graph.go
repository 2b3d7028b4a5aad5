// Package graph holds the decision-graph data model shared by the pipeline,
// the analysis endpoints, and the envelope finaliser.
//
// Unknown fields at graph, node, and edge level survive every transformation:
// each type keeps an Extra map of the JSON members it does not model, and the
// custom marshalers re-emit them. Downstream stages may read either the
// nested or the flat edge strength form; the normaliser guarantees both are
// populated.
package graph

import (
	"encoding/json"
	"fmt"
	"math"
)

// Node kinds. Non-canonical kinds from upstream are mapped onto these by the
// normaliser.
const (
	KindGoal     = "goal"
	KindDecision = "decision"
	KindOption   = "option"
	KindFactor   = "factor"
	KindOutcome  = "outcome"
	KindRisk     = "risk"
)

// Factor categories.
const (
	CategoryControllable = "controllable"
	CategoryObservable   = "observable"
	CategoryExternal     = "external"
)

// Factor types.
const (
	FactorCost        = "cost"
	FactorPrice       = "price"
	FactorTime        = "time"
	FactorProbability = "probability"
	FactorRevenue     = "revenue"
	FactorDemand      = "demand"
	FactorQuality     = "quality"
	FactorOther       = "other"
)

// Effect directions.
const (
	EffectPositive = "positive"
	EffectNegative = "negative"
)

// MinStrengthStd is the floor applied to edge strength deviations.
const MinStrengthStd = 0.05

// Graph is the central entity: an ordered node set, an ordered edge set, a
// version tag, and a deterministic seed.
type Graph struct {
	Version string
	Seed    int64
	Nodes   []*Node
	Edges   []*Edge
	Meta    Meta

	Extra map[string]json.RawMessage
}

type Meta struct {
	Roots  []string
	Leaves []string
	Source string

	Extra map[string]json.RawMessage
}

// Node is identified by a string id and carries kind-dependent data.
type Node struct {
	ID          string
	Kind        string
	Label       string
	Description string
	Data        *NodeData

	Extra map[string]json.RawMessage
}

// NodeData merges the kind-dependent payloads: factor fields, option
// interventions, goal thresholds. Absent members stay nil/empty.
type NodeData struct {
	// Factor fields.
	Category           string
	Value              *float64
	RawValue           *float64
	Cap                *float64
	Unit               string
	Baseline           *float64
	FactorType         string
	UncertaintyDrivers []string
	ExtractionType     string

	// Option fields.
	Interventions map[string]float64

	// Goal fields.
	GoalThreshold     *float64
	GoalThresholdRaw  *float64
	GoalThresholdUnit string
	GoalThresholdCap  *float64

	Extra map[string]json.RawMessage
}

// Strength is an edge's strength distribution.
type Strength struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Edge is a directed from→to link. The canonical in-memory form holds the
// nested representation; MarshalJSON emits both nested and flat forms so
// consumers can read either without branching.
type Edge struct {
	ID              string
	From            string
	To              string
	Strength        Strength
	ExistsProb      float64
	EffectDirection string

	Extra map[string]json.RawMessage
}

// Weight is the cycle-breaking weight: strength mean scaled by existence
// belief. The weakest edge on a cycle is dropped first.
func (e *Edge) Weight() float64 {
	return e.Strength.Mean * e.ExistsProb
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodesOfKind returns nodes with the given kind, in canonical order.
func (g *Graph) NodesOfKind(kind string) []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// OptionTargets returns the set of factor ids reachable from option nodes via
// a direct edge. Used to decide factor reachability.
func (g *Graph) OptionTargets() map[string]bool {
	options := map[string]bool{}
	for _, n := range g.Nodes {
		if n.Kind == KindOption {
			options[n.ID] = true
		}
	}
	targets := map[string]bool{}
	for _, e := range g.Edges {
		if options[e.From] {
			targets[e.To] = true
		}
	}
	return targets
}

// Validate checks the structural invariants that are not repairable:
// duplicate ids and dangling edge references.
func (g *Graph) Validate() error {
	seen := map[string]bool{}
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range g.Edges {
		if !seen[e.From] {
			return fmt.Errorf("edge %q references unknown node %q", e.ID, e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("edge %q references unknown node %q", e.ID, e.To)
		}
	}
	return nil
}

// HasFiniteValue reports whether the node carries a finite data.value.
func (n *Node) HasFiniteValue() bool {
	return n.Data != nil && n.Data.Value != nil && isFinite(*n.Data.Value)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clone deep-copies the graph, including extras.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{
		Version: g.Version,
		Seed:    g.Seed,
		Meta: Meta{
			Roots:  append([]string(nil), g.Meta.Roots...),
			Leaves: append([]string(nil), g.Meta.Leaves...),
			Source: g.Meta.Source,
			Extra:  cloneExtra(g.Meta.Extra),
		},
		Extra: cloneExtra(g.Extra),
	}
	for _, n := range g.Nodes {
		out.Nodes = append(out.Nodes, n.Clone())
	}
	for _, e := range g.Edges {
		cp := *e
		cp.Extra = cloneExtra(e.Extra)
		out.Edges = append(out.Edges, &cp)
	}
	return out
}

// Clone deep-copies a node.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Extra = cloneExtra(n.Extra)
	if n.Data != nil {
		d := *n.Data
		d.UncertaintyDrivers = append([]string(nil), n.Data.UncertaintyDrivers...)
		if n.Data.Interventions != nil {
			d.Interventions = make(map[string]float64, len(n.Data.Interventions))
			for k, v := range n.Data.Interventions {
				d.Interventions[k] = v
			}
		}
		d.Value = cloneFloat(n.Data.Value)
		d.RawValue = cloneFloat(n.Data.RawValue)
		d.Cap = cloneFloat(n.Data.Cap)
		d.Baseline = cloneFloat(n.Data.Baseline)
		d.GoalThreshold = cloneFloat(n.Data.GoalThreshold)
		d.GoalThresholdRaw = cloneFloat(n.Data.GoalThresholdRaw)
		d.GoalThresholdCap = cloneFloat(n.Data.GoalThresholdCap)
		d.Extra = cloneExtra(n.Data.Extra)
		cp.Data = &d
	}
	return &cp
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneExtra(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
