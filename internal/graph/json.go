package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// The custom codecs below implement passthrough semantics: any JSON member
// not modelled by the structs lands in Extra on decode and is merged back on
// encode. Known members always win over Extra duplicates.

func (g *Graph) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		return json.Unmarshal(v, dst)
	}
	if err := take("version", &g.Version); err != nil {
		return fmt.Errorf("graph.version: %w", err)
	}
	if err := take("seed", &g.Seed); err != nil {
		return fmt.Errorf("graph.seed: %w", err)
	}
	if err := take("nodes", &g.Nodes); err != nil {
		return fmt.Errorf("graph.nodes: %w", err)
	}
	if err := take("edges", &g.Edges); err != nil {
		return fmt.Errorf("graph.edges: %w", err)
	}
	if err := take("meta", &g.Meta); err != nil {
		return fmt.Errorf("graph.meta: %w", err)
	}
	if len(raw) > 0 {
		g.Extra = raw
	}
	return nil
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range g.Extra {
		out[k] = v
	}
	put(out, "version", g.Version)
	put(out, "seed", g.Seed)
	if g.Nodes == nil {
		put(out, "nodes", []*Node{})
	} else {
		put(out, "nodes", g.Nodes)
	}
	if g.Edges == nil {
		put(out, "edges", []*Edge{})
	} else {
		put(out, "edges", g.Edges)
	}
	put(out, "meta", &g.Meta)
	return marshalOrdered(out)
}

func (m *Meta) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		return json.Unmarshal(v, dst)
	}
	if err := take("roots", &m.Roots); err != nil {
		return err
	}
	if err := take("leaves", &m.Leaves); err != nil {
		return err
	}
	if err := take("source", &m.Source); err != nil {
		return err
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

func (m *Meta) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range m.Extra {
		out[k] = v
	}
	if len(m.Roots) > 0 {
		put(out, "roots", m.Roots)
	}
	if len(m.Leaves) > 0 {
		put(out, "leaves", m.Leaves)
	}
	if m.Source != "" {
		put(out, "source", m.Source)
	}
	return marshalOrdered(out)
}

func (n *Node) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		return json.Unmarshal(v, dst)
	}
	if err := take("id", &n.ID); err != nil {
		return err
	}
	// Accept both "kind" (v3) and "type" (v2) on input; "kind" wins.
	var typ string
	if err := take("type", &typ); err != nil {
		return err
	}
	if err := take("kind", &n.Kind); err != nil {
		return err
	}
	if n.Kind == "" {
		n.Kind = typ
	}
	if err := take("label", &n.Label); err != nil {
		return err
	}
	// Accept both "description" and "body"; "description" wins.
	var body string
	if err := take("body", &body); err != nil {
		return err
	}
	if err := take("description", &n.Description); err != nil {
		return err
	}
	if n.Description == "" {
		n.Description = body
	}
	if err := take("data", &n.Data); err != nil {
		return fmt.Errorf("node %q data: %w", n.ID, err)
	}
	if len(raw) > 0 {
		n.Extra = raw
	}
	return nil
}

func (n *Node) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range n.Extra {
		out[k] = v
	}
	put(out, "id", n.ID)
	put(out, "kind", n.Kind)
	if n.Label != "" {
		put(out, "label", n.Label)
	}
	if n.Description != "" {
		put(out, "description", n.Description)
	}
	if n.Data != nil {
		put(out, "data", n.Data)
	}
	return marshalOrdered(out)
}

func (d *NodeData) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		return json.Unmarshal(v, dst)
	}
	if err := take("category", &d.Category); err != nil {
		return err
	}
	if err := take("value", &d.Value); err != nil {
		return err
	}
	if err := take("raw_value", &d.RawValue); err != nil {
		return err
	}
	if err := take("cap", &d.Cap); err != nil {
		return err
	}
	if err := take("unit", &d.Unit); err != nil {
		return err
	}
	if err := take("baseline", &d.Baseline); err != nil {
		return err
	}
	if err := take("factor_type", &d.FactorType); err != nil {
		return err
	}
	if err := take("uncertainty_drivers", &d.UncertaintyDrivers); err != nil {
		return err
	}
	if err := take("extractionType", &d.ExtractionType); err != nil {
		return err
	}
	if err := take("interventions", &d.Interventions); err != nil {
		return err
	}
	if err := take("goal_threshold", &d.GoalThreshold); err != nil {
		return err
	}
	if err := take("goal_threshold_raw", &d.GoalThresholdRaw); err != nil {
		return err
	}
	if err := take("goal_threshold_unit", &d.GoalThresholdUnit); err != nil {
		return err
	}
	if err := take("goal_threshold_cap", &d.GoalThresholdCap); err != nil {
		return err
	}
	if len(raw) > 0 {
		d.Extra = raw
	}
	return nil
}

func (d *NodeData) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range d.Extra {
		out[k] = v
	}
	if d.Category != "" {
		put(out, "category", d.Category)
	}
	if d.Value != nil {
		put(out, "value", d.Value)
	}
	if d.RawValue != nil {
		put(out, "raw_value", d.RawValue)
	}
	if d.Cap != nil {
		put(out, "cap", d.Cap)
	}
	if d.Unit != "" {
		put(out, "unit", d.Unit)
	}
	if d.Baseline != nil {
		put(out, "baseline", d.Baseline)
	}
	if d.FactorType != "" {
		put(out, "factor_type", d.FactorType)
	}
	if len(d.UncertaintyDrivers) > 0 {
		put(out, "uncertainty_drivers", d.UncertaintyDrivers)
	}
	if d.ExtractionType != "" {
		put(out, "extractionType", d.ExtractionType)
	}
	if d.Interventions != nil {
		put(out, "interventions", d.Interventions)
	}
	if d.GoalThreshold != nil {
		put(out, "goal_threshold", d.GoalThreshold)
	}
	if d.GoalThresholdRaw != nil {
		put(out, "goal_threshold_raw", d.GoalThresholdRaw)
	}
	if d.GoalThresholdUnit != "" {
		put(out, "goal_threshold_unit", d.GoalThresholdUnit)
	}
	if d.GoalThresholdCap != nil {
		put(out, "goal_threshold_cap", d.GoalThresholdCap)
	}
	return marshalOrdered(out)
}

func (e *Edge) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		return json.Unmarshal(v, dst)
	}
	if err := take("id", &e.ID); err != nil {
		return err
	}
	// Accept from/to and the readiness-endpoint aliases source/target.
	var source, target string
	if err := take("source", &source); err != nil {
		return err
	}
	if err := take("target", &target); err != nil {
		return err
	}
	if err := take("from", &e.From); err != nil {
		return err
	}
	if err := take("to", &e.To); err != nil {
		return err
	}
	if e.From == "" {
		e.From = source
	}
	if e.To == "" {
		e.To = target
	}

	// Nested form.
	var nested *Strength
	if err := take("strength", &nested); err != nil {
		return err
	}
	var existsProb *float64
	if err := take("exists_probability", &existsProb); err != nil {
		return err
	}
	// Flat (legacy) form.
	var mean, std, belief *float64
	if err := take("strength_mean", &mean); err != nil {
		return err
	}
	if err := take("strength_std", &std); err != nil {
		return err
	}
	if err := take("belief_exists", &belief); err != nil {
		return err
	}

	switch {
	case nested != nil:
		e.Strength = *nested
	case mean != nil || std != nil:
		if mean != nil {
			e.Strength.Mean = *mean
		}
		if std != nil {
			e.Strength.Std = *std
		}
	}
	switch {
	case existsProb != nil:
		e.ExistsProb = *existsProb
	case belief != nil:
		e.ExistsProb = *belief
	default:
		e.ExistsProb = 1.0
	}

	if err := take("effect_direction", &e.EffectDirection); err != nil {
		return err
	}
	if len(raw) > 0 {
		e.Extra = raw
	}
	return nil
}

func (e *Edge) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range e.Extra {
		out[k] = v
	}
	if e.ID != "" {
		put(out, "id", e.ID)
	}
	put(out, "from", e.From)
	put(out, "to", e.To)
	// Emit both shapes so downstream readers need not branch.
	put(out, "strength", e.Strength)
	put(out, "exists_probability", e.ExistsProb)
	put(out, "strength_mean", e.Strength.Mean)
	put(out, "strength_std", e.Strength.Std)
	put(out, "belief_exists", e.ExistsProb)
	if e.EffectDirection != "" {
		put(out, "effect_direction", e.EffectDirection)
	}
	return marshalOrdered(out)
}

func put(m map[string]json.RawMessage, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		// Values here are plain data types; a marshal failure is a bug.
		panic(fmt.Sprintf("graph: marshal %s: %v", key, err))
	}
	m[key] = b
}

// marshalOrdered emits map keys in sorted order for byte-stable output.
func marshalOrdered(m map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, m[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}
