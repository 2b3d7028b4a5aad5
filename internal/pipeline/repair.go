package pipeline

import (
	"fmt"
	"math"

	"github.com/olumi/cee/internal/graph"
)

// Correction codes emitted by the repair sweep.
const (
	CodeUnreachableFactor = "UNREACHABLE_FACTOR_RECLASSIFIED"
	CodeCategoryOverride  = "CATEGORY_OVERRIDE"
	CodeCategoryStrip     = "CATEGORY_OVERRIDE_STRIP"
	CodeThresholdNoRaw    = "THRESHOLD_STRIPPED_NO_RAW"
	CodeThresholdNoDigits = "THRESHOLD_STRIPPED_NO_DIGITS"
	CodeCycleBroken       = "CYCLE_BROKEN"
	CodeCapNormalised     = "CAP_NORMALISED"
	CodeBaselineDefaulted = "BASELINE_DEFAULTED"
)

// repairStage runs the deterministic sweep. Every sub-stage is idempotent: a
// second run over the same context records nothing new.
func repairStage(pctx *Context) error {
	reclassifyUnreachableFactors(pctx)
	reconcileCategories(pctx)
	sweepThresholds(pctx)
	defaultBaselines(pctx)
	normaliseCaps(pctx)
	breakCycles(pctx)
	pctx.Graph.SortCanonical()
	return nil
}

// reclassifyUnreachableFactors downgrades controllable factors that no
// option can reach. Controllable-only fields are stripped, each with its own
// deletion record.
func reclassifyUnreachableFactors(pctx *Context) {
	const stage = "unreachable_factor"
	g := pctx.Graph
	reachable := g.OptionTargets()
	for _, n := range g.NodesOfKind(graph.KindFactor) {
		if n.Data == nil || n.Data.Category != graph.CategoryControllable {
			continue
		}
		if reachable[n.ID] {
			continue
		}
		after := graph.CategoryExternal
		if n.HasFiniteValue() {
			after = graph.CategoryObservable
		}
		pctx.AddCorrection(Correction{
			Code:      CodeUnreachableFactor,
			FieldPath: fmt.Sprintf("nodes.%s.data.category", n.ID),
			Before:    n.Data.Category,
			After:     after,
			Reason:    "controllable factor has no incoming option edge",
			Severity:  SeverityWarn,
		})
		n.Data.Category = after
		stripControllableFields(pctx, stage, n, CodeUnreachableFactor, true)
	}
}

// reconcileCategories overrides declarations that contradict the option-edge
// topology: reachable factors must be controllable, unreachable ones must
// not be. Observable vs external declarations without a reachability
// conflict are left alone.
func reconcileCategories(pctx *Context) {
	const stage = "category_reconcile"
	g := pctx.Graph
	reachable := g.OptionTargets()
	for _, n := range g.NodesOfKind(graph.KindFactor) {
		if n.Data == nil {
			continue
		}
		declared := n.Data.Category
		if declared == "" {
			switch {
			case reachable[n.ID]:
				n.Data.Category = graph.CategoryControllable
			case n.HasFiniteValue():
				n.Data.Category = graph.CategoryObservable
			default:
				n.Data.Category = graph.CategoryExternal
			}
			continue
		}
		var inferred string
		switch {
		case reachable[n.ID] && declared != graph.CategoryControllable:
			inferred = graph.CategoryControllable
		case !reachable[n.ID] && declared == graph.CategoryControllable:
			inferred = graph.CategoryExternal
			if n.HasFiniteValue() {
				inferred = graph.CategoryObservable
			}
		default:
			continue
		}
		pctx.AddCorrection(Correction{
			Code:      CodeCategoryOverride,
			FieldPath: fmt.Sprintf("nodes.%s.data.category", n.ID),
			Before:    declared,
			After:     inferred,
			Reason:    "declared category contradicts option-edge topology",
			Severity:  SeverityWarn,
		})
		n.Data.Category = inferred
		if inferred != graph.CategoryControllable {
			stripControllableFields(pctx, stage, n, CodeCategoryStrip, inferred != graph.CategoryObservable)
		}
	}
}

// stripControllableFields removes factor_type and uncertainty_drivers, and
// when stripValue is set the value too. One deletion record per field.
// Reclassification always strips the value; the category reconciler keeps it
// for observable outcomes, where a value is what the category means.
func stripControllableFields(pctx *Context, stage string, n *graph.Node, reason string, stripValue bool) {
	d := n.Data
	if stripValue && d.Value != nil {
		pctx.AddDeletion(stage, n.ID, "data.value", reason)
		d.Value = nil
	}
	if d.FactorType != "" {
		pctx.AddDeletion(stage, n.ID, "data.factor_type", reason)
		d.FactorType = ""
	}
	if len(d.UncertaintyDrivers) > 0 {
		pctx.AddDeletion(stage, n.ID, "data.uncertainty_drivers", reason)
		d.UncertaintyDrivers = nil
	}
}

// sweepThresholds strips goal thresholds that lack provenance. Thresholds
// extracted from the brief this run are trusted; for the rest, digits in the
// goal label are the safety signal.
func sweepThresholds(pctx *Context) {
	const stage = "threshold_sweep"
	for _, n := range pctx.Graph.NodesOfKind(graph.KindGoal) {
		if n.Data == nil || n.Data.GoalThreshold == nil {
			continue
		}
		if pctx.ThresholdFromBrief[n.ID] {
			continue
		}
		if n.Data.GoalThresholdRaw == nil {
			pctx.AddCorrection(Correction{
				Code:      CodeThresholdNoRaw,
				FieldPath: fmt.Sprintf("nodes.%s.data.goal_threshold", n.ID),
				Before:    *n.Data.GoalThreshold,
				Reason:    "threshold without a raw value",
				Severity:  SeverityWarn,
			})
			stripThreshold(pctx, stage, n, CodeThresholdNoRaw)
			continue
		}
		raw := *n.Data.GoalThresholdRaw
		if isRoundNumber(raw) && !hasDigits(n.Label) {
			pctx.AddCorrection(Correction{
				Code:      CodeThresholdNoDigits,
				FieldPath: fmt.Sprintf("nodes.%s.data.goal_threshold", n.ID),
				Before:    *n.Data.GoalThreshold,
				Reason:    "round threshold with no digits in the goal label",
				Severity:  SeverityWarn,
			})
			stripThreshold(pctx, stage, n, CodeThresholdNoDigits)
		}
	}
}

func stripThreshold(pctx *Context, stage string, n *graph.Node, reason string) {
	d := n.Data
	pctx.AddDeletion(stage, n.ID, "data.goal_threshold", reason)
	d.GoalThreshold = nil
	if d.GoalThresholdRaw != nil {
		pctx.AddDeletion(stage, n.ID, "data.goal_threshold_raw", reason)
		d.GoalThresholdRaw = nil
	}
	if d.GoalThresholdCap != nil {
		pctx.AddDeletion(stage, n.ID, "data.goal_threshold_cap", reason)
		d.GoalThresholdCap = nil
	}
	d.GoalThresholdUnit = ""
}

func isRoundNumber(v float64) bool {
	return v == math.Trunc(v) && math.Mod(v, 10) == 0
}

func hasDigits(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// normaliseCaps recomputes value = raw/cap for factors carrying both, and
// clamps into [0,1]. Records a correction only when the value changes.
func normaliseCaps(pctx *Context) {
	for _, n := range pctx.Graph.NodesOfKind(graph.KindFactor) {
		d := n.Data
		if d == nil || d.RawValue == nil || d.Cap == nil || *d.Cap == 0 {
			continue
		}
		want := *d.RawValue / *d.Cap
		if want < 0 {
			want = 0
		}
		if want > 1 {
			want = 1
		}
		if d.Value != nil && *d.Value == want {
			continue
		}
		corr := Correction{
			Code:      CodeCapNormalised,
			FieldPath: fmt.Sprintf("nodes.%s.data.value", n.ID),
			After:     want,
			Reason:    "value recomputed from raw_value/cap",
		}
		if d.Value != nil {
			corr.Before = *d.Value
		}
		pctx.AddCorrection(corr)
		d.Value = graph.Float(want)
	}
}

// breakCycles drops the weakest edge on each cycle until the graph is a DAG.
// Weakest means smallest strength_mean * exists_probability; the search is
// deterministic so repeated runs break the same edges.
func breakCycles(pctx *Context) {
	g := pctx.Graph
	for {
		cycle := g.FindCycle()
		if len(cycle) == 0 {
			return
		}
		weakest := cycle[0]
		for _, e := range cycle[1:] {
			if e.Weight() < weakest.Weight() {
				weakest = e
			}
		}
		pctx.AddCorrection(Correction{
			Code:      CodeCycleBroken,
			FieldPath: fmt.Sprintf("edges.%s", weakest.ID),
			Before:    fmt.Sprintf("%s->%s", weakest.From, weakest.To),
			Reason:    "weakest edge on cycle dropped to restore DAG",
			Severity:  SeverityWarn,
		})
		g.RemoveEdge(weakest)
	}
}
