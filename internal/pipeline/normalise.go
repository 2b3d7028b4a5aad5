package pipeline

import (
	"fmt"

	"github.com/olumi/cee/internal/graph"
)

// CodeEffectDirectionDefaulted marks edges whose effect direction was missing
// or outside {positive, negative} and was defaulted.
const CodeEffectDirectionDefaulted = "EFFECT_DIRECTION_DEFAULTED"

// kindAliases maps non-canonical node kinds from upstream onto the closest
// canonical kind. Unlisted kinds pass through untouched so the passthrough
// contract is not violated for kinds we have never seen.
var kindAliases = map[string]string{
	"evidence":    graph.KindFactor,
	"driver":      graph.KindFactor,
	"variable":    graph.KindFactor,
	"uncertainty": graph.KindFactor,
	"lever":       graph.KindOption,
	"choice":      graph.KindOption,
	"alternative": graph.KindOption,
	"objective":   graph.KindGoal,
	"target":      graph.KindGoal,
	"action":      graph.KindDecision,
	"hazard":      graph.KindRisk,
	"threat":      graph.KindRisk,
	"result":      graph.KindOutcome,
	"consequence": graph.KindOutcome,
}

// normaliseStage canonicalises kinds, clamps edge deviations, defaults
// controllable-factor baselines, and puts the graph in canonical order.
// Edge shape unification already happened during unmarshal; both wire forms
// are emitted on the way out.
func normaliseStage(pctx *Context) error {
	g := pctx.Graph

	for _, n := range g.Nodes {
		if canonical, ok := kindAliases[n.Kind]; ok {
			pctx.AddCorrection(Correction{
				Code:      "KIND_CANONICALISED",
				FieldPath: fmt.Sprintf("nodes.%s.kind", n.ID),
				Before:    n.Kind,
				After:     canonical,
				Reason:    "non-canonical node kind mapped onto closest canonical kind",
			})
			n.Kind = canonical
		}
	}

	for _, e := range g.Edges {
		switch e.EffectDirection {
		case graph.EffectPositive, graph.EffectNegative:
		default:
			corr := Correction{
				Code:      CodeEffectDirectionDefaulted,
				FieldPath: fmt.Sprintf("edges.%s.effect_direction", e.ID),
				After:     graph.EffectPositive,
				Reason:    "edge without a valid effect direction",
			}
			if e.EffectDirection != "" {
				corr.Before = e.EffectDirection
			}
			pctx.AddCorrection(corr)
			e.EffectDirection = graph.EffectPositive
		}
		if e.Strength.Std < graph.MinStrengthStd {
			pctx.AddCorrection(Correction{
				Code:      "STRENGTH_STD_CLAMPED",
				FieldPath: fmt.Sprintf("edges.%s.strength.std", e.ID),
				Before:    e.Strength.Std,
				After:     graph.MinStrengthStd,
				Reason:    "strength deviation below the floor",
			})
			e.Strength.Std = graph.MinStrengthStd
		}
	}

	defaultBaselines(pctx)

	g.SortCanonical()
	return nil
}

// defaultBaselines assigns value 1.0 to controllable factors without a finite
// value. Shared with the repair sweep's baseline stage; both are idempotent.
func defaultBaselines(pctx *Context) {
	for _, n := range pctx.Graph.Nodes {
		if n.Kind != graph.KindFactor || n.Data == nil {
			continue
		}
		if n.Data.Category != graph.CategoryControllable {
			continue
		}
		if n.HasFiniteValue() {
			continue
		}
		n.Data.Value = graph.Float(1.0)
		pctx.DefaultedBaselines = append(pctx.DefaultedBaselines, n.ID)
		pctx.AddCorrection(Correction{
			Code:      CodeBaselineDefaulted,
			FieldPath: fmt.Sprintf("nodes.%s.data.value", n.ID),
			After:     1.0,
			Reason:    "controllable factor without a finite value",
		})
	}
}
