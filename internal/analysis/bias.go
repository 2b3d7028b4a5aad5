package analysis

import (
	"sort"

	"github.com/olumi/cee/internal/graph"
)

// BiasSeverity levels for findings.
const (
	BiasInfo    = "info"
	BiasWarning = "warning"
)

// BiasFinding is one deterministic structural observation. CausalValidation
// and EvidenceStrength are populated for the findings where the structure
// supports them.
type BiasFinding struct {
	Code             string  `json:"code"`
	Severity         string  `json:"severity"`
	Message          string  `json:"message"`
	NodeID           string  `json:"node_id,omitempty"`
	CausalValidation string  `json:"causal_validation,omitempty"`
	EvidenceStrength float64 `json:"evidence_strength,omitempty"`
}

// Bias finding codes.
const (
	BiasSingleOption       = "SINGLE_OPTION"
	BiasNoExternalFactors  = "NO_EXTERNAL_FACTORS"
	BiasAllPositiveEdges   = "ALL_POSITIVE_EDGES"
	BiasNoRiskNodes        = "NO_RISK_NODES"
	BiasCertainEdges       = "OVERCONFIDENT_EDGES"
	BiasIsolatedOption     = "ISOLATED_OPTION"
	BiasGoalWithoutFactors = "GOAL_WITHOUT_FACTORS"
)

// BiasCheck runs the structural bias findings over a graph. Output order is
// stable: findings sort by (code, node_id) so repeated runs and concurrent
// callers see identical lists.
func BiasCheck(g *graph.Graph) []BiasFinding {
	var out []BiasFinding

	options := g.NodesOfKind(graph.KindOption)
	if len(options) < 2 {
		out = append(out, BiasFinding{
			Code:     BiasSingleOption,
			Severity: BiasWarning,
			Message:  "only one option is modelled; single-option framing invites anchoring",
		})
	}

	external := 0
	for _, f := range g.NodesOfKind(graph.KindFactor) {
		if f.Data != nil && f.Data.Category == graph.CategoryExternal {
			external++
		}
	}
	if external == 0 && len(g.NodesOfKind(graph.KindFactor)) > 0 {
		out = append(out, BiasFinding{
			Code:     BiasNoExternalFactors,
			Severity: BiasWarning,
			Message:  "no external factors are modelled; the decision may assume full control",
		})
	}

	if len(g.Edges) > 0 {
		allPositive := true
		certain := 0
		for _, e := range g.Edges {
			if e.EffectDirection == graph.EffectNegative {
				allPositive = false
			}
			if e.ExistsProb >= 0.99 && e.Strength.Mean >= 0.9 {
				certain++
			}
		}
		if allPositive {
			out = append(out, BiasFinding{
				Code:             BiasAllPositiveEdges,
				Severity:         BiasWarning,
				Message:          "every edge is positive; confirmation bias may be hiding downsides",
				CausalValidation: "unverified",
			})
		}
		if certain == len(g.Edges) {
			out = append(out, BiasFinding{
				Code:             BiasCertainEdges,
				Severity:         BiasWarning,
				Message:          "every edge is near-certain and strong; estimates look overconfident",
				EvidenceStrength: 0.1,
			})
		}
	}

	if len(g.NodesOfKind(graph.KindRisk)) == 0 && len(g.Nodes) >= 4 {
		out = append(out, BiasFinding{
			Code:     BiasNoRiskNodes,
			Severity: BiasInfo,
			Message:  "no risk nodes are modelled",
		})
	}

	hasOut := map[string]bool{}
	for _, e := range g.Edges {
		hasOut[e.From] = true
	}
	for _, o := range options {
		if !hasOut[o.ID] && (o.Data == nil || len(o.Data.Interventions) == 0) {
			out = append(out, BiasFinding{
				Code:     BiasIsolatedOption,
				Severity: BiasWarning,
				Message:  "option influences nothing; its effect cannot be analysed",
				NodeID:   o.ID,
			})
		}
	}

	hasIn := map[string]bool{}
	for _, e := range g.Edges {
		hasIn[e.To] = true
	}
	for _, goal := range g.NodesOfKind(graph.KindGoal) {
		if !hasIn[goal.ID] {
			out = append(out, BiasFinding{
				Code:     BiasGoalWithoutFactors,
				Severity: BiasWarning,
				Message:  "goal has no incoming influence; nothing in the model moves it",
				NodeID:   goal.ID,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}
