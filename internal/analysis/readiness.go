// Package analysis holds the deterministic structural analyses that run
// without any model call: graph-readiness scoring and the bias check.
package analysis

import (
	"strings"

	"github.com/olumi/cee/internal/graph"
)

// Readiness levels.
const (
	LevelReady     = "ready"
	LevelFair      = "fair"
	LevelNeedsWork = "needs_work"
)

// ReadinessReport scores how analysable a graph is. FactorCount is kept for
// wire compatibility; TotalFactorCount supersedes it.
type ReadinessReport struct {
	Score          int    `json:"score"`
	Level          string `json:"level"`
	CanRunAnalysis bool   `json:"can_run_analysis"`

	TotalFactorCount  int `json:"total_factor_count"`
	UserQuestionCount int `json:"user_question_count"`
	// Deprecated: mirrors TotalFactorCount for older clients.
	FactorCount int `json:"factor_count"`

	MissingInputs []string `json:"missing_inputs,omitempty"`
}

// Readiness scores the graph 0–100 from structural quality: factor coverage,
// option coverage, edge density, and question coverage. The function is pure;
// the same graph always scores the same.
func Readiness(g *graph.Graph) ReadinessReport {
	var r ReadinessReport

	factors := g.NodesOfKind(graph.KindFactor)
	options := g.NodesOfKind(graph.KindOption)
	goals := g.NodesOfKind(graph.KindGoal)

	r.TotalFactorCount = len(factors)
	r.FactorCount = len(factors)
	r.UserQuestionCount = countQuestions(g)

	valuedFactors := 0
	for _, f := range factors {
		if f.HasFiniteValue() {
			valuedFactors++
		}
	}

	// Factor coverage: up to 35 points, saturating at 4 valued factors.
	r.Score += scaled(valuedFactors, 4, 35)
	// Option coverage: up to 25 points, saturating at 3 options.
	r.Score += scaled(len(options), 3, 25)
	// Edge density: up to 25 points, saturating at one edge per node.
	if len(g.Nodes) > 0 {
		r.Score += scaled(len(g.Edges), len(g.Nodes), 25)
	}
	// Question coverage: up to 15 points, saturating at 3 open questions
	// surfaced to the user.
	r.Score += scaled(r.UserQuestionCount, 3, 15)
	if r.Score > 100 {
		r.Score = 100
	}

	switch {
	case r.Score >= 70:
		r.Level = LevelReady
	case r.Score >= 40:
		r.Level = LevelFair
	default:
		r.Level = LevelNeedsWork
	}

	r.CanRunAnalysis = len(goals) > 0 && len(options) > 0 && valuedFactors > 0
	if len(goals) == 0 {
		r.MissingInputs = append(r.MissingInputs, "goal")
	}
	if len(options) == 0 {
		r.MissingInputs = append(r.MissingInputs, "option")
	}
	if valuedFactors == 0 {
		r.MissingInputs = append(r.MissingInputs, "valued_factor")
	}
	return r
}

func scaled(have, saturate, points int) int {
	if saturate <= 0 {
		return 0
	}
	if have >= saturate {
		return points
	}
	return have * points / saturate
}

// countQuestions counts open questions on factor and risk nodes. Decision and
// goal labels are routinely phrased as questions ("Which plan?") without being
// something the user still has to answer.
func countQuestions(g *graph.Graph) int {
	n := 0
	for _, node := range g.Nodes {
		if node.Kind != graph.KindFactor && node.Kind != graph.KindRisk {
			continue
		}
		if strings.Contains(node.Description, "?") || strings.Contains(node.Label, "?") {
			n++
		}
	}
	return n
}
