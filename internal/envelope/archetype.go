package envelope

import "strings"

// Archetype match qualities.
const (
	MatchExact   = "exact"
	MatchFuzzy   = "fuzzy"
	MatchGeneric = "generic"
)

// Archetype confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Archetype classifies the decision into a closed set of shapes.
type Archetype struct {
	DecisionType string `json:"decision_type"`
	Match        string `json:"match"`
	Confidence   string `json:"confidence"`
}

// archetypeOrder is the first-match precedence. A brief mentioning both
// pricing and hiring is a pricing decision.
var archetypeOrder = []string{
	"pricing",
	"build_vs_buy",
	"hiring",
	"market_entry",
	"resource_allocation",
}

var archetypeKeywords = map[string][]string{
	"pricing":             {"price", "pricing", "discount", "fee", "subscription", "tier", "charge"},
	"build_vs_buy":        {"build", "buy", "vendor", "in-house", "outsource", "license", "licence"},
	"hiring":              {"hire", "hiring", "recruit", "headcount", "candidate", "backfill"},
	"market_entry":        {"market entry", "launch", "expand", "expansion", "region", "geography", "new market"},
	"resource_allocation": {"allocate", "allocation", "prioritise", "prioritize", "roadmap", "capacity", "invest"},
}

func knownArchetype(name string) bool {
	_, ok := archetypeKeywords[name]
	return ok
}

// ClassifyArchetype runs the keyword classifier over brief+hint. Detection
// walks archetypeOrder and stops at the first type with any keyword hit;
// confidence comes from the hit count (high ≥2, medium 1, low 0). A hint
// naming a known archetype is taken exactly. With detection disabled the
// hint is passed through verbatim as a fuzzy match.
func ClassifyArchetype(brief, hint string, detectionEnabled bool) Archetype {
	if !detectionEnabled {
		if hint == "" {
			return Archetype{DecisionType: "other", Match: MatchGeneric, Confidence: ConfidenceLow}
		}
		return Archetype{DecisionType: hint, Match: MatchFuzzy, Confidence: ConfidenceLow}
	}

	text := strings.ToLower(brief + " " + hint)
	if knownArchetype(hint) {
		return Archetype{
			DecisionType: hint,
			Match:        MatchExact,
			Confidence:   confidenceFor(countHits(text, archetypeKeywords[hint])),
		}
	}
	for _, name := range archetypeOrder {
		hits := countHits(text, archetypeKeywords[name])
		if hits > 0 {
			return Archetype{
				DecisionType: name,
				Match:        MatchFuzzy,
				Confidence:   confidenceFor(hits),
			}
		}
	}
	return Archetype{DecisionType: "other", Match: MatchGeneric, Confidence: ConfidenceLow}
}

func countHits(text string, keywords []string) int {
	hits := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			hits++
		}
	}
	return hits
}

func confidenceFor(hits int) string {
	switch {
	case hits >= 2:
		return ConfidenceHigh
	case hits == 1:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
