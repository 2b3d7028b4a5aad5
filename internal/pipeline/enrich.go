package pipeline

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/olumi/cee/internal/graph"
)

// ExtractionModeV4Skip marks a graph whose options already carry complete
// interventions over valued factors; enrichment has nothing to add.
const ExtractionModeV4Skip = "v4_complete_skip"

var (
	// goalTargetRe only fires when a digit (optionally preceded by a
	// currency symbol) directly follows the target phrasing. Metric-like
	// phrases such as "target market churn is 8%" never match because a
	// word intervenes.
	goalTargetRe = regexp.MustCompile(`(?i)\b(?:target(?:ing)?|goal of|reach|hit)\s+([£$€])?\s?(\d[\d,]*(?:\.\d+)?)\s*(k|m|bn|b)?\s*(%)?\s*([a-zA-Z]+)?`)

	// The magnitude suffix must sit flush against the amount, or the match
	// consumes the following space and the preposition/concept tail can
	// never start.
	currencyRe = regexp.MustCompile(`(?i)([£$€])\s?(\d[\d,]*(?:\.\d+)?)(k|m|bn|b)?\b(?:\s+(?:on|of|for|in|to|per)\s+|\s+)?([a-zA-Z]{3,})?`)
	percentRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s?%(?:\s+([a-zA-Z]{2,}))?`)
	countRe    = regexp.MustCompile(`(?i)\b(\d[\d,]*)\s+(customers?|users?|units?|hires?|seats?|subscribers?|clients?|employees?|stores?|orders?|leads?)\b`)
	timeRe     = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(days?|weeks?|months?|quarters?|years?)\b`)
)

// quantity is one numeric signal extracted from the brief.
type quantity struct {
	kind    string // currency, percentage, count, time
	raw     float64
	unit    string
	concept string // noun used for factor matching and labels
}

// enrichStage augments the graph with quantities extracted from the brief.
// Step order matters: goal redirection first, then the completeness early
// exit, then extraction, normalisation, metadata, and dedup.
func enrichStage(pctx *Context) error {
	g := pctx.Graph

	target := extractGoalTarget(pctx.Brief)
	if target != nil {
		redirectGoalThreshold(pctx, target)
	}

	if v4Complete(g) {
		pctx.ExtractionMode = ExtractionModeV4Skip
		return nil
	}
	pctx.ExtractionMode = "brief_extraction"

	for _, q := range extractQuantities(pctx.Brief) {
		if target != nil && q.raw == target.raw && q.unit == target.unit {
			// Already consumed by the goal threshold.
			continue
		}
		applyQuantity(pctx, q)
	}
	return nil
}

// extractGoalTarget finds an explicit numeric target in the brief, or nil.
func extractGoalTarget(brief string) *quantity {
	m := goalTargetRe.FindStringSubmatch(brief)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if err != nil {
		return nil
	}
	q := &quantity{raw: v * magnitudeMultiplier(m[3])}
	switch {
	case m[4] == "%":
		q.kind = "percentage"
		q.unit = "%"
	case m[1] != "":
		q.kind = "currency"
		q.unit = currencyCode(m[1])
	default:
		q.kind = "count"
		q.unit = strings.ToLower(m[5])
	}
	q.concept = strings.ToLower(m[5])
	return q
}

// redirectGoalThreshold annotates the first goal node only.
func redirectGoalThreshold(pctx *Context, q *quantity) {
	goals := pctx.Graph.NodesOfKind(graph.KindGoal)
	if len(goals) == 0 {
		return
	}
	goal := goals[0]
	if goal.Data == nil {
		goal.Data = &graph.NodeData{}
	}
	goal.Data.GoalThresholdRaw = graph.Float(q.raw)
	if q.unit != "" {
		goal.Data.GoalThresholdUnit = q.unit
	}
	if q.kind == "percentage" {
		// Percent targets normalise directly; no cap.
		goal.Data.GoalThreshold = graph.Float(q.raw / 100)
		goal.Data.GoalThresholdCap = nil
	} else {
		capVal := powerOfTenAtOrAbove(q.raw)
		goal.Data.GoalThresholdCap = graph.Float(capVal)
		goal.Data.GoalThreshold = graph.Float(q.raw / capVal)
	}
	pctx.ThresholdFromBrief[goal.ID] = true
	pctx.AddCorrection(Correction{
		Code:      "GOAL_THRESHOLD_EXTRACTED",
		FieldPath: fmt.Sprintf("nodes.%s.data.goal_threshold", goal.ID),
		After:     *goal.Data.GoalThreshold,
		Reason:    "explicit numeric target found in brief",
	})
}

// v4Complete reports whether every option carries a complete interventions
// map whose every key is a factor with a finite value.
func v4Complete(g *graph.Graph) bool {
	options := g.NodesOfKind(graph.KindOption)
	if len(options) == 0 {
		return false
	}
	for _, o := range options {
		if o.Data == nil || len(o.Data.Interventions) == 0 {
			return false
		}
		for fid := range o.Data.Interventions {
			f := g.NodeByID(fid)
			if f == nil || f.Kind != graph.KindFactor || !f.HasFiniteValue() {
				return false
			}
		}
	}
	return true
}

func extractQuantities(brief string) []quantity {
	var out []quantity
	seen := map[string]bool{}
	add := func(q quantity) {
		key := fmt.Sprintf("%s|%g|%s", q.kind, q.raw, q.concept)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, q)
	}

	for _, m := range currencyRe.FindAllStringSubmatch(brief, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err != nil {
			continue
		}
		add(quantity{
			kind:    "currency",
			raw:     v * magnitudeMultiplier(m[3]),
			unit:    currencyCode(m[1]),
			concept: strings.ToLower(m[4]),
		})
	}
	for _, m := range countRe.FindAllStringSubmatch(brief, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		add(quantity{kind: "count", raw: v, unit: strings.ToLower(m[2]), concept: strings.ToLower(m[2])})
	}
	for _, m := range timeRe.FindAllStringSubmatch(brief, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		add(quantity{kind: "time", raw: v, unit: strings.ToLower(m[2]), concept: strings.ToLower(m[2])})
	}
	for _, m := range percentRe.FindAllStringSubmatch(brief, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		add(quantity{kind: "percentage", raw: v, unit: "%", concept: strings.ToLower(m[2])})
	}
	return out
}

// applyQuantity either enhances an overlapping factor or injects a new one,
// then fills normalisation and metadata fields.
func applyQuantity(pctx *Context, q quantity) {
	g := pctx.Graph
	existing := matchFactor(g, q)
	if existing != nil {
		if existing.HasFiniteValue() {
			return // already quantified; do not clobber
		}
		if existing.Data == nil {
			existing.Data = &graph.NodeData{}
		}
		fillQuantity(existing.Data, q)
		if existing.Data.ExtractionType == "" {
			existing.Data.ExtractionType = "explicit"
		}
		fillMetadata(existing, q)
		pctx.AddCorrection(Correction{
			Code:      "FACTOR_ENHANCED",
			FieldPath: fmt.Sprintf("nodes.%s.data.value", existing.ID),
			After:     *existing.Data.Value,
			Reason:    "quantity extracted from brief matched factor label",
		})
		return
	}

	id := nextFactorID(g)
	n := &graph.Node{
		ID:    id,
		Kind:  graph.KindFactor,
		Label: quantityLabel(q),
		Data: &graph.NodeData{
			Category:       graph.CategoryObservable,
			ExtractionType: "inferred",
		},
	}
	fillQuantity(n.Data, q)
	fillMetadata(n, q)
	g.Nodes = append(g.Nodes, n)
	g.SortCanonical()
	pctx.AddCorrection(Correction{
		Code:      "FACTOR_INJECTED",
		FieldPath: fmt.Sprintf("nodes.%s", id),
		After:     n.Label,
		Reason:    "quantity in brief had no covering factor",
	})
}

// fillQuantity stores raw/cap/value. Percentages keep value in [0,1] with no
// cap; absolute magnitudes normalise against the next power of ten.
func fillQuantity(d *graph.NodeData, q quantity) {
	if q.kind == "percentage" {
		d.Value = graph.Float(q.raw / 100)
		d.Unit = q.unit
		return
	}
	capVal := powerOfTenAtOrAbove(q.raw)
	d.RawValue = graph.Float(q.raw)
	d.Cap = graph.Float(capVal)
	d.Value = graph.Float(q.raw / capVal)
	d.Unit = q.unit
}

func fillMetadata(n *graph.Node, q quantity) {
	if n.Data.FactorType == "" {
		n.Data.FactorType = classifyFactorType(n.Label + " " + q.concept + " " + q.unit)
	}
	if len(n.Data.UncertaintyDrivers) == 0 {
		n.Data.UncertaintyDrivers = uncertaintyDrivers[n.Data.FactorType]
	}
}

// matchFactor finds an existing factor whose label shares a token with the
// quantity's concept. Used both for enhancement and for dedup.
func matchFactor(g *graph.Graph, q quantity) *graph.Node {
	concept := tokens(q.concept + " " + q.unit)
	if len(concept) == 0 {
		return nil
	}
	for _, n := range g.NodesOfKind(graph.KindFactor) {
		for tok := range tokens(n.Label) {
			if concept[tok] {
				return n
			}
		}
	}
	return nil
}

func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?()")
		w = strings.TrimSuffix(w, "s")
		if len(w) >= 3 {
			out[w] = true
		}
	}
	return out
}

func nextFactorID(g *graph.Graph) string {
	for i := 1; ; i++ {
		id := fmt.Sprintf("fac_inferred_%d", i)
		if g.NodeByID(id) == nil {
			return id
		}
	}
}

func quantityLabel(q quantity) string {
	switch q.kind {
	case "currency":
		if q.concept != "" {
			return titleCase(q.concept)
		}
		return "Budget"
	case "percentage":
		if q.concept != "" {
			return titleCase(q.concept) + " rate"
		}
		return "Rate"
	case "time":
		return "Timeline (" + q.unit + ")"
	default:
		if q.concept != "" {
			return titleCase(q.concept)
		}
		return "Volume"
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// classifyFactorType is a fixed keyword table; first match wins.
func classifyFactorType(label string) string {
	l := strings.ToLower(label)
	switch {
	case containsAny(l, "price", "pricing", "fee"):
		return graph.FactorPrice
	case containsAny(l, "cost", "spend", "budget", "expense"):
		return graph.FactorCost
	case containsAny(l, "revenue", "mrr", "arr", "sales", "income"):
		return graph.FactorRevenue
	case containsAny(l, "churn", "retention", "conversion", "probability", "risk"):
		return graph.FactorProbability
	case containsAny(l, "customer", "user", "demand", "adoption", "market", "subscriber", "lead"):
		return graph.FactorDemand
	case containsAny(l, "day", "week", "month", "quarter", "year", "timeline", "deadline"):
		return graph.FactorTime
	case containsAny(l, "quality", "satisfaction", "nps"):
		return graph.FactorQuality
	default:
		return graph.FactorOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// uncertaintyDrivers is type-indexed guidance, three entries per type.
var uncertaintyDrivers = map[string][]string{
	graph.FactorDemand:      {"market volatility", "competitor response", "seasonality"},
	graph.FactorRevenue:     {"pricing pressure", "churn variance", "pipeline conversion"},
	graph.FactorCost:        {"supplier pricing", "scope creep", "exchange rates"},
	graph.FactorPrice:       {"willingness to pay", "competitor pricing", "discount pressure"},
	graph.FactorTime:        {"dependency slippage", "staffing availability", "approval delays"},
	graph.FactorProbability: {"sample size", "measurement noise", "behavioural shift"},
	graph.FactorQuality:     {"process variance", "tooling maturity", "team experience"},
	graph.FactorOther:       {"data quality", "estimation error", "external shocks"},
}

// powerOfTenAtOrAbove returns the smallest power of ten >= v.
func powerOfTenAtOrAbove(v float64) float64 {
	if v <= 1 {
		return 1
	}
	return math.Pow(10, math.Ceil(math.Log10(v)))
}

func magnitudeMultiplier(suffix string) float64 {
	switch strings.ToLower(suffix) {
	case "k":
		return 1e3
	case "m":
		return 1e6
	case "b", "bn":
		return 1e9
	default:
		return 1
	}
}

func currencyCode(symbol string) string {
	switch symbol {
	case "£":
		return "GBP"
	case "€":
		return "EUR"
	default:
		return "USD"
	}
}
