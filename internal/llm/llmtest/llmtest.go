// Package llmtest provides scripted in-memory adapters for tests. The
// deterministic adapter produces the same payload for the same (brief, seed),
// which the pipeline determinism tests rely on.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/olumi/cee/internal/llm"
)

// Scripted is an adapter whose operations are supplied as functions. Nil
// functions fail with a not-implemented error.
type Scripted struct {
	ProviderName string

	DraftGraphFunc     func(ctx context.Context, args llm.DraftGraphArgs, opts llm.CallOpts) (*llm.Result, error)
	SuggestOptionsFunc func(ctx context.Context, args llm.SuggestOptionsArgs, opts llm.CallOpts) (*llm.Result, error)
	RepairGraphFunc    func(ctx context.Context, args llm.RepairGraphArgs, opts llm.CallOpts) (*llm.Result, error)
	ClarifyBriefFunc   func(ctx context.Context, args llm.ClarifyBriefArgs, opts llm.CallOpts) (*llm.Result, error)
	CritiqueGraphFunc  func(ctx context.Context, args llm.CritiqueGraphArgs, opts llm.CallOpts) (*llm.Result, error)
	ExplainDiffFunc    func(ctx context.Context, args llm.ExplainDiffArgs, opts llm.CallOpts) (*llm.Result, error)
	StreamFunc         func(ctx context.Context, args llm.DraftGraphArgs, opts llm.CallOpts) (llm.Stream, error)

	Calls []string
}

func (s *Scripted) Name() string {
	if s.ProviderName != "" {
		return s.ProviderName
	}
	return "scripted"
}

func (s *Scripted) record(op string) { s.Calls = append(s.Calls, op) }

func (s *Scripted) DraftGraph(ctx context.Context, args llm.DraftGraphArgs, opts llm.CallOpts) (*llm.Result, error) {
	s.record(llm.OpDraftGraph)
	if s.DraftGraphFunc == nil {
		return nil, fmt.Errorf("%s: draft_graph not scripted", s.Name())
	}
	return s.DraftGraphFunc(ctx, args, opts)
}

func (s *Scripted) SuggestOptions(ctx context.Context, args llm.SuggestOptionsArgs, opts llm.CallOpts) (*llm.Result, error) {
	s.record(llm.OpSuggestOptions)
	if s.SuggestOptionsFunc == nil {
		return nil, fmt.Errorf("%s: suggest_options not scripted", s.Name())
	}
	return s.SuggestOptionsFunc(ctx, args, opts)
}

func (s *Scripted) RepairGraph(ctx context.Context, args llm.RepairGraphArgs, opts llm.CallOpts) (*llm.Result, error) {
	s.record(llm.OpRepairGraph)
	if s.RepairGraphFunc == nil {
		return nil, fmt.Errorf("%s: repair_graph not scripted", s.Name())
	}
	return s.RepairGraphFunc(ctx, args, opts)
}

func (s *Scripted) ClarifyBrief(ctx context.Context, args llm.ClarifyBriefArgs, opts llm.CallOpts) (*llm.Result, error) {
	s.record(llm.OpClarifyBrief)
	if s.ClarifyBriefFunc == nil {
		return nil, fmt.Errorf("%s: clarify_brief not scripted", s.Name())
	}
	return s.ClarifyBriefFunc(ctx, args, opts)
}

func (s *Scripted) CritiqueGraph(ctx context.Context, args llm.CritiqueGraphArgs, opts llm.CallOpts) (*llm.Result, error) {
	s.record(llm.OpCritiqueGraph)
	if s.CritiqueGraphFunc == nil {
		return nil, fmt.Errorf("%s: critique_graph not scripted", s.Name())
	}
	return s.CritiqueGraphFunc(ctx, args, opts)
}

func (s *Scripted) ExplainDiff(ctx context.Context, args llm.ExplainDiffArgs, opts llm.CallOpts) (*llm.Result, error) {
	s.record(llm.OpExplainDiff)
	if s.ExplainDiffFunc == nil {
		return nil, fmt.Errorf("%s: explain_diff not scripted", s.Name())
	}
	return s.ExplainDiffFunc(ctx, args, opts)
}

func (s *Scripted) StreamDraftGraph(ctx context.Context, args llm.DraftGraphArgs, opts llm.CallOpts) (llm.Stream, error) {
	s.record("stream_draft_graph")
	if s.StreamFunc == nil {
		return nil, fmt.Errorf("%s: stream_draft_graph not scripted", s.Name())
	}
	return s.StreamFunc(ctx, args, opts)
}

// Deterministic returns a scripted adapter whose draft payload is a pure
// function of (brief, seed). Node and edge ids are stable across retries.
func Deterministic(provider string) *Scripted {
	s := &Scripted{ProviderName: provider}
	s.DraftGraphFunc = func(_ context.Context, args llm.DraftGraphArgs, _ llm.CallOpts) (*llm.Result, error) {
		payload := DraftPayload(args.Brief, args.Seed)
		return &llm.Result{
			JSON:  payload,
			Usage: llm.Usage{InputTokens: len(args.Brief), OutputTokens: len(payload)},
			Meta:  llm.CallMeta{Provider: s.Name(), Model: "scripted-1"},
		}, nil
	}
	s.SuggestOptionsFunc = func(_ context.Context, args llm.SuggestOptionsArgs, _ llm.CallOpts) (*llm.Result, error) {
		payload := SuggestionsPayload()
		return &llm.Result{
			JSON:  payload,
			Usage: llm.Usage{InputTokens: len(args.Brief), OutputTokens: len(payload)},
			Meta:  llm.CallMeta{Provider: s.Name(), Model: "scripted-1"},
		}, nil
	}
	return s
}

// DraftPayload builds a small valid draft-graph result for (brief, seed).
func DraftPayload(brief string, seed int64) json.RawMessage {
	doc := map[string]any{
		"rationales": []map[string]any{
			{"node_id": "goal_1", "text": "Stated objective of the brief."},
			{"node_id": "fac_1", "text": "Budget is the lever the options act on."},
		},
		"result": map[string]any{
			"version": "3.0",
			"seed":    seed,
			"nodes": []map[string]any{
				{"id": "goal_1", "kind": "goal", "label": "Primary goal", "description": brief},
				{"id": "dec_1", "kind": "decision", "label": "Decision"},
				{"id": "opt_1", "kind": "option", "label": "Do it", "data": map[string]any{
					"interventions": map[string]any{"fac_1": 1.0},
				}},
				{"id": "fac_1", "kind": "factor", "label": "Budget", "data": map[string]any{
					"category": "controllable", "value": 0.5,
				}},
			},
			"edges": []map[string]any{
				{"id": "e_1", "from": "opt_1", "to": "fac_1",
					"strength": map[string]any{"mean": 0.6, "std": 0.2}, "exists_probability": 0.9,
					"effect_direction": "positive"},
				{"id": "e_2", "from": "fac_1", "to": "goal_1",
					"strength": map[string]any{"mean": 0.7, "std": 0.15}, "exists_probability": 0.95,
					"effect_direction": "positive"},
			},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return b
}

// SuggestionsPayload builds a small fixed suggest-options result.
func SuggestionsPayload() json.RawMessage {
	doc := map[string]any{
		"result": map[string]any{
			"options": []map[string]any{
				{"id": "opt_2", "label": "Phase the rollout", "rationale": "lower upfront spend"},
			},
			"evidence_suggestions": []map[string]any{
				{"node_id": "fac_1", "suggestion": "benchmark the budget against last quarter"},
			},
			"sensitivity_suggestions": []map[string]any{
				{"node_id": "fac_1", "parameter": "value", "range": []float64{0.3, 0.7}},
			},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return b
}

// ChunkStream is an in-memory llm.Stream fed from a fixed chunk list.
type ChunkStream struct {
	Chunks []llm.StreamChunk
	pos    int
	closed bool
}

func (c *ChunkStream) Recv() (llm.StreamChunk, error) {
	if c.closed || c.pos >= len(c.Chunks) {
		return llm.StreamChunk{}, fmt.Errorf("stream exhausted")
	}
	ch := c.Chunks[c.pos]
	c.pos++
	return ch, nil
}

func (c *ChunkStream) Close() error {
	c.closed = true
	return nil
}
