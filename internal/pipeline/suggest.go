package pipeline

import (
	"context"
	"encoding/json"

	"github.com/olumi/cee/internal/llm"
	"github.com/olumi/cee/internal/prompt"
)

// Suggestions is the parsed result of the suggest-options operation: extra
// options plus evidence and sensitivity pointers, all passed through to the
// envelope uninterpreted.
type Suggestions struct {
	Options                []json.RawMessage `json:"options"`
	EvidenceSuggestions    []json.RawMessage `json:"evidence_suggestions"`
	SensitivitySuggestions []json.RawMessage `json:"sensitivity_suggestions"`
}

// SuggestOptions asks the upstream for suggestions over the packaged graph.
// It runs after a successful draft; callers treat failures as soft and ship
// the envelope without the lists.
func (p *Pipeline) SuggestOptions(ctx context.Context, pctx *Context) (*Suggestions, error) {
	graphJSON, err := json.Marshal(pctx.Graph)
	if err != nil {
		return nil, err
	}

	var system string
	if p.prompts != nil {
		system, err = p.prompts.GetSystemPromptAsync(ctx, llm.OpSuggestOptions,
			prompt.Context{RequestID: pctx.RequestID}, nil)
		if err != nil {
			return nil, err
		}
	}

	result, err := p.adapter.SuggestOptions(ctx, llm.SuggestOptionsArgs{
		Brief:        pctx.Brief,
		GraphJSON:    graphJSON,
		SystemPrompt: system,
	}, llm.CallOpts{RequestID: pctx.RequestID})
	if err != nil {
		return nil, upstreamError(err)
	}
	return parseSuggestions(result.JSON)
}

// parseSuggestions accepts the result-wrapped form or the bare lists.
func parseSuggestions(raw json.RawMessage) (*Suggestions, error) {
	var outer struct {
		Result json.RawMessage `json:"result"`
	}
	body := raw
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, &ParseError{Reason: ReasonNonJSON, Message: "suggestions body is not a JSON object"}
	}
	if len(outer.Result) > 0 {
		body = outer.Result
	}
	var s Suggestions
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, &ParseError{Reason: ReasonInvalidSchema, Message: err.Error()}
	}
	return &s, nil
}
