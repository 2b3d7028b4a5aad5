package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/internal/llm"
)

// Parse failure reasons. These survive into the error envelope so callers can
// distinguish what the upstream got wrong.
const (
	ReasonInvalidSchema = "openai_response_invalid_schema"
	ReasonEmptyResponse = "openai_empty_response"
	ReasonMissingResult = "draft_graph_missing_result"
	ReasonNonJSON       = "llm_non_json"
)

// ParseError carries the reason code for an upstream payload the parser
// rejected. The orchestrator maps it onto the validation-failure taxonomy.
type ParseError struct {
	Reason  string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse draft payload: %s: %s", e.Reason, e.Message)
}

// draftSchema gates the structural shape of the upstream result. It is
// deliberately permissive about additional members: unknown fields are part
// of the passthrough contract and must not fail validation.
var draftSchema = jsonschema.MustCompileString("draft_graph_result.json", `{
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "version": {"type": "string"},
    "seed": {"type": "integer"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {"type": "object"}
    }
  }
}`)

// parseStage turns the raw upstream payload into a Graph on the context.
// The payload wraps the graph in a top-level "result" member; tool-call style
// upstreams sometimes return the graph bare, which is also accepted.
func parseStage(pctx *Context) error {
	raw := bytes.TrimSpace(pctx.RawPayload)
	if len(raw) == 0 {
		return &ParseError{Reason: ReasonEmptyResponse, Message: "upstream returned an empty body"}
	}
	if !json.Valid(raw) {
		// Models occasionally wrap JSON in a markdown fence; salvage that
		// before giving up.
		if stripped, ok := stripFence(raw); ok && json.Valid(stripped) {
			raw = stripped
		} else {
			return &ParseError{Reason: ReasonNonJSON, Message: "upstream body is not JSON"}
		}
	}

	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return &ParseError{Reason: ReasonNonJSON, Message: "upstream body is not a JSON object"}
	}
	if rawRats, ok := outer["rationales"]; ok {
		// Rationales ride alongside the result; a malformed list is dropped
		// rather than failing the whole draft.
		var rats []Rationale
		if err := json.Unmarshal(rawRats, &rats); err == nil {
			pctx.Rationales = rats
		}
	}

	result, ok := outer["result"]
	if !ok {
		// Bare graph: accept when it looks like one.
		if _, hasNodes := outer["nodes"]; hasNodes {
			result = raw
		} else {
			return &ParseError{Reason: ReasonMissingResult, Message: `payload has no "result" member`}
		}
	}

	var doc any
	if err := json.Unmarshal(result, &doc); err != nil {
		return &ParseError{Reason: ReasonNonJSON, Message: "result member is not JSON"}
	}
	if err := draftSchema.Validate(doc); err != nil {
		return &ParseError{Reason: ReasonInvalidSchema, Message: schemaFailure(err)}
	}

	var g graph.Graph
	if err := json.Unmarshal(result, &g); err != nil {
		return &ParseError{Reason: ReasonInvalidSchema, Message: err.Error()}
	}
	if len(g.Nodes) > llm.MaxNodes {
		return &ParseError{
			Reason:  ReasonInvalidSchema,
			Message: fmt.Sprintf("graph has %d nodes, limit is %d", len(g.Nodes), llm.MaxNodes),
		}
	}
	if len(g.Edges) > llm.MaxEdges {
		return &ParseError{
			Reason:  ReasonInvalidSchema,
			Message: fmt.Sprintf("graph has %d edges, limit is %d", len(g.Edges), llm.MaxEdges),
		}
	}
	if err := g.Validate(); err != nil {
		return &ParseError{Reason: ReasonInvalidSchema, Message: err.Error()}
	}
	if g.Seed == 0 {
		g.Seed = pctx.Seed
	}
	pctx.Graph = &g
	return nil
}

func stripFence(raw []byte) ([]byte, bool) {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return nil, false
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return []byte(strings.TrimSpace(s)), true
}

func schemaFailure(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return err.Error()
}
