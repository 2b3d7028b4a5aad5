// Package llm defines the provider-agnostic adapter contract and the
// failover facade that sequences adapters for non-streaming operations.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Operation names, used for telemetry and prompt resolution.
const (
	OpDraftGraph     = "draft_graph"
	OpSuggestOptions = "suggest_options"
	OpRepairGraph    = "repair_graph"
	OpClarifyBrief   = "clarify_brief"
	OpCritiqueGraph  = "critique_graph"
	OpExplainDiff    = "explain_diff"
)

// CallOpts is the per-call control block threaded into every adapter call.
// Cancellation travels on the context; Timeout is applied by the caller as a
// context deadline when set.
type CallOpts struct {
	RequestID   string
	Timeout     time.Duration
	BypassCache bool

	// Collector, when non-nil, receives unsafe diagnostic payloads (raw
	// text, raw JSON). Nothing unsafe is produced without it.
	Collector *DiagnosticsCollector
}

// DiagnosticsCollector gates raw upstream payloads behind an explicit opt-in.
type DiagnosticsCollector struct {
	RawText string
	RawJSON json.RawMessage
}

// Usage is upstream token accounting.
type Usage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens,omitempty"`
}

// CallMeta is optional observability metadata attached to results.
type CallMeta struct {
	Provider        string        `json:"provider,omitempty"`
	Model           string        `json:"model,omitempty"`
	PromptVersion   string        `json:"prompt_version,omitempty"`
	PromptHash      string        `json:"prompt_hash,omitempty"`
	Temperature     *float64      `json:"temperature,omitempty"`
	Seed            *int64        `json:"seed,omitempty"`
	FinishReason    string        `json:"finish_reason,omitempty"`
	ProviderLatency time.Duration `json:"provider_latency_ms,omitempty"`

	// Degraded holds the raw X-Olumi-Degraded header value when the
	// upstream response carried one. Any non-empty value marks the engine
	// degraded; the string itself is preserved in the trace.
	Degraded string `json:"degraded,omitempty"`
}

// Result carries the raw model JSON for one operation. The unified pipeline
// owns parsing; adapters only guarantee the payload is the model's output.
type Result struct {
	JSON  json.RawMessage
	Usage Usage
	Meta  CallMeta
}

// DraftGraphArgs are the arguments for draft_graph and stream_draft_graph.
type DraftGraphArgs struct {
	Brief         string
	ArchetypeHint string
	Seed          int64
	SystemPrompt  string
}

type SuggestOptionsArgs struct {
	Brief        string
	GraphJSON    json.RawMessage
	SystemPrompt string
}

type RepairGraphArgs struct {
	GraphJSON    json.RawMessage
	Violations   []string
	SystemPrompt string
}

type ClarifyBriefArgs struct {
	Brief        string
	SystemPrompt string
}

type CritiqueGraphArgs struct {
	GraphJSON    json.RawMessage
	SystemPrompt string
}

type ExplainDiffArgs struct {
	BeforeJSON   json.RawMessage
	AfterJSON    json.RawMessage
	SystemPrompt string
}

// Adapter is the uniform surface over one upstream model provider.
type Adapter interface {
	Name() string
	DraftGraph(ctx context.Context, args DraftGraphArgs, opts CallOpts) (*Result, error)
	SuggestOptions(ctx context.Context, args SuggestOptionsArgs, opts CallOpts) (*Result, error)
	RepairGraph(ctx context.Context, args RepairGraphArgs, opts CallOpts) (*Result, error)
	ClarifyBrief(ctx context.Context, args ClarifyBriefArgs, opts CallOpts) (*Result, error)
	CritiqueGraph(ctx context.Context, args CritiqueGraphArgs, opts CallOpts) (*Result, error)
	ExplainDiff(ctx context.Context, args ExplainDiffArgs, opts CallOpts) (*Result, error)
}

// StreamingAdapter is implemented by adapters that can stream draft events.
type StreamingAdapter interface {
	Adapter
	StreamDraftGraph(ctx context.Context, args DraftGraphArgs, opts CallOpts) (Stream, error)
}

// Stream yields incremental chunks for a streaming draft. Close releases the
// underlying connection and is safe to call more than once.
type Stream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// StreamChunk is one incremental streaming payload.
type StreamChunk struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Size caps enforced server-side regardless of upstream behaviour.
const (
	MaxNodes = 50
	MaxEdges = 200
)
