// Package anthropic implements the adapter contract against the Anthropic
// Messages API. Operation payloads are requested as single JSON documents;
// the unified pipeline owns all parsing beyond content extraction.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olumi/cee/internal/llm"
)

const defaultModel = "claude-sonnet-4-5"

type Adapter struct {
	ProviderName string
	APIKey       string
	BaseURL      string
	Model        string
	Client       *http.Client
}

func NewFromEnv() (*Adapter, error) {
	key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if key == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return New(key, os.Getenv("ANTHROPIC_BASE_URL"), os.Getenv("ANTHROPIC_MODEL")), nil
}

func New(apiKey, baseURL, model string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.anthropic.com"
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &Adapter{
		ProviderName: "anthropic",
		APIKey:       strings.TrimSpace(apiKey),
		BaseURL:      base,
		Model:        model,
		// Avoid short client-level timeouts; rely on request context deadlines instead.
		Client: &http.Client{Timeout: 0},
	}
}

func (a *Adapter) Name() string {
	if a.ProviderName != "" {
		return a.ProviderName
	}
	return "anthropic"
}

type wireResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Model      string `json:"model"`
	Usage      struct {
		InputTokens              int  `json:"input_tokens"`
		OutputTokens             int  `json:"output_tokens"`
		CacheCreationInputTokens *int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     *int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// complete issues one Messages call and returns the raw text payload plus
// call metadata.
func (a *Adapter) complete(ctx context.Context, system, user string, opts llm.CallOpts) (*llm.Result, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body := map[string]any{
		"model":      a.Model,
		"max_tokens": 8192,
		"messages": []map[string]any{
			{"role": "user", "content": user},
		},
	}
	if strings.TrimSpace(system) != "" {
		body["system"] = system
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	if opts.RequestID != "" {
		req.Header.Set("X-Request-Id", opts.RequestID)
	}

	start := time.Now()
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, llm.ClassifyTransportError(a.Name(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, llm.ClassifyTransportError(a.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		retryAfter := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, upstreamMessage(payload), retryAfter)
	}

	var wire wireResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, "unparseable response body", nil)
	}
	var text strings.Builder
	for _, c := range wire.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if opts.Collector != nil {
		opts.Collector.RawText = text.String()
		opts.Collector.RawJSON = append(json.RawMessage(nil), payload...)
	}

	return &llm.Result{
		JSON: json.RawMessage(text.String()),
		Usage: llm.Usage{
			InputTokens:              wire.Usage.InputTokens,
			OutputTokens:             wire.Usage.OutputTokens,
			CacheCreationInputTokens: wire.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     wire.Usage.CacheReadInputTokens,
		},
		Meta: llm.CallMeta{
			Provider:        a.Name(),
			Model:           wire.Model,
			FinishReason:    wire.StopReason,
			ProviderLatency: time.Since(start),
			Degraded:        resp.Header.Get("X-Olumi-Degraded"),
		},
	}, nil
}

func upstreamMessage(payload []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(payload))
}

func (a *Adapter) DraftGraph(ctx context.Context, args llm.DraftGraphArgs, opts llm.CallOpts) (*llm.Result, error) {
	user := fmt.Sprintf("Brief:\n%s\n\nSeed: %d", args.Brief, args.Seed)
	if args.ArchetypeHint != "" {
		user += "\nArchetype hint: " + args.ArchetypeHint
	}
	return a.complete(ctx, args.SystemPrompt, user, opts)
}

func (a *Adapter) SuggestOptions(ctx context.Context, args llm.SuggestOptionsArgs, opts llm.CallOpts) (*llm.Result, error) {
	user := fmt.Sprintf("Brief:\n%s\n\nGraph:\n%s", args.Brief, string(args.GraphJSON))
	return a.complete(ctx, args.SystemPrompt, user, opts)
}

func (a *Adapter) RepairGraph(ctx context.Context, args llm.RepairGraphArgs, opts llm.CallOpts) (*llm.Result, error) {
	user := fmt.Sprintf("Graph:\n%s\n\nViolations:\n- %s",
		string(args.GraphJSON), strings.Join(args.Violations, "\n- "))
	return a.complete(ctx, args.SystemPrompt, user, opts)
}

func (a *Adapter) ClarifyBrief(ctx context.Context, args llm.ClarifyBriefArgs, opts llm.CallOpts) (*llm.Result, error) {
	return a.complete(ctx, args.SystemPrompt, args.Brief, opts)
}

func (a *Adapter) CritiqueGraph(ctx context.Context, args llm.CritiqueGraphArgs, opts llm.CallOpts) (*llm.Result, error) {
	return a.complete(ctx, args.SystemPrompt, string(args.GraphJSON), opts)
}

func (a *Adapter) ExplainDiff(ctx context.Context, args llm.ExplainDiffArgs, opts llm.CallOpts) (*llm.Result, error) {
	user := fmt.Sprintf("Before:\n%s\n\nAfter:\n%s", string(args.BeforeJSON), string(args.AfterJSON))
	return a.complete(ctx, args.SystemPrompt, user, opts)
}
