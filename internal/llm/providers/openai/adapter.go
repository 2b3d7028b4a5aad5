// Package openai implements the adapter contract against the OpenAI Chat
// Completions API, including streaming draft support.
package openai

import (
	"bufio"
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

const defaultModel = "gpt-4o"

type Adapter struct {
	ProviderName string
	APIKey       string
	BaseURL      string
	Model        string
	Client       *http.Client
}

func NewFromEnv() (*Adapter, error) {
	key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	return New(key, os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_MODEL")), nil
}

func New(apiKey, baseURL, model string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &Adapter{
		ProviderName: "openai",
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
	return "openai"
}

func (a *Adapter) newRequest(ctx context.Context, system, user string, stream bool, opts llm.CallOpts) (*http.Request, error) {
	body := map[string]any{
		"model": a.Model,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"response_format": map[string]any{"type": "json_object"},
	}
	if stream {
		body["stream"] = true
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	if opts.RequestID != "" {
		req.Header.Set("X-Request-Id", opts.RequestID)
	}
	return req, nil
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *Adapter) complete(ctx context.Context, system, user string, opts llm.CallOpts) (*llm.Result, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	req, err := a.newRequest(ctx, system, user, false, opts)
	if err != nil {
		return nil, err
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
	var content, finish string
	if len(wire.Choices) > 0 {
		content = wire.Choices[0].Message.Content
		finish = wire.Choices[0].FinishReason
	}
	if opts.Collector != nil {
		opts.Collector.RawText = content
		opts.Collector.RawJSON = append(json.RawMessage(nil), payload...)
	}

	return &llm.Result{
		JSON: json.RawMessage(content),
		Usage: llm.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
		Meta: llm.CallMeta{
			Provider:        a.Name(),
			Model:           wire.Model,
			FinishReason:    finish,
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

// StreamDraftGraph opens a streaming completion and yields content deltas as
// chunks. The caller owns Close.
func (a *Adapter) StreamDraftGraph(ctx context.Context, args llm.DraftGraphArgs, opts llm.CallOpts) (llm.Stream, error) {
	if a.Client == nil {
		a.Client = &http.Client{Timeout: 0}
	}
	user := fmt.Sprintf("Brief:\n%s\n\nSeed: %d", args.Brief, args.Seed)
	req, err := a.newRequest(ctx, args.SystemPrompt, user, true, opts)
	if err != nil {
		return nil, err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, llm.ClassifyTransportError(a.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		retryAfter := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, llm.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, upstreamMessage(payload), retryAfter)
	}
	return &sseStream{provider: a.Name(), body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// sseStream adapts the upstream data-only SSE framing to StreamChunks.
type sseStream struct {
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	done     bool
}

func (s *sseStream) Recv() (llm.StreamChunk, error) {
	if s.done {
		return llm.StreamChunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return llm.StreamChunk{}, io.EOF
		}
		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == "" {
			continue
		}
		delta, _ := json.Marshal(frame.Choices[0].Delta.Content)
		return llm.StreamChunk{Type: "delta", Data: delta}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return llm.StreamChunk{}, llm.ClassifyTransportError(s.provider, err)
	}
	s.done = true
	return llm.StreamChunk{}, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
