package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/olumi/cee/internal/envelope"
	"github.com/olumi/cee/internal/llm"
	"github.com/olumi/cee/internal/llm/llmtest"
	"github.com/olumi/cee/internal/pipeline"
)

const testAPIKey = "test-key"

// newTestServer creates a Server over a scripted adapter and wraps its
// handler in httptest.Server.
func newTestServer(t *testing.T, adapter llm.Adapter, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	if adapter == nil {
		adapter = llmtest.Deterministic("anthropic")
	}
	cfg := Config{
		Addr:                ":0",
		APIKeys:             []string{testAPIKey},
		ResumeSecret:        []byte("resume-secret"),
		ResumeLiveEnabled:   true,
		EvidencePackEnabled: true,
		DraftTimeout:        5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, pipeline.New(adapter, nil, nil), envelope.NewFinalizer(nil))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})
	return srv, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

// sseFrame is one parsed SSE frame; comments (heartbeats) are counted
// separately by the parser.
type sseFrame struct {
	Type string
	Seq  int
	Data map[string]any
	Raw  string
}

func parseSSE(t *testing.T, body string) (frames []sseFrame, heartbeats int) {
	t.Helper()
	cur := sseFrame{Seq: -1}
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, ":"):
			heartbeats++
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			seq, err := strconv.Atoi(strings.TrimPrefix(line, "id: "))
			if err != nil {
				t.Fatalf("bad id line %q: %v", line, err)
			}
			cur.Seq = seq
		case strings.HasPrefix(line, "data: "):
			cur.Raw = strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(cur.Raw), &cur.Data); err != nil {
				t.Fatalf("bad data line %q: %v", line, err)
			}
		case line == "":
			if cur.Type != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{Seq: -1}
		}
	}
	return frames, heartbeats
}

// readFrames reads n SSE frames from an open stream.
func readFrames(t *testing.T, r *bufio.Reader, n int) []sseFrame {
	t.Helper()
	var raw strings.Builder
	frames := 0
	for frames < n {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream after %d frames: %v", frames, err)
		}
		raw.WriteString(line)
		if line == "\n" && strings.Contains(raw.String(), "event: ") {
			parsed, _ := parseSSE(t, raw.String())
			frames = len(parsed)
		}
	}
	parsed, _ := parseSSE(t, raw.String())
	return parsed
}

func TestIntegration_HealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
	if _, ok := body["active_streams"]; !ok {
		t.Error("health body missing active_streams")
	}
}

func TestIntegration_DraftGraphHappyPath(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := postJSON(t, ts, "/assist/v1/draft-graph",
		`{"brief": "Increase marketing spend by 20% next quarter?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(HeaderAPIVersion) != APIVersion {
		t.Errorf("missing %s header", HeaderAPIVersion)
	}
	if resp.Header.Get(HeaderRequestID) == "" {
		t.Errorf("missing %s header", HeaderRequestID)
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body["schema_version"] != "3.0" {
		t.Errorf("schema_version = %v, want 3.0", body["schema_version"])
	}
	if _, ok := body["analysis_ready"]; !ok {
		t.Error("v3 body missing analysis_ready")
	}
	arch, _ := body["archetype"].(map[string]any)
	if arch == nil || arch["decision_type"] == "" {
		t.Errorf("archetype missing: %v", body["archetype"])
	}
	limits, _ := body["response_limits"].(map[string]any)
	if limits == nil {
		t.Fatal("response_limits missing")
	}
	if v, ok := limits["options_truncated"].(bool); !ok || v {
		t.Errorf("options_truncated = %v, want explicit false", limits["options_truncated"])
	}
	rationales, ok := body["rationales"].([]any)
	if !ok || len(rationales) == 0 {
		t.Errorf("rationales missing: %v", body["rationales"])
	}
	options, ok := body["options"].([]any)
	if !ok || len(options) == 0 {
		t.Errorf("options missing: %v", body["options"])
	}
	if sugg, ok := body["evidence_suggestions"].([]any); !ok || len(sugg) == 0 {
		t.Errorf("evidence_suggestions missing: %v", body["evidence_suggestions"])
	}
	if sugg, ok := body["sensitivity_suggestions"].([]any); !ok || len(sugg) == 0 {
		t.Errorf("sensitivity_suggestions missing: %v", body["sensitivity_suggestions"])
	}
	if body["fingerprint"] == "" {
		t.Error("fingerprint missing")
	}
}

func TestIntegration_DraftGraphSchemaV2(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := postJSON(t, ts, "/assist/v1/draft-graph?schema=2.2",
		`{"brief": "Increase marketing spend by 20% next quarter?"}`)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["schema_version"] != "2.2" {
		t.Errorf("schema_version = %v, want 2.2", body["schema_version"])
	}
	graphJSON, err := json.Marshal(body["graph"])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(graphJSON), `"type":"factor"`) {
		t.Error("v2 graph nodes missing type field")
	}
	if strings.Contains(string(graphJSON), `"kind"`) {
		t.Error("v2 graph still carries kind")
	}
	if !strings.Contains(string(graphJSON), `"strength_std"`) {
		t.Error("v2 graph edges missing flat strength_std")
	}
	if _, ok := body["analysis_ready"]; ok {
		t.Error("analysis_ready present on a v2 body")
	}
}

func TestIntegration_DraftGraphValidation(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := postJSON(t, ts, "/assist/v1/draft-graph", `{"brief": "  "}`)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty brief: expected 400, got %d", resp.StatusCode)
	}
	if body["code"] != "CEE_VALIDATION_FAILED" {
		t.Errorf("code = %v, want CEE_VALIDATION_FAILED", body["code"])
	}
	if body["schema"] != "cee.error.v1" {
		t.Errorf("error schema = %v", body["schema"])
	}

	resp = postJSON(t, ts, "/assist/v1/draft-graph?schema=v9", `{"brief": "x"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown schema: expected 400, got %d", resp.StatusCode)
	}
}

func TestIntegration_AuthRequired(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp, err := http.Post(ts.URL+"/assist/v1/draft-graph", "application/json",
		strings.NewReader(`{"brief": "x"}`))
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body["code"] != "BAD_INPUT" {
		t.Errorf("code = %v, want BAD_INPUT", body["code"])
	}
}

func TestIntegration_HMACSignedRequest(t *testing.T) {
	secret := []byte("shared-hmac")
	_, ts := newTestServer(t, nil, func(cfg *Config) {
		cfg.APIKeys = nil
		cfg.HMACSecret = secret
	})

	body := `{"brief": "Should we cut the subscription price?"}`
	ts2 := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := "nonce-1"
	sig := signRequest(secret, "POST", "/assist/v1/draft-graph", ts2, nonce, []byte(body))

	req, _ := http.NewRequest("POST", ts.URL+"/assist/v1/draft-graph", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts2)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
}

func TestIntegration_DraftGraphUpstreamTimeout(t *testing.T) {
	adapter := llmtest.Deterministic("anthropic")
	adapter.DraftGraphFunc = func(context.Context, llm.DraftGraphArgs, llm.CallOpts) (*llm.Result, error) {
		return nil, llm.NewTimeoutError("anthropic", "deadline exceeded")
	}
	_, ts := newTestServer(t, adapter, nil)

	resp := postJSON(t, ts, "/assist/v1/draft-graph", `{"brief": "x"}`)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	if body["code"] != "CEE_LLM_TIMEOUT" {
		t.Errorf("code = %v, want CEE_LLM_TIMEOUT", body["code"])
	}
	if body["retryable"] != true {
		t.Error("timeout not marked retryable")
	}
}

func TestIntegration_GraphReadinessAcceptsSourceTargetEdges(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := postJSON(t, ts, "/assist/v1/graph-readiness", `{"graph": {
		"nodes": [
			{"id": "goal_1", "kind": "goal", "label": "Grow revenue"},
			{"id": "opt_1", "kind": "option", "label": "Raise prices"},
			{"id": "fac_1", "kind": "factor", "label": "Churn", "data": {"category": "external", "value": 0.3}}
		],
		"edges": [
			{"id": "e_1", "source": "opt_1", "target": "fac_1",
			 "strength": {"mean": 0.5, "std": 0.2}, "exists_probability": 0.9},
			{"id": "e_2", "source": "fac_1", "target": "goal_1",
			 "strength": {"mean": 0.5, "std": 0.2}, "exists_probability": 0.9}
		]
	}}`)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["can_run_analysis"] != true {
		t.Errorf("can_run_analysis = %v, want true", body["can_run_analysis"])
	}
	if body["total_factor_count"] != float64(1) || body["factor_count"] != float64(1) {
		t.Errorf("factor counts = %v / %v, want 1 / 1", body["total_factor_count"], body["factor_count"])
	}
	level, _ := body["readiness_level"].(string)
	if level != "ready" && level != "fair" && level != "needs_work" {
		t.Errorf("readiness_level = %q", level)
	}
	if body["confidence_level"] == "" {
		t.Error("confidence_level missing")
	}
	trace, _ := body["trace"].(map[string]any)
	if trace == nil || trace["request_id"] == "" {
		t.Errorf("trace missing: %v", body["trace"])
	}

	resp = postJSON(t, ts, "/assist/v1/graph-readiness", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing graph: expected 400, got %d", resp.StatusCode)
	}
}

func TestIntegration_BiasCheck(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := postJSON(t, ts, "/assist/v1/bias-check", `{"graph": {
		"nodes": [
			{"id": "goal_1", "kind": "goal", "label": "Grow"},
			{"id": "opt_1", "kind": "option", "label": "Only option"},
			{"id": "fac_1", "kind": "factor", "data": {"category": "controllable", "value": 0.5}},
			{"id": "risk_ignored", "kind": "outcome"}
		],
		"edges": [
			{"id": "e_1", "from": "opt_1", "to": "fac_1",
			 "strength": {"mean": 0.5, "std": 0.2}, "exists_probability": 0.9}
		]
	}}`)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	findings, _ := body["bias_findings"].([]any)
	codes := map[string]bool{}
	for _, f := range findings {
		m := f.(map[string]any)
		codes[m["code"].(string)] = true
	}
	if !codes["SINGLE_OPTION"] {
		t.Errorf("expected SINGLE_OPTION finding, got %v", codes)
	}
}

func TestIntegration_RateLimit(t *testing.T) {
	_, ts := newTestServer(t, nil, func(cfg *Config) {
		cfg.RateLimits = map[string]int{FeatureGraphReadiness: 3}
	})

	graphBody := `{"graph": {"nodes": [{"id": "goal_1", "kind": "goal"}], "edges": []}}`
	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts, "/assist/v1/graph-readiness", graphBody)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}

	resp := postJSON(t, ts, "/assist/v1/graph-readiness", graphBody)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("fourth call: expected 429, got %d", resp.StatusCode)
	}
	if body["code"] != "CEE_RATE_LIMIT" {
		t.Errorf("code = %v, want CEE_RATE_LIMIT", body["code"])
	}
	retryHeader := resp.Header.Get("Retry-After")
	if retryHeader == "" {
		t.Fatal("missing Retry-After header")
	}
	details, _ := body["details"].(map[string]any)
	if details == nil {
		t.Fatal("missing details")
	}
	if strconv.FormatFloat(details["retry_after_seconds"].(float64), 'f', -1, 64) != retryHeader {
		t.Errorf("retry_after_seconds %v != Retry-After %s", details["retry_after_seconds"], retryHeader)
	}
}

func TestIntegration_StreamEmitsOrderedEvents(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := postJSON(t, ts, "/assist/draft-graph/stream", `{"brief": "Cut the subscription price?"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	raw, err := io.ReadAll(resp.Body) // server closes after the terminal event
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	frames, _ := parseSSE(t, string(raw))
	if len(frames) < 3 {
		t.Fatalf("got %d frames, want at least stage+resume+complete", len(frames))
	}

	if frames[0].Type != EventStage || frames[0].Seq != 0 || frames[0].Data["stage"] != "DRAFTING" {
		t.Fatalf("frame 0 = %+v, want stage DRAFTING seq 0", frames[0])
	}
	if frames[1].Type != EventResume || frames[1].Seq != 1 {
		t.Fatalf("frame 1 = %+v, want resume seq 1", frames[1])
	}
	if tok, _ := frames[1].Data["token"].(string); tok == "" {
		t.Fatal("resume frame missing token")
	}
	for i, f := range frames {
		if f.Seq != i {
			t.Fatalf("frame %d has seq %d; sequence must be gapless", i, f.Seq)
		}
	}
	last := frames[len(frames)-1]
	if last.Type != EventComplete {
		t.Fatalf("last frame = %+v, want complete", last)
	}
	if last.Data["schema_version"] != "3.0" {
		t.Errorf("complete payload schema_version = %v", last.Data["schema_version"])
	}
}

// runStreamToCompletion opens a stream, reads it fully, and returns the
// frames plus the resume token.
func runStreamToCompletion(t *testing.T, ts *httptest.Server) ([]sseFrame, string) {
	t.Helper()
	resp := postJSON(t, ts, "/assist/draft-graph/stream", `{"brief": "Cut the subscription price?"}`)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	frames, _ := parseSSE(t, string(raw))
	if len(frames) < 2 || frames[1].Type != EventResume {
		t.Fatalf("stream did not produce a resume frame: %+v", frames)
	}
	token, _ := frames[1].Data["token"].(string)
	return frames, token
}

func resume(t *testing.T, ts *httptest.Server, token, mode string) *http.Response {
	t.Helper()
	path := "/assist/draft-graph/resume"
	if mode != "" {
		path += "?mode=" + mode
	}
	req, _ := http.NewRequest("POST", ts.URL+path, nil)
	req.Header.Set(HeaderAPIKey, testAPIKey)
	req.Header.Set(HeaderResumeToken, token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST resume: %v", err)
	}
	return resp
}

func TestIntegration_ResumeReplaysAfterCompletion(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	original, token := runStreamToCompletion(t, ts)

	replayOnce := func() []sseFrame {
		resp := resume(t, ts, token, "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("resume: expected 200, got %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read resume stream: %v", err)
		}
		frames, _ := parseSSE(t, string(raw))
		return frames
	}

	first := replayOnce()
	second := replayOnce()

	want := original[2:] // everything past the token's seq=1
	for name, got := range map[string][]sseFrame{"first": first, "second": second} {
		if len(got) != len(want) {
			t.Fatalf("%s resume replayed %d frames, want %d", name, len(got), len(want))
		}
		for i := range got {
			if got[i].Seq != want[i].Seq || got[i].Type != want[i].Type {
				t.Fatalf("%s resume frame %d = (%d, %s), want (%d, %s)",
					name, i, got[i].Seq, got[i].Type, want[i].Seq, want[i].Type)
			}
		}
	}
	if first[len(first)-1].Type != EventComplete {
		t.Fatal("replay of a finished stream must end with complete")
	}
}

func gatedAdapter(gate chan struct{}) *llmtest.Scripted {
	a := llmtest.Deterministic("anthropic")
	inner := a.DraftGraphFunc
	a.DraftGraphFunc = func(ctx context.Context, args llm.DraftGraphArgs, opts llm.CallOpts) (*llm.Result, error) {
		select {
		case <-gate:
			return inner(ctx, args, opts)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a
}

func TestIntegration_ResumeWhileInProgressIsReplayOnly(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	srv, ts := newTestServer(t, gatedAdapter(gate), nil)

	resp := postJSON(t, ts, "/assist/draft-graph/stream", `{"brief": "Cut the price?"}`)
	defer resp.Body.Close()
	frames := readFrames(t, bufio.NewReader(resp.Body), 2)
	token, _ := frames[1].Data["token"].(string)
	if token == "" {
		t.Fatal("no resume token on the open stream")
	}

	// Replay-only resume while the draft is still blocked upstream: nothing
	// buffered past seq 1, no terminal event, a final heartbeat, then close.
	rresp := resume(t, ts, token, "")
	raw, err := io.ReadAll(rresp.Body)
	rresp.Body.Close()
	if err != nil {
		t.Fatalf("read resume body: %v", err)
	}
	replayed, heartbeats := parseSSE(t, string(raw))
	if len(replayed) != 0 {
		t.Fatalf("in-progress replay returned %d frames, want 0: %+v", len(replayed), replayed)
	}
	if heartbeats == 0 {
		t.Fatal("in-progress replay missing final heartbeat")
	}

	// Release the draft and wait for the stream to finish.
	gate <- struct{}{}
	tok, err := srv.signer.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := srv.hub.Get(tok.RequestID)
		if st != nil && st.Terminated() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream did not terminate after the gate opened")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rresp = resume(t, ts, token, "")
	raw, err = io.ReadAll(rresp.Body)
	rresp.Body.Close()
	if err != nil {
		t.Fatalf("read second resume body: %v", err)
	}
	replayed, _ = parseSSE(t, string(raw))
	if len(replayed) == 0 || replayed[len(replayed)-1].Type != EventComplete {
		t.Fatalf("post-completion replay missing complete: %+v", replayed)
	}
	for _, f := range replayed {
		if f.Seq <= 1 {
			t.Fatalf("replay included already-delivered seq %d", f.Seq)
		}
	}
}

func TestIntegration_ResumeLiveFollowsToCompletion(t *testing.T) {
	gate := make(chan struct{})
	srv, ts := newTestServer(t, gatedAdapter(gate), nil)
	_ = srv

	resp := postJSON(t, ts, "/assist/draft-graph/stream", `{"brief": "Cut the price?"}`)
	frames := readFrames(t, bufio.NewReader(resp.Body), 2)
	token, _ := frames[1].Data["token"].(string)
	resp.Body.Close() // the client connection dies; the draft keeps running

	done := make(chan []sseFrame, 1)
	go func() {
		rresp := resume(t, ts, token, "live")
		defer rresp.Body.Close()
		raw, err := io.ReadAll(rresp.Body)
		if err != nil {
			done <- nil
			return
		}
		parsed, _ := parseSSE(t, string(raw))
		done <- parsed
	}()

	// Give the live resumer a moment to attach, then let the draft finish.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	select {
	case replayed := <-done:
		if len(replayed) == 0 {
			t.Fatal("live resume returned nothing")
		}
		last := replayed[len(replayed)-1]
		if last.Type != EventComplete {
			t.Fatalf("live resume last frame = %+v, want complete", last)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("live resume did not complete")
	}
}

func TestIntegration_ResumeLiveDisabledDegradesToReplay(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	_, ts := newTestServer(t, gatedAdapter(gate), func(cfg *Config) {
		cfg.ResumeLiveEnabled = false
	})

	resp := postJSON(t, ts, "/assist/draft-graph/stream", `{"brief": "Cut the price?"}`)
	defer resp.Body.Close()
	frames := readFrames(t, bufio.NewReader(resp.Body), 2)
	token, _ := frames[1].Data["token"].(string)

	// mode=live must not hang when live resume is disabled: the handler
	// degrades to replay-only and closes.
	rresp := resume(t, ts, token, "live")
	raw, err := io.ReadAll(rresp.Body)
	rresp.Body.Close()
	if err != nil {
		t.Fatalf("read degraded resume: %v", err)
	}
	replayed, heartbeats := parseSSE(t, string(raw))
	if len(replayed) != 0 || heartbeats == 0 {
		t.Fatalf("degraded resume: %d frames, %d heartbeats; want replay-only close", len(replayed), heartbeats)
	}
}

func TestIntegration_ResumeTamperedToken(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	_, token := runStreamToCompletion(t, ts)

	// Corrupt the signature half.
	tampered := token[:len(token)-2] + "00"
	resp := resume(t, ts, tampered, "")
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body["code"] != "BAD_INPUT" {
		t.Errorf("code = %v, want BAD_INPUT", body["code"])
	}
}

func TestIntegration_ResumeUnknownStream426(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	// Properly signed token for a stream this server never opened.
	token, err := NewTokenSigner([]byte("resume-secret")).Sign(ResumeToken{RequestID: "01UNKNOWN", Seq: 1})
	if err != nil {
		t.Fatal(err)
	}
	resp := resume(t, ts, token, "")
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", resp.StatusCode)
	}
	details, _ := body["details"].(map[string]any)
	if details == nil || details["upgrade"] != "resume=unsupported" {
		t.Errorf("details = %v, want upgrade=resume=unsupported", body["details"])
	}
}

func TestIntegration_EvidencePack(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	packBody := `{"citations": [{"title": "Churn report", "url": "https://example.com"}],
		"rationales": [{"node_id": "goal_1", "text": "stated objective"}],
		"csv_stats": [{"name": "churn", "value": 0.06, "unit": "ratio"}]}`

	resp := postJSON(t, ts, "/assist/evidence-pack", packBody)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("default format Content-Type = %q", ct)
	}

	resp = postJSON(t, ts, "/assist/evidence-pack?format=csv", packBody)
	resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("csv Content-Type = %q", ct)
	}

	resp = postJSON(t, ts, "/assist/evidence-pack?format=xml", packBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown format: expected 400, got %d", resp.StatusCode)
	}
}

func TestIntegration_EvidencePackDisabled(t *testing.T) {
	_, ts := newTestServer(t, nil, func(cfg *Config) {
		cfg.EvidencePackEnabled = false
	})
	resp := postJSON(t, ts, "/assist/evidence-pack", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
