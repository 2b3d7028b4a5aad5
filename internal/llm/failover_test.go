package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olumi/cee/internal/llm"
	"github.com/olumi/cee/internal/llm/llmtest"
	"github.com/olumi/cee/internal/telemetry"
)

func retryableErr() error {
	return llm.ErrorFromHTTPStatus("a", 503, "overloaded", nil)
}

func TestFailoverSecondAdapterSucceeds(t *testing.T) {
	rec := &telemetry.Recorder{}

	a := llmtest.Deterministic("a")
	a.DraftGraphFunc = func(context.Context, llm.DraftGraphArgs, llm.CallOpts) (*llm.Result, error) {
		return nil, retryableErr()
	}
	b := llmtest.Deterministic("b")

	f, err := llm.NewFailover([]llm.Adapter{a, b}, rec)
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.DraftGraph(context.Background(), llm.DraftGraphArgs{Brief: "x"}, llm.CallOpts{})
	if err != nil {
		t.Fatalf("DraftGraph: %v", err)
	}
	if res.Meta.Provider != "b" {
		t.Fatalf("result provider = %s, want b", res.Meta.Provider)
	}

	if n := len(rec.Named("provider.failover")); n != 1 {
		t.Fatalf("provider.failover events = %d, want 1", n)
	}
	succ := rec.Named("provider.failover.success")
	if len(succ) != 1 {
		t.Fatalf("provider.failover.success events = %d, want 1", len(succ))
	}
	if succ[0].Fields["primary"] != "a" || succ[0].Fields["chosen"] != "b" {
		t.Fatalf("success fields = %v", succ[0].Fields)
	}
}

func TestFailoverExhaustedEnumeratesAllProviders(t *testing.T) {
	rec := &telemetry.Recorder{}
	fail := func(name string) *llmtest.Scripted {
		s := llmtest.Deterministic(name)
		s.DraftGraphFunc = func(context.Context, llm.DraftGraphArgs, llm.CallOpts) (*llm.Result, error) {
			return nil, llm.ErrorFromHTTPStatus(name, 502, "bad gateway", nil)
		}
		return s
	}
	f, _ := llm.NewFailover([]llm.Adapter{fail("a"), fail("b"), fail("c")}, rec)

	_, err := f.DraftGraph(context.Background(), llm.DraftGraphArgs{Brief: "x"}, llm.CallOpts{})
	var agg *llm.FailoverExhaustedError
	if !errors.As(err, &agg) {
		t.Fatalf("err = %T, want FailoverExhaustedError", err)
	}
	if len(agg.Errors()) != 3 {
		t.Fatalf("failures = %d, want 3", len(agg.Errors()))
	}
	for i, name := range []string{"a", "b", "c"} {
		if agg.Errors()[i].Provider != name {
			t.Fatalf("failure[%d].Provider = %s, want %s", i, agg.Errors()[i].Provider, name)
		}
	}
	if len(rec.Named("provider.failover.exhausted")) != 1 {
		t.Fatal("exhausted event missing")
	}
}

func TestFailoverStopsOnNonRetryableError(t *testing.T) {
	a := llmtest.Deterministic("a")
	a.DraftGraphFunc = func(context.Context, llm.DraftGraphArgs, llm.CallOpts) (*llm.Result, error) {
		return nil, llm.ErrorFromHTTPStatus("a", 400, "bad request", nil)
	}
	b := llmtest.Deterministic("b")

	f, _ := llm.NewFailover([]llm.Adapter{a, b}, nil)
	_, err := f.DraftGraph(context.Background(), llm.DraftGraphArgs{Brief: "x"}, llm.CallOpts{})
	var agg *llm.FailoverExhaustedError
	if !errors.As(err, &agg) {
		t.Fatalf("err = %T", err)
	}
	if len(agg.Errors()) != 1 {
		t.Fatalf("failures = %d, want 1 (4xx must not fail over)", len(agg.Errors()))
	}
	if len(b.Calls) != 0 {
		t.Fatal("fallback adapter was invoked after a non-retryable error")
	}
}

func TestStreamingNeverFailsOver(t *testing.T) {
	// Primary without streaming support: config error even when a streaming
	// fallback exists.
	a := llmtest.Deterministic("a")
	a.StreamFunc = nil
	b := llmtest.Deterministic("b")
	b.StreamFunc = func(context.Context, llm.DraftGraphArgs, llm.CallOpts) (llm.Stream, error) {
		return &llmtest.ChunkStream{}, nil
	}

	// Wrapping in a bare Adapter hides the StreamDraftGraph method.
	type nonStreaming struct{ llm.Adapter }
	f, _ := llm.NewFailover([]llm.Adapter{nonStreaming{a}, b}, nil)
	_, err := f.StreamDraftGraph(context.Background(), llm.DraftGraphArgs{}, llm.CallOpts{})
	var cfg *llm.ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("err = %T, want ConfigurationError", err)
	}
}

func TestRetryabilityClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{400, false}, {401, false}, {403, false}, {404, false},
		{408, true}, {429, true}, {500, true}, {502, true}, {503, true}, {504, true},
	}
	for _, tc := range cases {
		err := llm.ErrorFromHTTPStatus("p", tc.status, "m", nil)
		if llm.IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d: retryable = %v, want %v", tc.status, llm.IsRetryable(err), tc.retryable)
		}
	}
	if !llm.IsRetryable(llm.NewTimeoutError("p", "deadline")) {
		t.Fatal("timeouts must be retryable")
	}
	if !llm.IsRetryable(llm.NewNetworkError("p", errors.New("conn reset"))) {
		t.Fatal("network errors must be retryable")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if d := llm.ParseRetryAfter("30", now); d == nil || *d != 30*time.Second {
		t.Fatalf("seconds form: %v", d)
	}
	if d := llm.ParseRetryAfter("Sun, 01 Jun 2025 12:00:10 GMT", now); d == nil || *d != 10*time.Second {
		t.Fatalf("http-date form: %v", d)
	}
	if d := llm.ParseRetryAfter("garbage", now); d != nil {
		t.Fatalf("garbage should parse to nil, got %v", d)
	}
}
