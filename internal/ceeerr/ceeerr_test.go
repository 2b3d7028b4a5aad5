package ceeerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestTaxonomyStatusAndRetryability(t *testing.T) {
	cases := []struct {
		code      Code
		status    int
		retryable bool
	}{
		{CodeValidationFailed, http.StatusBadRequest, false},
		{CodeLLMValidationFailed, http.StatusBadRequest, false},
		{CodeGraphInvalid, http.StatusBadRequest, false},
		{CodeRateLimit, http.StatusTooManyRequests, true},
		{CodeLLMUpstreamError, http.StatusBadGateway, true},
		{CodeServiceUnavailable, http.StatusServiceUnavailable, true},
		{CodeLLMTimeout, http.StatusGatewayTimeout, true},
		{CodeInternalError, http.StatusInternalServerError, false},
		{CodeBadInput, http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		e := New(tc.code, "x")
		if e.HTTPStatus() != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.code, e.HTTPStatus(), tc.status)
		}
		if e.Retryable() != tc.retryable {
			t.Fatalf("%s: retryable = %v, want %v", tc.code, e.Retryable(), tc.retryable)
		}
	}
}

func TestBodyForWrapsUnknownErrorsAsInternal(t *testing.T) {
	body := BodyFor(fmt.Errorf("disk on fire"), Trace{RequestID: "req_1"})
	if body.Code != CodeInternalError {
		t.Fatalf("code = %s, want %s", body.Code, CodeInternalError)
	}
	if body.Schema != "cee.error.v1" {
		t.Fatalf("schema = %q", body.Schema)
	}
	if body.Message == "disk on fire" {
		t.Fatal("internal error message leaked to the wire body")
	}
	if body.Trace.RequestID != "req_1" {
		t.Fatalf("trace.request_id = %q", body.Trace.RequestID)
	}
}

func TestBodyForPreservesTaxonomyError(t *testing.T) {
	inner := New(CodeLLMValidationFailed, "upstream returned non-JSON").
		WithDetail("reason", "llm_non_json").
		WithRecovery("retry with a shorter brief", "reduce brief length")
	wrapped := fmt.Errorf("stage parse: %w", inner)

	body := BodyFor(wrapped, Trace{RequestID: "req_2"})
	if body.Code != CodeLLMValidationFailed {
		t.Fatalf("code = %s", body.Code)
	}
	if body.Retryable {
		t.Fatal("validation failures must not be retryable")
	}
	if body.Recovery == nil || body.Recovery.Suggestion == "" {
		t.Fatal("recovery block missing")
	}
	if body.Details["reason"] != "llm_non_json" {
		t.Fatalf("details = %v", body.Details)
	}
}

func TestWrapKeepsCauseOutOfWireBody(t *testing.T) {
	cause := errors.New("pq: connection refused")
	e := Wrap(CodeServiceUnavailable, "engine unavailable", cause)
	if !errors.Is(e, cause) {
		t.Fatal("cause not reachable via errors.Is")
	}
	body := BodyFor(e, Trace{})
	if body.Message != "engine unavailable" {
		t.Fatalf("message = %q", body.Message)
	}
}
