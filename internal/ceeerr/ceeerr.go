// Package ceeerr defines the closed error taxonomy for the assist service.
// Every error that crosses the HTTP boundary is one of these codes; anything
// unexpected collapses to CEE_INTERNAL_ERROR at the envelope boundary.
package ceeerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Code string

const (
	CodeValidationFailed    Code = "CEE_VALIDATION_FAILED"
	CodeLLMValidationFailed Code = "CEE_LLM_VALIDATION_FAILED"
	CodeGraphInvalid        Code = "CEE_GRAPH_INVALID"
	CodeRateLimit           Code = "CEE_RATE_LIMIT"
	CodeLLMUpstreamError    Code = "CEE_LLM_UPSTREAM_ERROR"
	CodeServiceUnavailable  Code = "CEE_SERVICE_UNAVAILABLE"
	CodeLLMTimeout          Code = "CEE_LLM_TIMEOUT"
	CodeInternalError       Code = "CEE_INTERNAL_ERROR"
	// CodeBadInput covers credential failures: rejected API keys or HMAC
	// signatures, and resume tokens that fail verification.
	CodeBadInput Code = "BAD_INPUT"
)

// taxonomy maps each code to its HTTP status and retryability. The table is
// closed: codes outside it must not cross the boundary.
var taxonomy = map[Code]struct {
	status    int
	retryable bool
}{
	CodeValidationFailed:    {http.StatusBadRequest, false},
	CodeLLMValidationFailed: {http.StatusBadRequest, false},
	CodeGraphInvalid:        {http.StatusBadRequest, false},
	CodeRateLimit:           {http.StatusTooManyRequests, true},
	CodeLLMUpstreamError:    {http.StatusBadGateway, true},
	CodeServiceUnavailable:  {http.StatusServiceUnavailable, true},
	CodeLLMTimeout:          {http.StatusGatewayTimeout, true},
	CodeInternalError:       {http.StatusInternalServerError, false},
	CodeBadInput:            {http.StatusUnauthorized, false},
}

// Recovery carries actionable guidance for repairable failures. Populated for
// CEE_LLM_VALIDATION_FAILED and CEE_GRAPH_INVALID.
type Recovery struct {
	Suggestion string   `json:"suggestion"`
	Hints      []string `json:"hints,omitempty"`
}

// Error is the service-boundary error. It marshals to the cee.error.v1 body.
type Error struct {
	Code     Code           `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Recovery *Recovery      `json:"recovery,omitempty"`

	cause error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: strings.TrimSpace(message)}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause without leaking it into the wire body.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) HTTPStatus() int {
	if t, ok := taxonomy[e.Code]; ok {
		return t.status
	}
	return http.StatusInternalServerError
}

func (e *Error) Retryable() bool {
	if t, ok := taxonomy[e.Code]; ok {
		return t.retryable
	}
	return false
}

// WithDetail adds one details entry, allocating the map lazily.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) WithRecovery(suggestion string, hints ...string) *Error {
	e.Recovery = &Recovery{Suggestion: suggestion, Hints: hints}
	return e
}

// Body is the cee.error.v1 wire shape.
type Body struct {
	Schema    string         `json:"schema"`
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Trace     Trace          `json:"trace"`
	Details   map[string]any `json:"details,omitempty"`
	Recovery  *Recovery      `json:"recovery,omitempty"`
}

// Trace is the minimal trace block attached to error bodies.
type Trace struct {
	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// BodyFor builds the wire body for an error. Non-taxonomy errors are reported
// as CEE_INTERNAL_ERROR without leaking the underlying message.
func BodyFor(err error, trace Trace) Body {
	var e *Error
	if !errors.As(err, &e) {
		e = New(CodeInternalError, "unexpected internal error")
	}
	return Body{
		Schema:    "cee.error.v1",
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable(),
		Trace:     trace,
		Details:   e.Details,
		Recovery:  e.Recovery,
	}
}

// As unwraps err to a taxonomy error if it is one.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
