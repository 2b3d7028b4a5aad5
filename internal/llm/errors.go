package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by provider adapters and the
// failover facade.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

// ConfigurationError signals a caller-side misconfiguration. Never retried
// and never triggers failover.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type httpErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *httpErrorBase) Provider() string           { return e.provider }
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type AccessDeniedError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// TimeoutError covers upstream deadline expiry, both HTTP 408/504 and
// context deadlines. Retryable for failover purposes.
type TimeoutError struct{ httpErrorBase }

// NetworkError covers transport failures before any HTTP status arrived.
type NetworkError struct{ httpErrorBase }

// ErrorFromHTTPStatus classifies an upstream HTTP failure. Retryability
// follows the failover policy: 429 and 5xx retryable, other 4xx not.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch {
	case statusCode == 401:
		return &AuthenticationError{base}
	case statusCode == 403:
		return &AccessDeniedError{base}
	case statusCode == 404:
		return &NotFoundError{base}
	case statusCode == 408:
		base.retryable = true
		return &TimeoutError{base}
	case statusCode == 429:
		base.retryable = true
		return &RateLimitError{base}
	case statusCode == 504:
		base.retryable = true
		return &TimeoutError{base}
	case statusCode >= 500:
		base.retryable = true
		return &ServerError{base}
	case statusCode >= 400:
		return &InvalidRequestError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// NewTimeoutError constructs a non-HTTP timeout (context deadline exceeded).
func NewTimeoutError(provider, message string) error {
	return &TimeoutError{httpErrorBase{
		provider:  strings.TrimSpace(provider),
		message:   message,
		retryable: true,
	}}
}

// NewNetworkError constructs a transport-level failure.
func NewNetworkError(provider string, cause error) error {
	return &NetworkError{httpErrorBase{
		provider:  strings.TrimSpace(provider),
		message:   cause.Error(),
		retryable: true,
	}}
}

// ClassifyTransportError maps a non-HTTP call failure into the unified
// hierarchy. Context cancellation passes through untouched so callers can
// distinguish aborts from upstream faults.
func ClassifyTransportError(provider string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError(provider, "request deadline exceeded")
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return NewTimeoutError(provider, ne.Error())
		}
		return NewNetworkError(provider, ne)
	}
	return NewNetworkError(provider, err)
}

// IsRetryable reports whether err should trigger failover (or client-side
// reconnect): network errors, timeouts, 5xx, and 429.
func IsRetryable(err error) bool {
	var le Error
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return false
}

// RetryAfterOf extracts the server-requested retry delay, if any.
func RetryAfterOf(err error) *time.Duration {
	var le Error
	if errors.As(err, &le) {
		return le.RetryAfter()
	}
	return nil
}

// ParseRetryAfter parses a Retry-After header: integer seconds or HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// ProviderFailure is one entry of a failover aggregate.
type ProviderFailure struct {
	Provider string
	Err      error
}

// FailoverExhaustedError aggregates every provider's failure after the whole
// chain has been tried.
type FailoverExhaustedError struct {
	Operation string
	Failures  []ProviderFailure
}

func (e *FailoverExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return fmt.Sprintf("all providers failed for %s: [%s]", e.Operation, strings.Join(parts, "; "))
}

// Errors returns the underlying failures in chain order.
func (e *FailoverExhaustedError) Errors() []ProviderFailure {
	return e.Failures
}
