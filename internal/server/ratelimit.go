package server

import (
	"sync"
	"time"

	"github.com/olumi/cee/internal/ceeerr"
)

// RateLimiter enforces fixed one-minute windows per (feature, key). A limit
// of zero means the feature is unlimited.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[string]int
	windows map[limiterKey]*window
	now     func() time.Time
}

type limiterKey struct {
	feature string
	key     string
}

type window struct {
	start time.Time
	count int
}

type LimiterOption func(*RateLimiter)

func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter takes requests-per-minute limits keyed by feature name
// (for example "draft_graph").
func NewRateLimiter(limits map[string]int, opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{
		limits:  map[string]int{},
		windows: map[limiterKey]*window{},
		now:     time.Now,
	}
	for feature, rpm := range limits {
		l.limits[feature] = rpm
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow records one request against the caller's window. When the window is
// exhausted it returns a CEE_RATE_LIMIT error whose details carry
// retry_after_seconds until the window resets.
func (l *RateLimiter) Allow(feature, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[feature]
	if !ok || limit <= 0 {
		return nil
	}

	now := l.now()
	windowStart := now.Truncate(time.Minute)
	wk := limiterKey{feature: feature, key: key}

	w := l.windows[wk]
	if w == nil || !w.start.Equal(windowStart) {
		w = &window{start: windowStart}
		l.windows[wk] = w
	}
	if w.count >= limit {
		retryAfter := int(windowStart.Add(time.Minute).Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return ceeerr.New(ceeerr.CodeRateLimit, "rate limit exceeded for "+feature).
			WithDetail("retry_after_seconds", retryAfter)
	}
	w.count++
	return nil
}
