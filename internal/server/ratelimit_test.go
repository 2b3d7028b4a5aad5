package server

import (
	"testing"
	"time"

	"github.com/olumi/cee/internal/ceeerr"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 10, 0, time.UTC)
	l := NewRateLimiter(map[string]int{FeatureGraphReadiness: 3},
		WithLimiterClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if err := l.Allow(FeatureGraphReadiness, "k1"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}

	err := l.Allow(FeatureGraphReadiness, "k1")
	if err == nil {
		t.Fatal("fourth call in the window allowed")
	}
	ce, ok := ceeerr.As(err)
	if !ok || ce.Code != ceeerr.CodeRateLimit {
		t.Fatalf("error = %v, want CEE_RATE_LIMIT", err)
	}
	if !ce.Retryable() {
		t.Fatal("rate-limit error not retryable")
	}
	// 10s into the minute leaves 50s until the window resets.
	if got := ce.Details["retry_after_seconds"]; got != 50 {
		t.Fatalf("retry_after_seconds = %v, want 50", got)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	l := NewRateLimiter(map[string]int{FeatureDraftGraph: 1},
		WithLimiterClock(func() time.Time { return now }))

	if err := l.Allow(FeatureDraftGraph, "k1"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := l.Allow(FeatureDraftGraph, "k1"); err == nil {
		t.Fatal("second call in the window allowed")
	}

	now = now.Add(time.Minute)
	if err := l.Allow(FeatureDraftGraph, "k1"); err != nil {
		t.Fatalf("call in fresh window: %v", err)
	}
}

func TestRateLimiterKeysAndFeaturesIndependent(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	l := NewRateLimiter(map[string]int{FeatureDraftGraph: 1, FeatureBiasCheck: 1},
		WithLimiterClock(func() time.Time { return now }))

	if err := l.Allow(FeatureDraftGraph, "k1"); err != nil {
		t.Fatal(err)
	}
	// Other key, same feature.
	if err := l.Allow(FeatureDraftGraph, "k2"); err != nil {
		t.Fatal(err)
	}
	// Same key, other feature.
	if err := l.Allow(FeatureBiasCheck, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow(FeatureDraftGraph, "k1"); err == nil {
		t.Fatal("exhausted window allowed")
	}
}

func TestRateLimiterUnconfiguredFeatureUnlimited(t *testing.T) {
	l := NewRateLimiter(nil)
	for i := 0; i < 100; i++ {
		if err := l.Allow(FeatureStream, "k1"); err != nil {
			t.Fatalf("call %d limited without a configured budget: %v", i, err)
		}
	}
}
