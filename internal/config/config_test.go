package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := load("", env(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8087", cfg.Server.Addr)
	assert.Equal(t, time.Minute, cfg.DraftTimeout())
	assert.Equal(t, 5*time.Minute, cfg.HMACMaxSkew())
	assert.Equal(t, 10*time.Minute, cfg.StreamIdleExpiry())
	assert.Equal(t, time.Minute, cfg.PromptCacheTTL())
	assert.False(t, cfg.LegacyPipelineEnabled)
	assert.False(t, cfg.EvidencePackEnabled)
	assert.False(t, cfg.Stream.ResumeLiveEnabled)
	assert.Empty(t, cfg.RateLimits)
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ceed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  draft_timeout_ms: 30000
auth:
  api_keys: ["k1", "k2"]
  hmac_secret: "s3cret"
stream:
  resume_live_enabled: true
prompts:
  enabled: true
  dir: ./prompts
evidence_pack_enabled: true
rate_limits:
  draft-graph: 10
  stream: 5
`), 0o644))

	cfg, err := load(path, env(nil))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.DraftTimeout())
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.Equal(t, "s3cret", cfg.Auth.HMACSecret)
	assert.True(t, cfg.Stream.ResumeLiveEnabled)
	assert.True(t, cfg.Prompts.Enabled)
	assert.True(t, cfg.EvidencePackEnabled)
	assert.Equal(t, map[string]int{"draft-graph": 10, "stream": 5}, cfg.RateLimits)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ceed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
auth:
  api_keys: ["file-key"]
`), 0o644))

	cfg, err := load(path, env(map[string]string{
		"CEE_ADDR":         ":9001",
		"ASSIST_API_KEYS":  "env-key-1, env-key-2",
		"HMAC_SECRET":      "env-secret",
		"HMAC_MAX_SKEW_MS": "120000",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9001", cfg.Server.Addr)
	assert.Equal(t, []string{"env-key-1", "env-key-2"}, cfg.Auth.APIKeys)
	assert.Equal(t, "env-secret", cfg.Auth.HMACSecret)
	assert.Equal(t, 2*time.Minute, cfg.HMACMaxSkew())
}

func TestFeatureFlagEnv(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"PROMPTS_ENABLED":             "true",
		"PROMPTS_DIR":                 "/etc/cee/prompts",
		"CEE_LEGACY_PIPELINE_ENABLED": "1",
		"ENABLE_EVIDENCE_PACK":        "true",
		"SSE_RESUME_LIVE_ENABLED":     "true",
		"LLM_FAILOVER_PROVIDERS":      "openai,anthropic",
	}))
	require.NoError(t, err)

	assert.True(t, cfg.Prompts.Enabled)
	assert.True(t, cfg.LegacyPipelineEnabled)
	assert.True(t, cfg.EvidencePackEnabled)
	assert.True(t, cfg.Stream.ResumeLiveEnabled)
	assert.Equal(t, []string{"openai", "anthropic"}, cfg.LLM.FailoverProviders)
}

func TestRateLimitEnvNames(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"CEE_DRAFT_GRAPH_RATE_LIMIT_RPM":     "20",
		"CEE_GRAPH_READINESS_RATE_LIMIT_RPM": "60",
		"CEE_EVIDENCE_PACK_RATE_LIMIT_RPM":   "5",
	}))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		"draft-graph":     20,
		"graph-readiness": 60,
		"evidence-pack":   5,
	}, cfg.RateLimits)
}

func TestInvalidValues(t *testing.T) {
	_, err := load("", env(map[string]string{"PROMPTS_ENABLED": "yes-please"}))
	assert.ErrorContains(t, err, "PROMPTS_ENABLED")

	_, err = load("", env(map[string]string{"HMAC_MAX_SKEW_MS": "soon"}))
	assert.ErrorContains(t, err, "HMAC_MAX_SKEW_MS")

	_, err = load("", env(map[string]string{"CEE_DRAFT_GRAPH_RATE_LIMIT_RPM": "-1"}))
	assert.ErrorContains(t, err, "must not be negative")

	_, err = load("", env(map[string]string{"LLM_FAILOVER_PROVIDERS": "openai,grok"}))
	assert.ErrorContains(t, err, `unknown failover provider "grok"`)

	// Prompts on without a store location.
	_, err = load("", env(map[string]string{"PROMPTS_ENABLED": "true"}))
	assert.ErrorContains(t, err, "prompt directory")
}

func TestMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), env(nil))
	assert.Error(t, err)
}
