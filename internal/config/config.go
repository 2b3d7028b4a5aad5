// Package config loads the ceed configuration from an optional YAML file and
// overlays the recognised environment flags on top. Environment always wins,
// so a deployment can ship one config file and vary behaviour per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the file nor the environment sets a value.
const (
	DefaultAddr             = ":8087"
	DefaultHMACMaxSkewMS    = 5 * 60 * 1000
	DefaultDraftTimeoutMS   = 60 * 1000
	DefaultIdleExpiryMS     = 10 * 60 * 1000
	DefaultPromptCacheTTLMS = 60 * 1000
)

// rateLimitFeatures are the features that accept a per-feature RPM budget via
// CEE_<FEATURE>_RATE_LIMIT_RPM (hyphens become underscores in the env name).
var rateLimitFeatures = []string{
	"draft-graph",
	"graph-readiness",
	"bias-check",
	"stream",
	"evidence-pack",
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	DraftTimeoutMS int    `yaml:"draft_timeout_ms"`
}

type AuthConfig struct {
	APIKeys       []string `yaml:"api_keys"`
	HMACSecret    string   `yaml:"hmac_secret"`
	HMACMaxSkewMS int      `yaml:"hmac_max_skew_ms"`
}

type StreamConfig struct {
	ResumeSecret      string `yaml:"resume_secret"`
	ResumeLiveEnabled bool   `yaml:"resume_live_enabled"`
	IdleExpiryMS      int    `yaml:"idle_expiry_ms"`
}

type PromptsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	CacheTTLMS int    `yaml:"cache_ttl_ms"`
}

type LLMConfig struct {
	// FailoverProviders is the ordered provider chain, e.g. ["openai", "anthropic"].
	FailoverProviders []string `yaml:"failover_providers"`
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Stream  StreamConfig  `yaml:"stream"`
	Prompts PromptsConfig `yaml:"prompts"`
	LLM     LLMConfig     `yaml:"llm"`

	LegacyPipelineEnabled bool `yaml:"legacy_pipeline_enabled"`
	EvidencePackEnabled   bool `yaml:"evidence_pack_enabled"`

	// RateLimits maps feature names (e.g. "draft-graph") to requests per
	// minute. Zero or absent means unlimited.
	RateLimits map[string]int `yaml:"rate_limits"`
}

// Load reads the YAML file at path (skipped when path is empty), overlays the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, getenv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.DraftTimeoutMS == 0 {
		c.Server.DraftTimeoutMS = DefaultDraftTimeoutMS
	}
	if c.Auth.HMACMaxSkewMS == 0 {
		c.Auth.HMACMaxSkewMS = DefaultHMACMaxSkewMS
	}
	if c.Stream.IdleExpiryMS == 0 {
		c.Stream.IdleExpiryMS = DefaultIdleExpiryMS
	}
	if c.Prompts.CacheTTLMS == 0 {
		c.Prompts.CacheTTLMS = DefaultPromptCacheTTLMS
	}
}

func (c *Config) applyEnv(getenv func(string) (string, bool)) error {
	if v, ok := getenv("CEE_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getenv("ASSIST_API_KEYS"); ok {
		c.Auth.APIKeys = splitList(v)
	}
	if v, ok := getenv("HMAC_SECRET"); ok {
		c.Auth.HMACSecret = v
	}
	if v, ok := getenv("RESUME_TOKEN_SECRET"); ok {
		c.Stream.ResumeSecret = v
	}
	if v, ok := getenv("PROMPTS_DIR"); ok {
		c.Prompts.Dir = v
	}
	if v, ok := getenv("LLM_FAILOVER_PROVIDERS"); ok {
		c.LLM.FailoverProviders = splitList(v)
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"PROMPTS_ENABLED", &c.Prompts.Enabled},
		{"CEE_LEGACY_PIPELINE_ENABLED", &c.LegacyPipelineEnabled},
		{"ENABLE_EVIDENCE_PACK", &c.EvidencePackEnabled},
		{"SSE_RESUME_LIVE_ENABLED", &c.Stream.ResumeLiveEnabled},
	}
	for _, b := range bools {
		v, ok := getenv(b.name)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", b.name, v)
		}
		*b.dst = parsed
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"HMAC_MAX_SKEW_MS", &c.Auth.HMACMaxSkewMS},
		{"CEE_DRAFT_TIMEOUT_MS", &c.Server.DraftTimeoutMS},
		{"SSE_STREAM_IDLE_EXPIRY_MS", &c.Stream.IdleExpiryMS},
		{"PROMPT_CACHE_TTL_MS", &c.Prompts.CacheTTLMS},
	}
	for _, i := range ints {
		v, ok := getenv(i.name)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", i.name, v)
		}
		*i.dst = parsed
	}

	for _, feature := range rateLimitFeatures {
		name := "CEE_" + strings.ToUpper(strings.ReplaceAll(feature, "-", "_")) + "_RATE_LIMIT_RPM"
		v, ok := getenv(name)
		if !ok {
			continue
		}
		rpm, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", name, v)
		}
		if c.RateLimits == nil {
			c.RateLimits = make(map[string]int)
		}
		c.RateLimits[feature] = rpm
	}
	return nil
}

func (c *Config) validate() error {
	if c.Auth.HMACMaxSkewMS < 0 {
		return fmt.Errorf("hmac_max_skew_ms must not be negative")
	}
	if c.Server.DraftTimeoutMS <= 0 {
		return fmt.Errorf("draft_timeout_ms must be positive")
	}
	for feature, rpm := range c.RateLimits {
		if rpm < 0 {
			return fmt.Errorf("rate limit for %s must not be negative", feature)
		}
	}
	if c.Prompts.Enabled && c.Prompts.Dir == "" {
		return fmt.Errorf("prompts enabled without a prompt directory")
	}
	for _, p := range c.LLM.FailoverProviders {
		switch p {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("unknown failover provider %q", p)
		}
	}
	return nil
}

// DraftTimeout returns the per-draft deadline as a duration.
func (c *Config) DraftTimeout() time.Duration {
	return time.Duration(c.Server.DraftTimeoutMS) * time.Millisecond
}

// HMACMaxSkew returns the accepted signature clock skew as a duration.
func (c *Config) HMACMaxSkew() time.Duration {
	return time.Duration(c.Auth.HMACMaxSkewMS) * time.Millisecond
}

// StreamIdleExpiry returns how long an untouched stream buffer is kept.
func (c *Config) StreamIdleExpiry() time.Duration {
	return time.Duration(c.Stream.IdleExpiryMS) * time.Millisecond
}

// PromptCacheTTL returns the prompt registry cache lifetime.
func (c *Config) PromptCacheTTL() time.Duration {
	return time.Duration(c.Prompts.CacheTTLMS) * time.Millisecond
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
