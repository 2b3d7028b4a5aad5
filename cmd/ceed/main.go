package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/olumi/cee/internal/config"
	"github.com/olumi/cee/internal/envelope"
	"github.com/olumi/cee/internal/llm"
	"github.com/olumi/cee/internal/llm/providers/anthropic"
	"github.com/olumi/cee/internal/llm/providers/openai"
	"github.com/olumi/cee/internal/pipeline"
	"github.com/olumi/cee/internal/prompt"
	"github.com/olumi/cee/internal/server"
	"github.com/olumi/cee/internal/telemetry"
)

func main() {
	_ = godotenv.Load(".env")

	var configPath string
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--help", "-h":
			usage()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}

	logger := log.New(os.Stderr, "[ceed] ", log.LstdFlags)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	emitter := telemetry.NewPrometheus(prometheus.DefaultRegisterer)

	adapter, err := buildAdapter(cfg, emitter, logger)
	if err != nil {
		logger.Fatalf("llm: %v", err)
	}

	var prompts *prompt.Registry
	if cfg.Prompts.Enabled {
		store, err := prompt.NewFileStore(cfg.Prompts.Dir)
		if err != nil {
			logger.Fatalf("prompts: %v", err)
		}
		prompts = prompt.NewRegistry(store, emitter, prompt.WithTTL(cfg.PromptCacheTTL()))
		report := prompts.Warm(context.Background())
		logger.Printf("prompt store: %s (cache ttl %s) warmed=%d failed=%d skipped=%d staging=%d",
			cfg.Prompts.Dir, cfg.PromptCacheTTL(),
			report.Warmed, report.Failed, report.Skipped, report.UsedStaging)
	}

	p := pipeline.New(adapter, prompts, emitter,
		pipeline.WithLegacyEnabled(cfg.LegacyPipelineEnabled))
	fin := envelope.NewFinalizer(emitter)

	resumeSecret := []byte(cfg.Stream.ResumeSecret)
	if len(resumeSecret) == 0 {
		// Per-process secret: resume tokens will not survive a restart.
		resumeSecret = make([]byte, 32)
		if _, err := rand.Read(resumeSecret); err != nil {
			logger.Fatalf("resume secret: %v", err)
		}
	}

	srv := server.New(server.Config{
		Addr:                cfg.Server.Addr,
		APIKeys:             cfg.Auth.APIKeys,
		HMACSecret:          []byte(cfg.Auth.HMACSecret),
		HMACMaxSkew:         cfg.HMACMaxSkew(),
		ResumeSecret:        resumeSecret,
		RateLimits:          cfg.RateLimits,
		DraftTimeout:        cfg.DraftTimeout(),
		StreamIdleExpiry:    cfg.StreamIdleExpiry(),
		ResumeLiveEnabled:   cfg.Stream.ResumeLiveEnabled,
		EvidencePackEnabled: cfg.EvidencePackEnabled,
	}, p, fin)

	if err := srv.ListenAndServe(); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}

// buildAdapter assembles the upstream chain named by the config. One provider
// is used directly; more than one is wrapped in ordered failover.
func buildAdapter(cfg *config.Config, emitter telemetry.Emitter, logger *log.Logger) (llm.Adapter, error) {
	names := cfg.LLM.FailoverProviders
	if len(names) == 0 {
		names = []string{"openai", "anthropic"}
	}

	var adapters []llm.Adapter
	for _, name := range names {
		var (
			a   llm.Adapter
			err error
		)
		switch name {
		case "openai":
			a, err = openai.NewFromEnv()
		case "anthropic":
			a, err = anthropic.NewFromEnv()
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			// Explicitly configured providers must work; the default chain
			// just skips providers without credentials.
			if len(cfg.LLM.FailoverProviders) > 0 {
				return nil, err
			}
			logger.Printf("skipping provider %s: %v", name, err)
			continue
		}
		adapters = append(adapters, a)
	}

	switch len(adapters) {
	case 0:
		return nil, fmt.Errorf("no upstream providers configured; set OPENAI_API_KEY, ANTHROPIC_API_KEY, or LLM_FAILOVER_PROVIDERS")
	case 1:
		logger.Printf("upstream: %s", adapters[0].Name())
		return adapters[0], nil
	default:
		for _, a := range adapters {
			logger.Printf("failover chain: %s", a.Name())
		}
		return llm.NewFailover(adapters, emitter)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  ceed [--config <ceed.yaml>]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment flags override the config file; see config docs.")
}
