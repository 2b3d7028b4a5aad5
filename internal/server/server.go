// Package server exposes the assist HTTP surface: draft-graph and its
// streaming variant with resumable SSE, graph-readiness, bias-check, and the
// evidence-pack exporter, behind API-key or HMAC authentication and
// per-feature rate limits.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olumi/cee/internal/envelope"
	"github.com/olumi/cee/internal/pipeline"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8087"

	APIKeys      []string
	HMACSecret   []byte
	HMACMaxSkew  time.Duration
	ResumeSecret []byte

	// RateLimits maps feature names to requests per minute; absent or zero
	// means unlimited.
	RateLimits map[string]int

	DraftTimeout        time.Duration
	StreamIdleExpiry    time.Duration
	ResumeLiveEnabled   bool
	EvidencePackEnabled bool
}

// Server is the assist HTTP server.
type Server struct {
	config    Config
	pipeline  *pipeline.Pipeline
	finalizer *envelope.Finalizer
	hub       *Hub
	auth      *Authenticator
	limiter   *RateLimiter
	signer    *TokenSigner
	baseCtx   context.Context
	cancel    context.CancelFunc
	httpSrv   *http.Server
	handler   http.Handler
	logger    *log.Logger
}

type Option func(*Server)

// WithHub replaces the stream hub, letting tests inject clocks and expiries.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

func WithAuthenticator(a *Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

func WithRateLimiter(l *RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// New creates a new Server with the given config and collaborators.
func New(cfg Config, p *pipeline.Pipeline, fin *envelope.Finalizer, opts ...Option) *Server {
	if cfg.DraftTimeout <= 0 {
		cfg.DraftTimeout = 60 * time.Second
	}
	if cfg.StreamIdleExpiry <= 0 {
		cfg.StreamIdleExpiry = DefaultStreamIdleExpiry
	}
	if fin == nil {
		fin = envelope.NewFinalizer(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		pipeline:  p,
		finalizer: fin,
		baseCtx:   ctx,
		cancel:    cancel,
		logger:    log.New(os.Stderr, "[ceed] ", log.LstdFlags),
	}

	authOpts := []AuthOption{}
	if cfg.HMACMaxSkew > 0 {
		authOpts = append(authOpts, WithMaxSkew(cfg.HMACMaxSkew))
	}
	s.auth = NewAuthenticator(cfg.APIKeys, cfg.HMACSecret, authOpts...)
	s.limiter = NewRateLimiter(cfg.RateLimits)
	s.signer = NewTokenSigner(cfg.ResumeSecret)
	s.hub = NewHub(WithIdleExpiry(cfg.StreamIdleExpiry))

	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /assist/v1/draft-graph", s.protect(FeatureDraftGraph, s.handleDraftGraph))
	mux.HandleFunc("POST /assist/v1/graph-readiness", s.protect(FeatureGraphReadiness, s.handleGraphReadiness))
	mux.HandleFunc("POST /assist/v1/bias-check", s.protect(FeatureBiasCheck, s.handleBiasCheck))
	mux.HandleFunc("POST /assist/draft-graph/stream", s.protect(FeatureStream, s.handleStream))
	mux.HandleFunc("POST /assist/draft-graph/resume", s.protect(FeatureStream, s.handleResume))
	mux.HandleFunc("POST /assist/evidence-pack", s.protect(FeatureEvidencePack, s.handleEvidencePack))

	s.handler = csrfProtect(mux)
	s.httpSrv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests from non-local origins.
// Browsers set Origin on cross-origin requests, so checking it blocks CSRF
// from malicious pages while allowing programmatic callers.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server: in-flight streams are aborted so
// connected subscribers close, then HTTP connections drain.
func (s *Server) Shutdown() {
	s.hub.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}
