// superFetch - MCP server that fetches web pages and converts them into
// AI-readable JSONL blocks or Markdown, inline or as cached resources.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"superfetch/internal/auth"
	"superfetch/internal/cache"
	"superfetch/internal/config"
	"superfetch/internal/fetcher"
	"superfetch/internal/handler"
	"superfetch/internal/middleware"
	"superfetch/internal/pipeline"
	"superfetch/internal/session"
)

// Shutdown timing: the graceful drain budget for in-flight requests, then
// a hard-stop guard once teardown begins.
const (
	shutdownGrace  = 30 * time.Second
	forceExitDelay = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Initialize structured logger
	logger := initLogger()

	// Load configuration
	ctx := context.Background()
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("auth_mode", cfg.AuthMode),
		slog.Bool("cache_enabled", cfg.CacheEnabled),
		slog.String("addr", cfg.ListenAddr()),
	)

	// Content cache with TTL and key-count eviction
	contentCache := cache.New(cache.Options{
		Enabled: cfg.CacheEnabled,
		TTL:     cfg.CacheTTL(),
		Logger:  logger,
	})
	defer contentCache.Close()

	// Hardened outbound fetcher
	outbound := fetcher.New(fetcher.Config{
		UserAgent: cfg.UserAgent,
		Logger:    logger,
	})
	defer outbound.Close()

	// Transform worker pool; zero picks the default size
	pool := pipeline.NewPool(0)
	defer pool.Close()

	pipe := pipeline.New(pipeline.Pipeline{
		Fetcher:   outbound,
		Cache:     contentCache,
		Pool:      pool,
		Telemetry: outbound.Telemetry(),
		Logger:    logger,
	})

	// MCP session admission and idle eviction
	sessions := session.NewManager(session.Options{Logger: logger})
	defer sessions.Shutdown()

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	// The limiter applies a fixed window per client IP to the /mcp routes
	// only; health probes stay outside the window.
	limiter := middleware.NewRateLimiter(middleware.RateLimiterOptions{
		TrustedProxies: cfg.TrustedProxies,
		Logger:         logger,
	})
	defer limiter.Close()

	h := handler.New(handler.Options{
		Config:    cfg,
		Logger:    logger,
		Cache:     contentCache,
		Pipeline:  pipe,
		Sessions:  sessions,
		Verifier:  verifier,
		RateLimit: limiter.Middleware(),
	})
	defer h.Close()

	// Setup routes
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Shared edge protections: allowlists guard against DNS rebinding.
	allowlist := middleware.NewAllowlist(cfg.Host, cfg.AllowedHosts)

	// Apply middleware chain: recovery → request context → logging →
	// preflight → allowlists → handler.
	// Recovery must be outermost to catch panics from the rest.
	httpHandler := middleware.Chain(
		middleware.Recovery(logger),
		middleware.RequestContext(),
		middleware.Logging(logger),
		middleware.Preflight(),
		middleware.HostAllowlist(allowlist),
		middleware.OriginAllowlist(allowlist),
	)(mux)

	// Create HTTP server with timeouts. WriteTimeout stays zero: SSE
	// streams on GET /mcp are long-lived.
	server := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     httpHandler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Channel for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Channel for server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("server starting", slog.String("addr", server.Addr))
		serverErr <- server.ListenAndServe()
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErr:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		// A session transport that never returns from Close must not keep
		// the process alive; arm the hard stop before the deferred
		// teardown runs.
		defer forceExitGuard(logger, forceExitDelay, os.Exit)

		if err := server.Shutdown(shutdownCtx); err != nil {
			// Force close if graceful shutdown fails
			server.Close()
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

// forceExitGuard arms a timer that forces the process down if teardown
// wedges after the listener has closed.
func forceExitGuard(logger *slog.Logger, delay time.Duration, exit func(int)) *time.Timer {
	return time.AfterFunc(delay, func() {
		logger.Error("shutdown did not complete in time, forcing exit")
		exit(1)
	})
}

// buildVerifier selects the token verification strategy for the MCP
// endpoint based on AUTH_MODE.
func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	switch cfg.AuthMode {
	case "oauth":
		return auth.NewIntrospectionVerifier(auth.IntrospectionConfig{
			Endpoint:       cfg.OAuth.IntrospectionURL,
			ClientID:       cfg.Secrets.OAuthClientID,
			ClientSecret:   cfg.Secrets.OAuthClientSecret,
			RequiredScopes: cfg.OAuth.RequiredScopes,
			Timeout:        cfg.IntrospectionTimeout(),
		}), nil
	case "static":
		return auth.NewStaticVerifier(cfg.Secrets.APIKey, cfg.Secrets.AccessTokens), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.AuthMode)
	}
}

// initLogger creates a structured logger configured for the environment.
// Production uses JSON format for GCP Cloud Logging compatibility.
// Development uses text format for readability.
func initLogger() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location in debug mode
		AddSource: level == slog.LevelDebug,
	}

	// JSON for production (Cloud Logging compatible), text for development.
	// Logs go to stderr so piped tool output stays clean.
	if os.Getenv("ENVIRONMENT") == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
