// Command sightline is the main entry point for the Sightline segmentation
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sightlinehq/sightline/internal/config"
	"github.com/sightlinehq/sightline/internal/encode"
	"github.com/sightlinehq/sightline/internal/observe"
	"github.com/sightlinehq/sightline/internal/resilience"
	"github.com/sightlinehq/sightline/internal/segment"
	"github.com/sightlinehq/sightline/internal/server"
	"github.com/sightlinehq/sightline/pkg/respond"
	"github.com/sightlinehq/sightline/pkg/respond/echo"
	"github.com/sightlinehq/sightline/pkg/respond/gemini"
	"github.com/sightlinehq/sightline/pkg/respond/openai"
)

// version is set by the build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sightline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sightline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	logger.Info("sightline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	mp, metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sightline",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		logger.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Responder ─────────────────────────────────────────────────────────────
	responder, err := buildResponder(cfg, logger)
	if err != nil {
		logger.Error("failed to create responder", "err", err)
		return 1
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	encCfg := cfg.Pipeline.Encode
	encoder := encode.New(encode.ExecRunner{},
		encode.WithFFmpegPath(encCfg.FFmpegPath),
		encode.WithTimeout(encCfg.Timeout),
		encode.WithMaxConcurrent(encCfg.MaxConcurrent),
	)
	if err := encode.LookPath(encCfg.FFmpegPath); err != nil {
		logger.Warn("muxer binary not found, video encoding will fail",
			"binary", encCfg.FFmpegPath, "err", err)
	}

	finalizer := segment.NewFinalizer(encoder, responder, metrics, logger, segment.Config{
		WaitTimeout:     cfg.Pipeline.Finalize.TranscriptWait,
		PollInterval:    cfg.Pipeline.Finalize.PollInterval,
		WindowEpsilonMs: cfg.Pipeline.Finalize.WindowEpsilonMs,
		TargetFPS:       encCfg.TargetFPS,
		TempRoot:        encCfg.TempRoot,
	})

	srv, err := server.New(cfg, logger, metrics, finalizer)
	if err != nil {
		logger.Error("failed to create server", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server ready — press Ctrl+C to shut down",
			"responder", responder.Name(),
			"capabilities", fmt.Sprintf("%+v", responder.Capabilities()),
		)
		if cfg.Server.TLS != nil {
			errCh <- httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// ── Responder wiring ────────────────────────────────────────────────────────────

// registerBuiltinResponders wires the responder factories that ship with
// Sightline into reg.
func registerBuiltinResponders(reg *respond.Registry) {
	reg.Register("gemini", func(s respond.Settings) (respond.Responder, error) {
		return gemini.New(s)
	})
	reg.Register("openai", func(s respond.Settings) (respond.Responder, error) {
		return openai.New(s)
	})
	reg.Register("echo", func(respond.Settings) (respond.Responder, error) {
		return echo.New(), nil
	})
}

// buildResponder creates the configured responder, falling back to the echo
// responder when a remote backend is selected without credentials.
func buildResponder(cfg *config.Config, logger *slog.Logger) (respond.Responder, error) {
	reg := respond.NewRegistry()
	registerBuiltinResponders(reg)

	name := cfg.Responder.Name
	if name != "echo" && cfg.Responder.APIKey == "" {
		logger.Warn("responder has no API key, falling back to echo", "name", name)
		name = "echo"
	}

	r, err := reg.Create(name, respond.Settings{
		APIKey:       cfg.Responder.APIKey,
		Model:        cfg.Responder.Model,
		BaseURL:      cfg.Responder.BaseURL,
		SystemPrompt: cfg.Responder.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("create responder %q: %w", name, err)
	}
	logger.Info("responder created", "name", r.Name())

	// Remote backends get a circuit breaker with echo as the last resort so
	// an outage degrades replies instead of silencing segments.
	if name != "echo" {
		fb := resilience.NewFallback(r, resilience.BreakerConfig{})
		fb.Add(echo.New())
		return fb, nil
	}
	return r, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
