package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talkdojo/transcribe-gateway/internal/auth"
	"github.com/talkdojo/transcribe-gateway/internal/bridge"
	"github.com/talkdojo/transcribe-gateway/internal/config"
	"github.com/talkdojo/transcribe-gateway/internal/directory"
	"github.com/talkdojo/transcribe-gateway/internal/gateway"
	"github.com/talkdojo/transcribe-gateway/internal/observability"
	"github.com/talkdojo/transcribe-gateway/internal/resilience"
	"github.com/talkdojo/transcribe-gateway/internal/transcribe"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("provider", cfg.TranscribeProvider).
		Str("language", cfg.TranscribeLanguage).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Transcribe Gateway Service starting")

	// Token verification against the identity provider's JWKS
	authn := auth.New(auth.Options{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		KeyTTL:   cfg.KeyTTL(),
		MaxKeys:  cfg.AuthKeyMaxNum,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	})

	// Connection directory
	store, err := directory.NewBadger(directory.BadgerOptions{
		Dir:      cfg.DirectoryPath,
		InMemory: cfg.DirectoryInMemory,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open connection directory")
	}
	defer store.Close()

	// Transcription backend
	streamer, err := newStreamer(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build transcription backend")
	}

	b := bridge.New(streamer, bridge.Options{
		DefaultLanguage: cfg.TranscribeLanguage,
		SampleRateHz:    int32(cfg.TranscribeSampleRate),
		Encoding:        cfg.TranscribeEncoding,
		PollInterval:    cfg.PollInterval(),
	}, logger)

	gw := gateway.New(authn, store, b, gateway.Options{
		DefaultLanguage: cfg.TranscribeLanguage,
		RecordTTL:       cfg.RecordTTL(),
	}, logger)

	// Create HTTP server
	mux := http.NewServeMux()

	// Client WebSocket endpoint
	mux.HandleFunc("/ws", gw.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	directoryCheck := func(ctx context.Context) (bool, error) {
		// A read of a nonexistent id exercises the full storage path.
		_, err := store.Get(ctx, "readiness-probe")
		if err != nil && !errors.Is(err, directory.ErrNotFound) {
			return false, err
		}
		return true, nil
	}
	transcribeCheck := func(ctx context.Context) (bool, error) {
		// Construct-time validation only; no backend call is made here
		// to avoid per-check API costs.
		if streamer == nil {
			return false, fmt.Errorf("transcription backend not configured")
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"directory":  directoryCheck,
		"transcribe": transcribeCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newStreamer builds the transcription backend selected by config.
func newStreamer(cfg *config.Config) (transcribe.Streamer, error) {
	logger := observability.GetLogger()
	switch cfg.TranscribeProvider {
	case "deepgram":
		return transcribe.NewDeepgramStreamer(cfg.DeepgramAPIKey, cfg.DeepgramModel, logger), nil
	default:
		return transcribe.NewAWSStreamer(context.Background(), cfg.AWSRegion, logger)
	}
}
