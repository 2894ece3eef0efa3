package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PlainFunction/redactgate/internal/api"
	"github.com/PlainFunction/redactgate/internal/auth"
	"github.com/PlainFunction/redactgate/internal/common/config"
	"github.com/PlainFunction/redactgate/internal/common/logging"
	"github.com/PlainFunction/redactgate/internal/common/types"
	"github.com/PlainFunction/redactgate/internal/ratelimit"
	"github.com/PlainFunction/redactgate/internal/redact"
	"github.com/PlainFunction/redactgate/internal/services"
	"github.com/PlainFunction/redactgate/internal/upstream"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Infof("🚀 Starting RedactGate v%s...", config.Version)
	sugar.Infof("📋 Configuration loaded: Environment=%s", cfg.Environment)

	if cfg.OpenAIAPIKey == "" {
		sugar.Warn("⚠️  OPENAI_API_KEY not set, upstream requests will be rejected")
	}

	// Counter store for rate limiting
	var store ratelimit.CounterStore
	var redisPinger types.Pinger
	if cfg.RedisURL != "" {
		redisStore, err := ratelimit.NewRedisStore(cfg.RedisURL)
		if err != nil {
			sugar.Fatalf("❌ Invalid Redis configuration: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			sugar.Warnf("⚠️  Redis not reachable: %v", err)
			if cfg.RateLimitFailOpen {
				sugar.Warn("⚠️  Fail-open enabled, requests will be admitted without quota accounting")
			} else {
				sugar.Warn("⚠️  Requests will be rejected until Redis is available")
			}
		} else {
			sugar.Info("✅ Connected to Redis")
		}
		cancel()
		store = redisStore
		redisPinger = redisStore
	} else {
		sugar.Warn("⚠️  REDIS_URL not set, using in-memory rate limiting (single instance only)")
		store = ratelimit.NewMemoryStore()
	}

	limiter := ratelimit.New(store, cfg.RateLimitRequests,
		time.Duration(cfg.RateLimitWindowSeconds)*time.Second,
		ratelimit.WithFailOpen(cfg.RateLimitFailOpen),
		ratelimit.WithLogger(logger),
	)
	sugar.Infof("🔧 Rate limiting: %d requests per %ds per organization",
		cfg.RateLimitRequests, cfg.RateLimitWindowSeconds)

	verifier := auth.NewVerifier(cfg.JWTSecret)

	detector := redact.NewHTTPDetector(cfg.DetectorURL, cfg.PIIEntities,
		time.Duration(cfg.DetectorTimeoutSeconds)*time.Second)
	redactor := redact.NewRedactor(detector, cfg.PIILanguage, cfg.SupportedLanguages)
	reidentifier := redact.NewReidentifier()
	sugar.Infof("🔧 PII detection: %s (%d entity types)", cfg.DetectorURL, len(cfg.PIIEntities))

	forwarder := upstream.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey,
		time.Duration(cfg.UpstreamTimeoutSeconds)*time.Second)
	sugar.Infof("🔧 Upstream: %s (timeout %ds)", cfg.OpenAIBaseURL, cfg.UpstreamTimeoutSeconds)

	// Usage audit trail is optional; the gateway runs without it
	var recorder types.Recorder
	if cfg.DatabaseURL != "" {
		auditService, err := services.NewUsageAuditService(cfg, logger)
		if err != nil {
			sugar.Warnf("⚠️  Usage audit trail disabled: %v", err)
		} else {
			sugar.Info("✅ Usage audit trail enabled")
			recorder = auditService
		}
	} else {
		sugar.Info("📋 DATABASE_URL not set, continuing without usage audit trail")
	}

	handler := api.NewHandler(cfg, logger, verifier, limiter, redactor, reidentifier,
		forwarder, redisPinger, recorder)
	server := api.NewServer(cfg, logger, handler)

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		sugar.Infof("🎧 RedactGate listening on %s:%s", cfg.Host, cfg.Port)
		sugar.Info("📡 Ready to accept HTTP requests")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("❌ Server failed: %v", err)
		}
	}()

	<-stop
	sugar.Info("🛑 Shutdown signal received, gracefully stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnf("⚠️  Server shutdown: %v", err)
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			sugar.Warnf("⚠️  Error closing usage audit trail: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		sugar.Warnf("⚠️  Error closing counter store: %v", err)
	}
	sugar.Info("✅ RedactGate stopped")
}
