package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/internal/config"
	"github.com/salonflow/agent-gateway/internal/handler"
	"github.com/salonflow/agent-gateway/internal/llm"
	"github.com/salonflow/agent-gateway/internal/middleware"
	natsclient "github.com/salonflow/agent-gateway/internal/nats"
	"github.com/salonflow/agent-gateway/internal/runtime"
	"github.com/salonflow/agent-gateway/internal/session"
	"github.com/salonflow/agent-gateway/internal/store"
	"github.com/salonflow/agent-gateway/internal/transport"
	"github.com/salonflow/agent-gateway/pkg/logger"
	"github.com/salonflow/agent-gateway/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "agent-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	nc, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	streams := natsclient.NewStreamManager(nc)
	if err := streams.EnsureStream(ctx); err != nil {
		log.Fatal("failed to ensure conversation stream", zap.Error(err))
	}

	// Open the SQLite store
	st, err := store.NewSQLite(cfg.SQLitePath)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	// Select the LLM provider
	provider := llm.Provider(cfg.DefaultLLM)
	apiKey := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	llmClient, err := llm.NewClient(provider, apiKey)
	if err != nil {
		log.Fatal("failed to create LLM client", zap.Error(err))
	}
	log.Info("LLM client ready", zap.String("provider", llmClient.Name()))

	// WebRTC listener with a fresh DTLS identity
	identity, err := transport.NewIdentity()
	if err != nil {
		log.Fatal("failed to generate transport identity", zap.Error(err))
	}
	listener := transport.NewListener(identity, log)
	defer listener.Close()
	log.Info("transport identity generated",
		zap.String("fingerprint", identity.FingerprintHex()))

	sessions := session.NewManager(st, streams, log, cfg.WelcomeMessage)

	rt := runtime.New(listener, sessions, st, streams, llmClient, log, runtime.Config{
		DefaultModel:   cfg.DefaultModel,
		DefaultPersona: cfg.DefaultPersona,
		IdleTimeout:    cfg.SessionIdleTimeout,
		ReapInterval:   cfg.ReapInterval,
	})
	go func() {
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("runtime stopped", zap.Error(err))
		}
	}()

	healthHandler := handler.NewHealthHandler(st, nc)
	linkHandler := handler.NewLinkHandler(st, log)
	signalHandler := handler.NewSignalHandler(listener, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Open signaling endpoints, rate limited by IP
	r.Group(func(r chi.Router) {
		r.Use(middleware.SignalRateLimit(cfg.SignalRateRequests, cfg.RateLimitWindow))
		r.Post("/agent/signal", signalHandler.Signal)
		r.Get("/agent/identity", signalHandler.Identity)
	})

	// Authenticated management API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/links", func(r chi.Router) {
			r.Post("/", linkHandler.Create)
			r.Get("/", linkHandler.List)
			r.Get("/{linkID}", linkHandler.Get)
			r.Post("/{linkID}/disable", linkHandler.Disable)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
	}

	go func() {
		log.Info("starting server", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}

	log.Info("server stopped")
}
