// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/threadloom/conversation-sync/internal/bus"
	"github.com/threadloom/conversation-sync/internal/config"
	"github.com/threadloom/conversation-sync/internal/generate"
	"github.com/threadloom/conversation-sync/internal/handler"
	"github.com/threadloom/conversation-sync/internal/llm"
	"github.com/threadloom/conversation-sync/internal/middleware"
	"github.com/threadloom/conversation-sync/internal/store"
	"github.com/threadloom/conversation-sync/internal/tree"
	"github.com/threadloom/conversation-sync/pkg/logger"
	"github.com/threadloom/conversation-sync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-sync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Wire persistence and the change bus. With NATS enabled both span
	// processes; otherwise the core runs fully in-process.
	var (
		records    store.Store
		changeBus  bus.Bus
		natsClient *bus.NATSClient
	)
	if cfg.NATSEnabled {
		natsClient, err = bus.ConnectNATS(ctx, bus.NATSConfig{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		records, err = store.NewNATSKV(ctx, natsClient.JetStream())
		if err != nil {
			log.Error("failed to open conversation bucket", zap.Error(err))
			os.Exit(1)
		}
		changeBus = bus.NewNATSBus(natsClient, cfg.BusQueueSize, log)
	} else {
		records = store.NewMemoryStore()
		changeBus = bus.NewMemoryBus(cfg.BusQueueSize, log)
	}
	defer changeBus.Close()

	// Initialize generation backend
	var backend llm.Client
	if cfg.AnthropicAPIKey != "" || cfg.OpenAIAPIKey != "" {
		provider := llm.Provider(cfg.DefaultLLM)
		apiKey := cfg.AnthropicAPIKey
		if provider == llm.ProviderOpenAI {
			apiKey = cfg.OpenAIAPIKey
		}
		backend, err = llm.NewClient(provider, apiKey)
		if err != nil {
			log.Warn("failed to create generation backend, generation disabled", zap.Error(err))
		}
	}

	// Initialize the tree store and generation controller
	treeStore := tree.NewStore(records, changeBus, log)
	if err := treeStore.Load(ctx); err != nil {
		log.Error("failed to load conversations", zap.Error(err))
		os.Exit(1)
	}
	generator := generate.NewController(treeStore, backend, cfg.MaxTokens, cfg.TokenTimeout, log)

	// Initialize handlers
	var readiness handler.Readiness
	if natsClient != nil {
		readiness = natsClient
	}
	healthHandler := handler.NewHealthHandler(readiness, backend)
	conversationHandler := handler.NewConversationHandler(treeStore, generator, log)
	messageHandler := handler.NewMessageHandler(treeStore, log)
	streamHandler := handler.NewStreamHandler(generator, log)
	eventsHandler := handler.NewEventsHandler(changeBus, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Change feed
		r.Get("/events", eventsHandler.Subscribe)

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Patch("/", conversationHandler.Update)
				r.Delete("/", conversationHandler.Delete)
				r.Post("/branch", conversationHandler.Branch)
				r.Get("/latest", conversationHandler.Latest)

				// Messages
				r.Post("/messages", messageHandler.Append)
				r.Patch("/messages/{messageID}", messageHandler.Edit)
				r.Delete("/messages/{messageID}", messageHandler.Delete)

				// Generation
				r.Post("/generate", streamHandler.Prompt)
				r.Post("/regenerate/{messageID}", streamHandler.Regenerate)
				r.Post("/resend", streamHandler.Resend)
				r.Post("/cancel", streamHandler.Cancel)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
