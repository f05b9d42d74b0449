// Package main is the entry point for the chat relay.
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
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pawpal/chat-relay/internal/config"
	"github.com/pawpal/chat-relay/internal/handler"
	"github.com/pawpal/chat-relay/internal/middleware"
	natsclient "github.com/pawpal/chat-relay/internal/nats"
	redisregistry "github.com/pawpal/chat-relay/internal/redis"
	"github.com/pawpal/chat-relay/internal/relay"
	"github.com/pawpal/chat-relay/internal/transport"
	"github.com/pawpal/chat-relay/pkg/logger"
	"github.com/pawpal/chat-relay/pkg/tracing"
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
	logger.SetGlobal(log)

	log.Info("starting chat relay")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to the persistence store
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
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

	store := natsclient.NewStore(natsClient)
	if err := store.Init(ctx); err != nil {
		log.Error("failed to initialize store", zap.Error(err))
		os.Exit(1)
	}

	// Presence registry: process-local by default, shared cache when
	// configured so several relay processes agree on who is online.
	var registry relay.Registry = relay.NewMemoryRegistry()
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("invalid REDIS_URL", zap.Error(err))
			os.Exit(1)
		}
		registry = redisregistry.NewPresenceRegistry(goredis.NewClient(opts))
		log.Info("using shared presence registry")
	}

	// Relay core
	rooms := relay.NewRooms(log)
	views := relay.NewViewTracker()
	pipeline := relay.NewPipeline(store, rooms, views, log)
	gateway := relay.NewGateway(registry, rooms, views, pipeline, store, log)

	// Transports
	transportCfg := transport.Config{
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
		UpgradeTimeout: cfg.UpgradeTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		ReadLimit:      cfg.ReadLimit,
	}
	polling := transport.NewPollingServer(gateway, transportCfg, log)
	ws := transport.NewWSServer(gateway, polling, transportCfg, log)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go polling.Run(janitorCtx)

	// Handlers
	healthHandler := handler.NewHealthHandler(natsClient, gateway)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Operational endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Socket endpoints with authentication
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/socket", ws.Handle)
		r.Route("/socket/polling", func(r chi.Router) {
			r.Post("/open", polling.HandleOpen)
			r.Get("/", polling.HandlePoll)
			r.Post("/", polling.HandleSubmit)
			r.Delete("/", polling.HandleClose)
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
		log.Info("relay listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down relay")
	healthHandler.SetAccepting(false)
	stopJanitor()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("relay stopped")
}
