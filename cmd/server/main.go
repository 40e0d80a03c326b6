package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpAdapter "github.com/Edyrichards/todo-realtime/internal/adapters/primary/http"
	mw "github.com/Edyrichards/todo-realtime/internal/adapters/primary/http/middleware"
	"github.com/Edyrichards/todo-realtime/internal/adapters/secondary/postgres"
	"github.com/Edyrichards/todo-realtime/internal/adapters/secondary/redisbridge"
	"github.com/Edyrichards/todo-realtime/internal/auth"
	"github.com/Edyrichards/todo-realtime/internal/config"
	"github.com/Edyrichards/todo-realtime/internal/hub"
	"github.com/Edyrichards/todo-realtime/internal/infrastructure/logging"
	"github.com/Edyrichards/todo-realtime/internal/presence"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	ctx := context.Background()

	// 3. Optional sync source. Without a database the hub still fans out;
	// clients just get SYNC_UNAVAILABLE on catch-up requests.
	var syncSrc *postgres.SyncSource
	if cfg.Database.URL != "" {
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		syncSrc = postgres.NewSyncSource(pool, logger)
		logger.Info("database connection established")
	} else {
		logger.Warn("DATABASE_URL not set, sync catch-up disabled")
	}

	// 4. Security & Real-time Components
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.TokenTTL)

	presenceStore := presence.NewStore(logger)
	defer presenceStore.Stop()

	opts := hub.Options{
		Authenticator: tokenManager,
		Presence:      presenceStore,
		AuthGrace:     cfg.WebSocket.AuthGrace,
		Logger:        logger,
	}
	if syncSrc != nil {
		opts.SyncSource = syncSrc
	}
	h := hub.New(opts)

	// Optional cross-instance fan-out.
	if cfg.Redis.URL != "" {
		bridge, err := redisbridge.New(cfg.Redis.URL, cfg.Redis.Channel, h, logger)
		if err != nil {
			logger.Error("failed to configure redis bridge", "error", err)
			os.Exit(1)
		}
		if err := bridge.Start(); err != nil {
			logger.Error("failed to start redis bridge", "error", err)
			os.Exit(1)
		}
		defer func() { _ = bridge.Stop() }()

		h.SetBridge(bridge)
		logger.Info("redis bridge enabled", "channel", cfg.Redis.Channel)
	}

	go h.Run()
	defer h.Stop()

	// Drain domain events. The realtime layer never applies mutations; this
	// subscriber just surfaces them for audit until a store consumes them.
	go func() {
		for ev := range h.Events() {
			logger.Debug("domain event observed",
				"kind", ev.Kind,
				"workspace_id", ev.WorkspaceID,
			)
		}
	}()

	// 5. Rate Limiter
	var rateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})
	}

	// 6. Handlers (Primary Adapters)
	wsHandler := httpAdapter.NewWebSocketHandler(h, cfg, logger)
	statusHandler := httpAdapter.NewStatusHandler(h, presenceStore, logger)

	var pinger httpAdapter.Pinger
	if syncSrc != nil {
		pinger = syncSrc
	}
	healthHandler := httpAdapter.NewHealthHandler(h, pinger, cfg.App.Version)

	// 7. Router
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if rateLimiter != nil {
		r.Use(rateLimiter.Middleware)
	}

	// Health check endpoints (outside /api/v1 for standard probe paths)
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/health/live", healthHandler.HandleLiveness)
	r.Get("/health/ready", healthHandler.HandleReadiness)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket route (authentication is envelope-driven, inside the hub)
		r.Get("/ws", wsHandler.ServeHTTP)

		r.Get("/ws/status", statusHandler.HandleStatus)
		r.Get("/ws/metrics", statusHandler.HandleMetrics)
	})

	// 8. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}
