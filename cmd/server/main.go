// Medical interpreter server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/medinterp/internal/action"
	"github.com/ashureev/medinterp/internal/api"
	"github.com/ashureev/medinterp/internal/config"
	"github.com/ashureev/medinterp/internal/domain"
	"github.com/ashureev/medinterp/internal/healthcheck"
	"github.com/ashureev/medinterp/internal/middleware"
	"github.com/ashureev/medinterp/internal/realtime"
	"github.com/ashureev/medinterp/internal/session"
	"github.com/ashureev/medinterp/internal/store"
	"github.com/ashureev/medinterp/internal/summary"
	"github.com/ashureev/medinterp/internal/webhook"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"webhook_configured", cfg.WebhookConfigured(),
		"openai_configured", cfg.OpenAIConfigured(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "postgres", cfg.DatabaseConfigured())

	transcripts, err := session.NewTranscriptLog(session.TranscriptLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Error("Failed to close transcript log", "error", closeErr)
		}
	}()

	// Action observers route through the session manager, which is built below.
	var sessions *session.Manager
	lifecycle := action.NewLifecycle(repo, webhook.NewDispatcher(cfg.Webhook.Timeout, logger), action.Config{
		WebhookURL: cfg.Webhook.URL,
		MaxRetries: cfg.Webhook.MaxRetries,
		RetryBase:  cfg.Webhook.RetryBase,
		Observer: func(a *domain.Action) {
			if sessions != nil {
				sessions.NotifyAction(a)
			}
		},
	}, logger)

	dialer := realtime.NewDialer(realtime.DialerConfig{
		URL:    cfg.OpenAI.RealtimeURL,
		APIKey: cfg.OpenAI.APIKey,
		Model:  cfg.OpenAI.RealtimeModel,
		Voice:  cfg.OpenAI.Voice,
	}, logger)

	sessions = session.NewManager(func(conversationID string) *session.Controller {
		return session.NewController(session.Options{
			ConversationID: conversationID,
			Dialer:         dialer,
			Store:          repo,
			Actions:        lifecycle,
			Log:            transcripts,
			Logger:         logger,
		})
	}, logger)

	summarizer := summary.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.SummaryModel, "", logger)

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, lifecycle, sessions, summarizer, cfg, logger)
	wsHandler := session.NewWebSocketHandler(repo, sessions, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	allowedOrigins := []string{"*"}
	if !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	var apiMiddleware []func(http.Handler) http.Handler
	if cfg.RateLimit.RequestsPerWindow > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
		limiter.StartEviction(ctx)
		apiMiddleware = append(apiMiddleware, limiter.Handler)
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins))

	apiHandler.RegisterRoutes(r, apiMiddleware...)

	// WebSocket endpoint.
	r.Get("/ws/session", wsHandler.ServeHTTP)

	// WriteTimeout stays 0: the session socket is long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	lifecycle.StartSweeper(ctx, cfg.ActionSweepInterval, cfg.ActionStaleAfter)
	slog.Info("Action sweeper started", "interval", cfg.ActionSweepInterval, "stale_after", cfg.ActionStaleAfter)

	var health *healthcheck.Server
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err, "addr", cfg.GRPCHealthAddr)
			os.Exit(1)
		}
		health = healthcheck.New(repo, 15*time.Second, logger)
		health.Start(ctx)
		go func() {
			if err := health.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if health != nil {
		health.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	sessions.CloseAll()
	lifecycle.Wait()

	slog.Info("Server stopped successfully")
}
