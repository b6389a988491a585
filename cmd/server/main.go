// Iri - virtual pet chat server
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

	"github.com/ashureev/iri/internal/api"
	"github.com/ashureev/iri/internal/config"
	"github.com/ashureev/iri/internal/health"
	"github.com/ashureev/iri/internal/identity"
	"github.com/ashureev/iri/internal/middleware"
	"github.com/ashureev/iri/internal/pet"
	"github.com/ashureev/iri/internal/responder"
	"github.com/ashureev/iri/internal/sentiment"
	"github.com/ashureev/iri/internal/store"
	"github.com/ashureev/iri/internal/stream"
	"github.com/ashureev/iri/internal/transcript"
	"github.com/ashureev/iri/internal/upstream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
)

const healthProbeInterval = 15 * time.Second

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "mock", cfg.IsMock())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
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
	slog.Info("Database connected")

	personas, err := config.NewPersonaStore(cfg.PersonaFile)
	if err != nil {
		slog.Error("Failed to load persona", "error", err, "path", cfg.PersonaFile)
		os.Exit(1)
	}
	if cfg.PersonaFile != "" {
		if err := personas.Watch(ctx, logger); err != nil {
			slog.Warn("Persona hot reload disabled", "error", err)
		}
	}

	backend := upstream.New(cfg, personas)

	var classifier sentiment.Classifier = upstream.NewClassifier(backend)
	if cfg.Collaborators.ClassifierURL != "" {
		classifier = sentiment.NewHTTPClassifier(cfg.Collaborators.ClassifierURL, cfg.Collaborators.Timeout)
		slog.Info("Using remote classifier", "url", cfg.Collaborators.ClassifierURL)
	}
	var replier responder.Responder = upstream.NewResponder(backend)
	if cfg.Collaborators.ResponderURL != "" {
		replier = responder.NewHTTPResponder(cfg.Collaborators.ResponderURL, cfg.Collaborators.Timeout)
		slog.Info("Using remote responder", "url", cfg.Collaborators.ResponderURL)
	}

	journal, err := transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
		Compress:  cfg.Transcript.Compress,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	pets := pet.NewManager(classifier, replier, pet.Options{
		WindowSize: cfg.WindowSize,
		Journal:    journal,
		Logger:     logger,
	})
	conns := stream.NewRegistry()
	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	checker := health.NewChecker(repo)
	checker.Start(ctx, healthProbeInterval)

	// gRPC health endpoint for orchestrators.
	grpcServer := grpc.NewServer()
	checker.Register(grpcServer)
	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "error", err, "port", cfg.GRPCPort)
		os.Exit(1)
	}
	go func() {
		slog.Info("gRPC health listening", "addr", grpcLis.Addr().String())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC server failed", "error", err)
		}
	}()

	// Initialize handlers.
	proxyHandler := api.NewProxyHandler(backend)
	petHandler := api.NewPetHandler(pets, limiter)
	wsHandler := stream.NewHandler(pets, conns, limiter, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL)))

	// Public routes.
	checker.RegisterRoutes(r)
	proxyHandler.RegisterRoutes(r)

	// Pet routes need an identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		petHandler.RegisterRoutes(r)
		r.Get("/ws/pet", wsHandler.ServeHTTP)
	})

	// Create server.
	// WebSocket streams are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	pet.StartSweeper(ctx, pets, cfg.SessionTTL, 0, func(ctx context.Context) {
		if cfg.UserRetention <= 0 {
			return
		}
		deleted, err := repo.DeleteInactiveUsers(ctx, cfg.UserRetention)
		if err != nil {
			slog.Warn("Failed to prune inactive users", "error", err)
			return
		}
		if deleted > 0 {
			slog.Info("Pruned inactive users", "count", deleted)
		}
	})
	slog.Info("Session sweeper started", "session_ttl", cfg.SessionTTL, "user_retention", cfg.UserRetention)

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
	checker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conns.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	pets.Close()

	slog.Info("Server stopped successfully")
}
