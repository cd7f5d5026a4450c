package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/contract-forge/internal/api"
	"github.com/ashureev/contract-forge/internal/config"
	"github.com/ashureev/contract-forge/internal/gateway"
	"github.com/ashureev/contract-forge/internal/middleware"
	"github.com/ashureev/contract-forge/internal/repair"
	"github.com/ashureev/contract-forge/internal/router"
	"github.com/ashureev/contract-forge/internal/session"
	"github.com/ashureev/contract-forge/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	// Sessions live in memory only; rows left by a previous process are stale.
	purged, err := repo.PurgeSessionsBefore(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("purge stale sessions: %w", err)
	}
	slog.Info("Stale session cleanup complete", "sessions_deleted", purged)

	comp, closeCompiler, err := buildCompiler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCompiler()

	backend, err := buildAgent(cfg, logger)
	if err != nil {
		slog.Warn("Failed to initialize agent backend, AI features will be disabled", "backend", cfg.Agent.Backend, "error", err)
		backend = nil
	}
	if backend != nil {
		defer backend.Close()
		slog.Info("Agent backend ready", "backend", cfg.Agent.Backend)
	} else {
		slog.Info("AI features disabled", "backend", cfg.Agent.Backend)
	}

	registry := session.NewRegistry(session.WithLogger(logger))
	mgr := gateway.NewManager(registry, repo, gateway.WithManagerLogger(logger))

	engine := repair.NewEngine(comp, patcherOf(backend),
		repair.WithRetryPolicy(retryPolicy(cfg)),
		repair.WithRecorder(repo),
		repair.WithLogger(logger),
	)

	routerOpts := []router.Option{
		router.WithDeliverer(mgr),
		router.WithLogger(logger),
		router.WithMaxAttempts(cfg.Repair.MaxAttempts),
		router.WithCycleTimeout(cfg.Repair.CycleTimeout),
	}
	if backend != nil {
		routerOpts = append(routerOpts, router.WithResponder(backend))
	}
	rt := router.New(registry, engine, routerOpts...)

	wsHandler := gateway.NewHandler(mgr, rt, gateway.HandlerConfig{
		OriginPatterns: originHosts(cfg.AllowedOrigins),
		RatePerSecond:  cfg.Channel.RatePerSecond,
		Burst:          cfg.Channel.Burst,
		PingInterval:   cfg.Channel.PingInterval,
	}, logger)
	apiHandler := api.NewHandler(repo, registry, mgr, logger)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	apiHandler.RegisterRoutes(r)
	r.Get("/ws/agent", wsHandler.ServeHTTP)

	// No WriteTimeout: websocket connections are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	session.StartReaper(ctx, registry, cfg.ReaperInterval, cfg.SessionTTL, mgr.OnEvict)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	mgr.CloseAll("server shutting down")

	done := make(chan struct{})
	go func() {
		rt.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("Background repair cycles still running at shutdown")
	}

	slog.Info("Server stopped successfully")
	return nil
}
