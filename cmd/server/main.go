// Package main is the entry point for the StoryForge security server binary.
// It dispatches two subcommands — serve and version — via a simple switch on
// os.Args so the binary's full CLI surface is readable in one place without
// requiring a cobra dependency.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storyforge/storyforge-security/internal/access"
	"github.com/storyforge/storyforge-security/internal/api"
	"github.com/storyforge/storyforge-security/internal/audit"
	"github.com/storyforge/storyforge-security/internal/auth"
	"github.com/storyforge/storyforge-security/internal/config"
	"github.com/storyforge/storyforge-security/internal/jobs"
	"github.com/storyforge/storyforge-security/internal/session"
	"github.com/storyforge/storyforge-security/internal/storage"
	"github.com/storyforge/storyforge-security/internal/telemetry"
	"github.com/storyforge/storyforge-security/internal/vault"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "version":
		fmt.Printf("StoryForge Security v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logging first so all subsequent output uses the
	// configured format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Validate JWT secret configuration (fails in production if not set)
	auth.Configure(cfg.Auth)
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	slog.Info("JWT secret validated")

	store, err := storage.NewStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}
	defer store.Close()
	slog.Info("storage backend ready", "backend", cfg.Storage.Backend)

	gateway := auth.NewMemoryGateway()
	auditLog := audit.New(store, audit.Config{
		MaxActivityEntries: cfg.Audit.MaxActivityEntries,
		MaxTrailEntries:    cfg.Audit.MaxTrailEntries,
	})
	sessions := session.New(store, gateway, auditLog, session.NewTimerScheduler(), session.ConfigFrom(cfg.Session))
	credentialVault := vault.New(store, cfg.Vault)
	controller := access.New(store, gateway, auditLog)

	sweeper := jobs.NewRetentionSweeper(auditLog, sessions, cfg.Audit, 24*time.Hour)
	sweeper.Start()

	// Prometheus metrics are served on a dedicated port so the scrape path is
	// not reachable through the public API ingress.
	if cfg.Telemetry.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices := api.NewRouter(cfg, api.Services{
		Store:    store,
		Gateway:  gateway,
		Sessions: sessions,
		Vault:    credentialVault,
		Audit:    auditLog,
		Access:   controller,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"storage", cfg.Storage.Backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// End any live session cleanly so its closing events are persisted.
	sessions.EndSession("server_shutdown")
	sweeper.Stop()
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}
