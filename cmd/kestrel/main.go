// Kestrel - Identity risk scoring that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/webhook"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// graphSweepInterval is how often expired graph edges are pruned.
const graphSweepInterval = 5 * time.Minute

func main() {
	// Optional .env for local development; ignored when absent.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := domain.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Policy Engine
	policies, err := policy.NewEngine()
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	if err := loadPoliciesFromDatabase(ctx, repo, policies); err != nil {
		slog.Error("failed to load policy rules", "error", err)
		os.Exit(1)
	}
	slog.Info("policy engine initialized", "rules_count", policies.RulesCount())

	// Initialize Risk Engine
	riskEngine, err := engine.New(cfg.Engine,
		engine.WithStore(repo),
		engine.WithPolicy(policies),
		engine.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialize risk engine", "error", err)
		os.Exit(1)
	}
	slog.Info("risk engine initialized")

	// Periodic graph sweep
	go func() {
		ticker := time.NewTicker(graphSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				riskEngine.Sweep(now)
			}
		}
	}()

	// Initialize Webhook Notifier (nil when no URL configured)
	notifier := webhook.NewNotifier(cfg.Webhook, logger)
	if notifier != nil {
		slog.Info("webhook notifier initialized", "alerts_only", cfg.Webhook.AlertsOnly)
	}

	// Initialize async Worker
	asyncWorker := worker.NewWorker(busImpl, repo, cacheImpl, riskEngine, notifier)
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, riskEngine, policies, notifier, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadPoliciesFromDatabase loads stored policy rules into the engine,
// seeding the builtin set on a fresh database.
func loadPoliciesFromDatabase(ctx context.Context, repo domain.Repository, policies *policy.Engine) error {
	dbRules, err := repo.ListPolicyRules(ctx)
	if err != nil {
		slog.Warn("failed to list policy rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) == 0 {
		slog.Info("seeding builtin policy rules")
		for _, rule := range policy.BuiltinRules() {
			if err := repo.SavePolicyRule(ctx, rule); err != nil {
				slog.Warn("failed to seed builtin rule", "id", rule.ID, "error", err)
			}
		}
		dbRules = policy.BuiltinRules()
	}

	slog.Info("loading policy rules from database", "count", len(dbRules))
	return policies.LoadRules(dbRules)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - Identity Risk Scoring Engine")
	fmt.Println("  Eyes on every session.")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /assess                       - Score an identity event")
	fmt.Println("    POST /assess/async                 - Enqueue a deferred assessment")
	fmt.Println("    GET  /tasks/{id}                   - Async assessment status")
	fmt.Println("    GET  /assessments/{id}             - Get assessment by ID")
	fmt.Println("    GET  /accounts/{id}/summary        - Account risk summary")
	fmt.Println("    GET  /accounts/{id}/assessments    - Account assessment history")
	fmt.Println("    POST /accounts/{id}/freeze         - Freeze an account")
	fmt.Println("    POST /accounts/{id}/unfreeze       - Unfreeze an account")
	fmt.Println("    POST /accounts/{id}/reset-sessions - Invalidate all sessions")
	fmt.Println("    GET  /policies                     - List policy rules")
	fmt.Println("    POST /policies                     - Create a policy rule")
	fmt.Println("    POST /policies/reload              - Hot-reload policy rules")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println("    GET  /metrics                      - Prometheus metrics")
	fmt.Println()
}
