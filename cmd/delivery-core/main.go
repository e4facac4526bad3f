package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/delivery-core/internal/chaos"
	"github.com/relaymesh/delivery-core/internal/config"
	"github.com/relaymesh/delivery-core/internal/handler"
	"github.com/relaymesh/delivery-core/internal/health"
	"github.com/relaymesh/delivery-core/internal/infra/observability"
	"github.com/relaymesh/delivery-core/internal/infra/probe"
	"github.com/relaymesh/delivery-core/internal/infra/store"
	"github.com/relaymesh/delivery-core/internal/optimizer"
	"github.com/relaymesh/delivery-core/internal/registry"
	"github.com/relaymesh/delivery-core/internal/routing"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("catalog", cfg.CatalogPath),
		zap.String("data_dir", cfg.DataDir),
		zap.Duration("snapshot_ttl", cfg.SnapshotTTL),
		zap.Duration("decision_cache_ttl", cfg.DecisionCacheTTL),
		zap.Bool("optimizer_enabled", cfg.OptimizerEnabled),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "delivery-core")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Shared store ---
	db, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	defer db.Close()

	// --- Provider catalog ---
	reg, err := registry.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Fatal("failed to load provider catalog", zap.String("path", cfg.CatalogPath), zap.Error(err))
	}
	logger.Info("provider catalog loaded", zap.Int("providers", len(reg.IDs())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Health monitoring ---
	monitor, err := health.NewMonitor(reg, probe.NewHTTPProbe(10*time.Second), db, metrics, logger, health.Config{
		WindowSize:  cfg.MaxWindowSize,
		WindowAge:   cfg.AttemptWindow,
		SnapshotTTL: cfg.SnapshotTTL,
	})
	if err != nil {
		logger.Fatal("failed to build health monitor", zap.Error(err))
	}
	monitor.Start(ctx)

	// --- Routing ---
	router := routing.NewEngine(reg, monitor, metrics, logger, cfg.DecisionCacheTTL)

	// --- Chaos ---
	injector := chaos.NewInjector(db, metrics, logger, cfg.SnapshotTTL)
	injector.StartSweeper(ctx, cfg.SweepInterval)
	chaosEngine := chaos.NewEngine(reg, monitor, router, injector, db, metrics, logger, chaos.Config{
		PollInterval: cfg.MonitorPoll,
		RecoveryWait: 35 * time.Second,
		HistoryTTL:   cfg.HistoryTTL,
		MaxHistory:   cfg.MaxHistory,
	})

	// --- Send-time optimizer ---
	opt := optimizer.New(db, db, metrics, logger, cfg.OptimizerEnabled)

	// --- Router ---
	mux := handler.NewRouter(handler.Deps{
		Registry:       reg,
		Monitor:        monitor,
		Routing:        router,
		Chaos:          chaosEngine,
		Injector:       injector,
		Optimizer:      opt,
		Metrics:        metrics,
		Logger:         logger,
		AdminJWTSecret: cfg.AdminJWTSecret,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
