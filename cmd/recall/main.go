// Package main is the entry point for the Recall daemon: a loopback
// service that observes coding-assistant tool activity, drives analyzer
// subprocesses, and serves the stored results over HTTP and WebSocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/api"
	"github.com/recallhq/recall/internal/common/config"
	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/db"
	"github.com/recallhq/recall/internal/events"
	"github.com/recallhq/recall/internal/live"
	"github.com/recallhq/recall/internal/metrics"
	"github.com/recallhq/recall/internal/observer"
	"github.com/recallhq/recall/internal/perf"
	"github.com/recallhq/recall/internal/store"
	"github.com/recallhq/recall/internal/tracing"
	"github.com/recallhq/recall/internal/vector"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Recall...")

	// 3. Root context cancelled on shutdown; bounds every session orchestrator
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Storage
	pool, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer pool.Close()

	st, err := store.New(ctx, pool, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	log.Info("Database ready", zap.String("path", cfg.Database.Path))

	// 6. Live fan-out
	broadcaster := live.NewBroadcaster(eventBus, log)
	hub := live.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start live hub", zap.Error(err))
	}
	defer hub.Stop()

	// 7. Token economics and performance tracking
	metricsSvc := metrics.NewService(pool, broadcaster, log)
	tracker := perf.NewTracker()

	// 8. Optional vector index mirror
	syncer := vector.Provide(ctx, cfg.Vector, log)
	defer syncer.Close()

	// 9. Session manager driving analyzer subprocesses
	manager := observer.NewManager(ctx, observer.ManagerDeps{
		Store:         st,
		Events:        broadcaster,
		Perf:          tracker,
		Tokens:        metricsSvc,
		Vector:        syncer,
		Launcher:      observer.CLILauncher(cfg.Analyzer, log),
		KeepProcessed: cfg.Retention.KeepProcessed,
		Logger:        log,
	})
	manager.OnSessionDeleted(func() {
		broadcaster.EmitProcessingStatus(context.Background(),
			manager.IsAnyProcessing(), manager.TotalActiveWork())
	})

	// 10. HTTP + WebSocket API
	apiServer := api.NewServer(api.Deps{
		Store:       st,
		Manager:     manager,
		Metrics:     metricsSvc,
		Perf:        tracker,
		Hub:         hub,
		Broadcaster: broadcaster,
		Bus:         eventBus,
		Logger:      log,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("Recall listening",
			zap.String("addr", cfg.Server.Addr()),
			zap.String("websocket", "/ws"),
			zap.String("http", "/api"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Recall...")
	cancel()

	// Give in-flight analyzer sessions a chance to drain before the HTTP
	// surface goes away.
	manager.Shutdown(cfg.Server.ShutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Recall stopped")
}
