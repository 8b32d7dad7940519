package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"SendHive/internal/api"
	"SendHive/internal/audience"
	"SendHive/internal/config"
	"SendHive/internal/db"
	"SendHive/internal/dispatch"
	"SendHive/internal/draft"
	"SendHive/internal/email"
	"SendHive/internal/metrics"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Transport + Rate Limiter
	// ------------------------------------------------
	sender := &email.Sender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	// ------------------------------------------------
	// Core components
	// ------------------------------------------------
	resolver := audience.NewResolver(store, logger)

	drafts := draft.NewController(store, cfg.DebounceInterval, logger)

	coordinator := dispatch.NewCoordinator(store, store, sender, store, limiter, logger, dispatch.Config{
		BatchSize:           cfg.BatchSize,
		Concurrency:         cfg.DispatchConcurrency,
		SendTimeout:         cfg.SendTimeout,
		LedgerRetryAttempts: cfg.LedgerRetryAttempts,
		FromAddress:         cfg.SMTPFrom,
		ReplyTo:             cfg.SMTPReplyTo,
	})

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	handler := &api.Handler{
		Store:      store,
		Resolver:   resolver,
		Dispatcher: coordinator,
		Drafts:     drafts,
		Ledger:     store,
		Log:        logger,
		BaseCtx:    ctx,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: handler.Routes(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Flush pending draft edits before the store goes away
	drafts.TeardownAll(shutdownCtx)

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
