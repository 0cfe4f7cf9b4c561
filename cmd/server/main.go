package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/iconidentify/linkgrabba/internal/api"
	"github.com/iconidentify/linkgrabba/internal/api/handler"
	"github.com/iconidentify/linkgrabba/internal/app"
	"github.com/iconidentify/linkgrabba/internal/config"
	"github.com/iconidentify/linkgrabba/internal/metrics"
	"github.com/iconidentify/linkgrabba/internal/repository"
	"github.com/iconidentify/linkgrabba/internal/worker"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the environment is read")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("linkgrabba %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting linkgrabba",
		"version", Version,
		"build_time", BuildTime,
	)

	// A missing dotenv file is not an error.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	metrics.Init()

	// Initialize pipeline
	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	jobRepo := repository.NewInMemoryJobRepository()
	var history repository.ReportRepository
	if cfg.History.SQLitePath != "" {
		history, err = repository.NewSQLiteReportRepository(cfg.History.SQLitePath)
		if err != nil {
			logger.Error("failed to open report history", "path", cfg.History.SQLitePath, "error", err)
			os.Exit(1)
		}
	} else {
		history = repository.NewInMemoryReportRepository(0)
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(jobRepo, a.Cache, a.Store)
	messageHandler := handler.NewMessageHandler(
		handler.MessageHandlerConfig{
			Enabled:    a.Enabled,
			MaxRetries: cfg.Worker.MaxRetries,
			ListLimit:  cfg.History.Limit,
		},
		a.Pipeline,
		jobRepo,
		history,
		a.Store,
		logger,
	)

	// Setup router
	router := api.NewRouter(healthHandler, messageHandler, cfg.Server.APIKey)

	// Initialize worker pool
	pool := worker.NewPool(
		worker.Config{
			Workers:      cfg.Worker.Count,
			PollInterval: cfg.Worker.PollInterval,
		},
		jobRepo,
		history,
		a.Pipeline,
		nil,
		logger,
	)

	// Start worker pool
	pool.Start()

	// Setup HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr, "platforms", cfg.Platforms.Enabled)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new requests
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stop workers (allow in-flight jobs to complete)
	if err := pool.Stop(25 * time.Second); err != nil {
		logger.Error("worker pool shutdown error", "error", err)
	}

	a.Close()
	if err := history.Close(); err != nil {
		logger.Error("report history close error", "error", err)
	}

	logger.Info("shutdown complete")
}
