package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/velotest/velotest/pkg/api"
	"github.com/velotest/velotest/pkg/config"
	"github.com/velotest/velotest/pkg/queue/rabbitmq"
	"github.com/velotest/velotest/pkg/storage/persistent"
)

func main() {
	// --- Logger Setup ---
	logLevel := slog.LevelInfo
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Load .env file (for local development only) ---
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil {
			logger.Info("Could not load .env file, relying on environment variables", slog.String("error", err.Error()))
		} else {
			logger.Info("Loaded configuration from .env file for local development")
		}
	}

	// --- Configuration Loading ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Postgres_DSN == "" {
		logger.Error("PostgreSQL DSN (POSTGRES_DSN) is empty in configuration")
		os.Exit(1)
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("Starting ingestion & scoring server...", slog.String("log_level", cfg.LogLevel))

	// --- Context for graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Dependency Injection ---
	events, err := rabbitmq.NewPublisher(cfg.RabbitMQ_URL, logger)
	if err != nil {
		logger.Error("Failed to initialize RabbitMQ publisher", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer events.Close()

	runStore, err := persistent.NewStore(
		cfg.Postgres_DSN,
		cfg.MinIO_Endpoint,
		cfg.MinIO_AccessKey,
		cfg.MinIO_SecretKey,
		cfg.MinIO_BucketName,
		cfg.MinIO_UseSSL,
		logger,
	)
	if err != nil {
		logger.Error("Failed to initialize persistent run store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer runStore.Close()

	apiHandler := api.NewAPI(runStore, events, logger, cfg)

	// --- Router Setup ---
	router := api.SetupRouter(apiHandler, cfg)
	logger.Info("API router configured")

	// --- HTTP Server Setup ---
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout + (5 * time.Second),
		WriteTimeout: cfg.RequestTimeout + (5 * time.Second),
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	// --- Start Server Goroutine ---
	go func() {
		logger.Info("Server starting on address", slog.String("address", server.Addr))
		if err := server.ListenAndServe(); errors.Is(err, syscall.EADDRINUSE) {
			logger.Error("Port is already in use. Is another instance of the server already running?", slog.String("address", server.Addr))
			stop()
		} else if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed to start or unexpectedly closed", slog.String("error", err.Error()))
			stop()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server graceful shutdown failed", slog.String("error", err.Error()))
	} else {
		logger.Info("Server gracefully stopped")
	}

	logger.Info("Shutdown complete.")
}
