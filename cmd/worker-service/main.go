package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/image-pipeline/internal/bootstrap"
	"github.com/cuongbtq/image-pipeline/internal/config"
	"github.com/cuongbtq/image-pipeline/internal/sweeper"
	"github.com/cuongbtq/image-pipeline/internal/webhook"
	"github.com/cuongbtq/image-pipeline/internal/worker"
	"github.com/cuongbtq/image-pipeline/shared/reporting"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	reporter, err := reporting.Init(reporting.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.App.Version,
		SampleRate:  cfg.Sentry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize error reporting: %w", err)
	}
	defer reporter.Flush(2 * time.Second)

	infra, err := bootstrap.Connect(context.Background(), cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	notifier := webhook.NewNotifier(webhook.Config{
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
		RetryInterval: cfg.Webhook.RetryInterval,
	}, appLogger.Logger)

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Queue:       infra.Queue,
		Records:     infra.Records,
		Uploader:    bootstrap.NewGateway(&cfg.Storage, appLogger.Logger),
		Notifier:    notifier,
		Reporter:    reporter,
		WorkerID:    workerID,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	if cfg.Sweeper.Enabled {
		sweep := sweeper.New(infra.Records, infra.Queue, sweeper.Config{
			Schedule:   cfg.Sweeper.Schedule,
			StaleAfter: cfg.Sweeper.StaleAfter,
			BatchSize:  cfg.Sweeper.BatchSize,
		}, appLogger.Logger)
		g.Go(func() error {
			return sweep.Run(gctx)
		})
	}

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var brokerErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case amqpErr := <-infra.Rabbit.NotifyClose():
		brokerErr = fmt.Errorf("rabbitmq channel closed: %v", amqpErr)
		appLogger.Error("Lost RabbitMQ channel, shutting down", slog.Any("error", amqpErr))
	case <-gctx.Done():
		appLogger.Warn("Worker components stopped unexpectedly")
	}

	// Cancel context to stop dispatching; in-flight tasks finish first
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	notifier.Wait()

	appLogger.Info("Worker service shutdown complete")
	return brokerErr
}
