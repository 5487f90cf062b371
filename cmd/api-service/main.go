package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/image-pipeline/internal/api/handler"
	"github.com/cuongbtq/image-pipeline/internal/api/router"
	"github.com/cuongbtq/image-pipeline/internal/bootstrap"
	"github.com/cuongbtq/image-pipeline/internal/config"
	"github.com/cuongbtq/image-pipeline/internal/domain"
	"github.com/cuongbtq/image-pipeline/internal/reconciler"
	"github.com/cuongbtq/image-pipeline/internal/submission"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	infra, err := bootstrap.Connect(context.Background(), cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	service := submission.NewService(infra.Records, infra.Queue,
		bootstrap.NewGateway(&cfg.Storage, appLogger.Logger),
		reconciler.New(infra.Records, infra.Queue, appLogger.Logger),
		submission.Config{
			MaxBatchSize:     cfg.Submission.MaxBatchSize,
			AllowedMimeTypes: cfg.Submission.AllowedMimeTypes,
		},
		appLogger.Logger,
	)

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, service, healthChecks(infra))

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes
func initRouter(cfg *config.Config, logger *slog.Logger, service handler.ImageService, checks map[string]handler.HealthCheck) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	tenants := make(map[string]domain.TenantCredentials, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenants[t.APIKey] = domain.TenantCredentials{
			AccountID:       t.AccountID,
			AccessKeyID:     t.AccessKeyID,
			SecretAccessKey: t.SecretAccessKey,
		}
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:         logger,
		Service:        service,
		HealthChecks:   checks,
		Tenants:        tenants,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
	})
	r.MaxMultipartMemory = cfg.Server.MaxUploadMB << 20
	return r
}

// healthChecks probes the connections the API depends on
func healthChecks(infra *bootstrap.Infra) map[string]handler.HealthCheck {
	return map[string]handler.HealthCheck{
		"database": infra.DB.HealthCheck,
		"rabbitmq": func(context.Context) error {
			if !infra.Rabbit.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
		"redis": func(ctx context.Context) error {
			return infra.Redis.Ping(ctx).Err()
		},
	}
}
