// Package bootstrap builds the infrastructure clients both services share from their configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/image-pipeline/internal/config"
	"github.com/cuongbtq/image-pipeline/internal/gateway"
	"github.com/cuongbtq/image-pipeline/internal/queue"
	"github.com/cuongbtq/image-pipeline/internal/storage"
	"github.com/cuongbtq/image-pipeline/shared/database"
	"github.com/cuongbtq/image-pipeline/shared/logger"
	"github.com/cuongbtq/image-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/image-pipeline/shared/redisclient"
)

const redisConnectTimeout = 10 * time.Second

// Infra holds the connections a service owns
type Infra struct {
	DB     *database.Client
	Rabbit *rabbitmq.Client
	Redis  *redis.Client

	Records *storage.Storage
	Queue   *queue.RabbitQueue
}

// NewLogger builds the application logger from the logging section
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// Connect opens the record store, the broker and the task state tracker.
// Connections opened before a failure are closed again.
func Connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *Infra, err error) {
	infra := &Infra{}
	defer func() {
		if err != nil {
			infra.Close()
		}
	}()

	infra.DB, err = database.NewClient(databaseConfig(&cfg.Database), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err = storage.Migrate(ctx, infra.DB.GetDB()); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		log.Info("Database migrations applied")
	}
	log.Info("Database connection established", slog.String("driver", infra.DB.Driver()))

	infra.Rabbit, err = rabbitmq.NewClient(rabbitConfig(&cfg.RabbitMQ), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	log.Info("RabbitMQ connection established")

	redisCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	infra.Redis, err = redisclient.NewClient(redisCtx, &redisclient.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	infra.Records = storage.NewStorage(infra.DB.GetDB(), log)
	infra.Queue = queue.NewRabbitQueue(infra.Rabbit,
		queue.NewTracker(infra.Redis, cfg.Queue.KeyPrefix, cfg.Queue.StateTTL),
		queue.RabbitConfig{
			MaxAttempts:   cfg.Queue.MaxAttempts,
			PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
			ConsumerTag:   cfg.RabbitMQ.Consumer.Tag,
		},
		log,
	)

	return infra, nil
}

// Close releases every opened connection
func (i *Infra) Close() {
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.Rabbit != nil {
		_ = i.Rabbit.Close()
	}
	if i.DB != nil {
		_ = i.DB.Close()
	}
}

// NewGateway builds the object storage gateway for the default account
func NewGateway(cfg *config.StorageConfig, log *slog.Logger) *gateway.S3Gateway {
	return gateway.NewS3Gateway(gateway.Config{
		AccountID:       cfg.AccountID,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		PublicBaseURL:   cfg.PublicBaseURL,
		DeliveryBaseURL: cfg.DeliveryBaseURL,
		KeyPrefix:       cfg.KeyPrefix,
	}, log)
}

func databaseConfig(cfg *config.DatabaseConfig) *database.Config {
	return &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

func rabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}
