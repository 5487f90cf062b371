package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Driver:   DriverPostgres,
			Host:     "localhost",
			Port:     5432,
			Database: "images_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "images_exchange"},
			Queue:    AMQPQueueConfig{Name: "image_upload"},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Storage: StorageConfig{
			AccountID:       "acc",
			Bucket:          "images",
			PublicBaseURL:   "https://cdn.example.com",
			DeliveryBaseURL: "https://img.example.com",
		},
	}
	cfg.setDefaults()
	return cfg
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, "images_db", cfg.Database.Database)
			assert.Equal(t, "images_exchange", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "image_upload", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, "image-api-service", cfg.App.Name)
			assert.Equal(t, 4, cfg.Worker.Concurrency)
			assert.Equal(t, time.Minute, cfg.Worker.JobTimeout)
			require.Len(t, cfg.Tenants, 1)
			assert.Equal(t, "key-acme", cfg.Tenants[0].APIKey)
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "direct", cfg.RabbitMQ.Exchange.Type)
	assert.Equal(t, 1, cfg.Queue.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Queue.StateTTL)
	assert.Equal(t, "auto", cfg.Storage.Region)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 1, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 5, cfg.Submission.MaxBatchSize)
	assert.Contains(t, cfg.Submission.AllowedMimeTypes, "image/png")
	assert.Equal(t, "@every 1m", cfg.Sweeper.Schedule)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Database.Driver = DriverSQLite
			},
			errString: "database path is required",
		},
		{
			name: "sqlite with path",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: DriverSQLite, Path: "data/images.db"}
			},
		},
		{
			name:      "unknown driver",
			mutate:    func(c *Config) { c.Database.Driver = "mongo" },
			errString: "unsupported database driver",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "empty redis addr",
			mutate:    func(c *Config) { c.Redis.Addr = "" },
			errString: "redis addr is required",
		},
		{
			name: "tenant without secret",
			mutate: func(c *Config) {
				c.Tenants = []TenantConfig{{Name: "acme", APIKey: "k", AccountID: "a", AccessKeyID: "id"}}
			},
			errString: `tenant "acme"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ValidateAPIConfig())

	cfg.Server.Port = 0
	err := cfg.ValidateAPIConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")

	cfg = validConfig()
	cfg.Storage.DeliveryBaseURL = ""
	err = cfg.ValidateAPIConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery_base_url")
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ValidateWorkerConfig())

	cfg.Storage.Bucket = ""
	err := cfg.ValidateWorkerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage bucket is required")

	cfg = validConfig()
	cfg.Storage.AccountID = ""
	err = cfg.ValidateWorkerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account_id or endpoint")

	cfg.Storage.Endpoint = "http://localhost:9000"
	require.NoError(t, cfg.ValidateWorkerConfig())
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
