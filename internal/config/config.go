// Package config provides configuration management for the media vault service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	ObjectStore ObjectStoreConfig
	Extractor   ExtractorConfig
	Reconciler  ReconcilerConfig
	Retention   RetentionConfig
	Breaker     BreakerConfig
	Progress    ProgressConfig
	Logging     LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ObjectStoreConfig holds S3-compatible object storage configuration
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// ExtractorConfig holds extraction worker client configuration
type ExtractorConfig struct {
	BaseURL           string
	APIKey            string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
}

// ReconcilerConfig holds reconciliation engine configuration
type ReconcilerConfig struct {
	SweepInterval  time.Duration
	BatchLimit     int
	GraceWindow    time.Duration
	PendingTimeout time.Duration
	// AssumeCompletionOnTimeout preserves the availability-over-precision
	// behavior of force-completing timed-out pending jobs. When false the
	// jobs stay pending and keep being reswept.
	AssumeCompletionOnTimeout bool
}

// RetentionConfig holds retention and cleanup configuration
type RetentionConfig struct {
	KeepCount        int
	CleanupDelay     time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
	MaxIterations    int
	IterationPause   time.Duration
	QuotaConcurrency int
	QuotaInterval    time.Duration
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// ProgressConfig holds progress cache configuration
type ProgressConfig struct {
	TTL time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "media_vault"),
				User:           getEnv("POSTGRES_USER", "vault"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  getEnv("OBJECT_STORE_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("OBJECT_STORE_ACCESS_KEY", ""),
			SecretKey: getEnv("OBJECT_STORE_SECRET_KEY", ""),
			Bucket:    getEnv("OBJECT_STORE_BUCKET", "media-vault"),
			Region:    getEnv("OBJECT_STORE_REGION", "us-east-1"),
			UseSSL:    getEnvAsBool("OBJECT_STORE_USE_SSL", false),
		},
		Extractor: ExtractorConfig{
			BaseURL:           getEnv("EXTRACTOR_BASE_URL", "http://localhost:9090"),
			APIKey:            getEnv("EXTRACTOR_API_KEY", ""),
			RequestTimeout:    getEnvAsDuration("EXTRACTOR_REQUEST_TIMEOUT", 15*time.Second),
			RequestsPerSecond: getEnvAsFloat("EXTRACTOR_REQUESTS_PER_SECOND", 5),
		},
		Reconciler: ReconcilerConfig{
			SweepInterval:             getEnvAsDuration("RECONCILE_SWEEP_INTERVAL", 30*time.Second),
			BatchLimit:                getEnvAsInt("RECONCILE_BATCH_LIMIT", 50),
			GraceWindow:               getEnvAsDuration("RECONCILE_GRACE_WINDOW", 5*time.Minute),
			PendingTimeout:            getEnvAsDuration("RECONCILE_PENDING_TIMEOUT", 10*time.Minute),
			AssumeCompletionOnTimeout: getEnvAsBool("RECONCILE_ASSUME_COMPLETION", true),
		},
		Retention: RetentionConfig{
			KeepCount:        getEnvAsInt("RETENTION_KEEP_COUNT", 5),
			CleanupDelay:     getEnvAsDuration("RETENTION_CLEANUP_DELAY", time.Hour),
			CleanupInterval:  getEnvAsDuration("RETENTION_CLEANUP_INTERVAL", 15*time.Minute),
			CleanupBatchSize: getEnvAsInt("RETENTION_CLEANUP_BATCH_SIZE", 25),
			MaxIterations:    getEnvAsInt("RETENTION_MAX_ITERATIONS", 40),
			IterationPause:   getEnvAsDuration("RETENTION_ITERATION_PAUSE", 500*time.Millisecond),
			QuotaConcurrency: getEnvAsInt("RETENTION_QUOTA_CONCURRENCY", 4),
			QuotaInterval:    getEnvAsDuration("RETENTION_QUOTA_INTERVAL", time.Hour),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 60*time.Second),
		},
		Progress: ProgressConfig{
			TTL: getEnvAsDuration("PROGRESS_CACHE_TTL", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
