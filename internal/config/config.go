package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	HTTP        HTTPConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Validation  ValidationConfig
	Query       QueryConfig
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL           string
	RunMigrations bool
}

// RabbitMQConfig holds RabbitMQ connection and queue settings.
// The broker is optional; an empty URL disables it.
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	EventsExchange   string
	EventsRoutingKey string
	DLQQueue         string
	PrefetchCount    int
}

// Enabled reports whether a broker URL was configured
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// ValidationConfig holds payload validation settings
type ValidationConfig struct {
	MaxStringLength int
}

// QueryConfig holds settings for the latest telemetry query
type QueryConfig struct {
	MaxConcurrentResolutions int
	DefaultMessageLimit      int
	MaxMessageLimit          int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "metering-telemetry"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8080),
		HTTP: HTTPConfig{
			ReadTimeout:  getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:           getEnv("DATABASE_URL", ""),
			RunMigrations: getEnvAsBool("DATABASE_RUN_MIGRATIONS", true),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "metering-telemetry.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "metering-telemetry.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "gateway.payload.received"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "metering-telemetry.events.exchange"),
			EventsRoutingKey: getEnv("RABBITMQ_EVENTS_ROUTING_KEY", "telemetry.message.stored"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "metering-telemetry.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Validation: ValidationConfig{
			MaxStringLength: getEnvAsInt("VALIDATION_MAX_STRING_LENGTH", 50),
		},
		Query: QueryConfig{
			MaxConcurrentResolutions: getEnvAsInt("QUERY_MAX_CONCURRENT_RESOLUTIONS", 8),
			DefaultMessageLimit:      getEnvAsInt("QUERY_DEFAULT_MESSAGE_LIMIT", 100),
			MaxMessageLimit:          getEnvAsInt("QUERY_MAX_MESSAGE_LIMIT", 1000),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.Validation.MaxStringLength <= 0 {
		return nil, fmt.Errorf("VALIDATION_MAX_STRING_LENGTH must be positive, got %d", cfg.Validation.MaxStringLength)
	}
	if cfg.Query.MaxConcurrentResolutions <= 0 {
		cfg.Query.MaxConcurrentResolutions = 1
	}
	if cfg.Query.DefaultMessageLimit > cfg.Query.MaxMessageLimit {
		cfg.Query.DefaultMessageLimit = cfg.Query.MaxMessageLimit
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
