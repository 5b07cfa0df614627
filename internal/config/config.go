// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings. DatabaseURL selects the backend by scheme:
	// postgres:// uses Postgres, anything else is treated as a SQLite
	// path (optionally prefixed sqlite://).
	DatabaseURL      string
	EnableDBLogging  bool // When false, events stream live only; nothing is persisted.
	PersistTimeout   time.Duration
	EventQueueSize   int // Durable persistence queue bound.
	SubscriberBuffer int // Per-subscriber backlog bound.

	// Ingestion settings.
	Environment   string // Default deployment environment stamped on events.
	MaxEventBytes int    // Maximum serialized event payload size.

	// Task queue settings.
	TaskWorkers   int
	TaskQueueSize int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("TRACEFLOW_PORT", 8080),
		ReadTimeout:         envDuration("TRACEFLOW_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("TRACEFLOW_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("TRACEFLOW_DB_URL", "traceflow.db"),
		EnableDBLogging:     envBool("TRACEFLOW_ENABLE_DB_LOGGING", true),
		PersistTimeout:      envDuration("TRACEFLOW_PERSIST_TIMEOUT", 5*time.Second),
		EventQueueSize:      envInt("TRACEFLOW_EVENT_QUEUE_SIZE", 4096),
		SubscriberBuffer:    envInt("TRACEFLOW_SUBSCRIBER_BUFFER", 256),
		Environment:         envStr("TRACEFLOW_ENVIRONMENT", "development"),
		MaxEventBytes:       envInt("TRACEFLOW_MAX_EVENT_BYTES", 64*1024),
		TaskWorkers:         envInt("TRACEFLOW_TASK_WORKERS", 4),
		TaskQueueSize:       envInt("TRACEFLOW_TASK_QUEUE_SIZE", 256),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:            envStr("TRACEFLOW_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("TRACEFLOW_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: TRACEFLOW_PORT must be in 1..65535")
	}
	if c.EnableDBLogging && c.DatabaseURL == "" {
		return fmt.Errorf("config: TRACEFLOW_DB_URL is required when durable logging is enabled")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("config: TRACEFLOW_EVENT_QUEUE_SIZE must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: TRACEFLOW_SUBSCRIBER_BUFFER must be positive")
	}
	if c.MaxEventBytes <= 0 {
		return fmt.Errorf("config: TRACEFLOW_MAX_EVENT_BYTES must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TRACEFLOW_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
