// Package config provides configuration loading for copilotd.
//
// Configuration is loaded from environment variables with sensible defaults,
// optionally overridden by a YAML file (see LoadWithFile).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the complete copilotd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Qdrant      QdrantConfig      `koanf:"qdrant"`
	Cache       CacheConfig       `koanf:"cache"`
	ConfigStore ConfigStoreConfig `koanf:"configstore"`
	Models      ModelsConfig      `koanf:"models"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// QdrantConfig holds vector store gateway configuration.
type QdrantConfig struct {
	// Endpoint is the Qdrant HTTP REST base URL (port 6333, not gRPC 6334).
	Endpoint string `koanf:"endpoint"`
	// APIKey is sent as the api-key header when set.
	APIKey Secret `koanf:"api_key"`
	// VectorSize must match the embedding model output dimensions.
	VectorSize int `koanf:"vector_size"`
	// Timeout bounds every outbound call to the vector store.
	Timeout time.Duration `koanf:"timeout"`
}

// CacheConfig holds runtime cache and eviction configuration.
type CacheConfig struct {
	// CleanupInterval is the sweep period for the eviction loop.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	// MaxInactive is how long a handle may sit untouched before eviction.
	MaxInactive time.Duration `koanf:"max_inactive"`
}

// ConfigStoreConfig holds the tenant configuration repository settings.
type ConfigStoreConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
}

// ModelsConfig holds process-wide default model options, applied when a
// tenant has no persisted configuration.
type ModelsConfig struct {
	Completion LLMOptions `koanf:"completion"`
	Embedding  LLMOptions `koanf:"embedding"`
}

// LLMOptions describes model selection and decoding parameters.
type LLMOptions struct {
	ModelID     string  `koanf:"model_id" json:"modelId"`
	Endpoint    string  `koanf:"endpoint" json:"endpoint,omitempty"`
	Temperature float64 `koanf:"temperature" json:"temperature,omitempty"`
	MaxTokens   int     `koanf:"max_tokens" json:"maxTokens,omitempty"`
}

// LoggingConfig holds logger construction settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - SERVER_HTTP_PORT: HTTP server port (default: 8180)
//   - SERVER_SHUTDOWN_TIMEOUT: Graceful shutdown timeout (default: 10s)
//   - QDRANT_ENDPOINT: Qdrant REST endpoint (default: http://localhost:6333)
//   - QDRANT_API_KEY: Qdrant api-key header value (default: unset)
//   - QDRANT_VECTOR_SIZE: Embedding dimensionality (default: 1536)
//   - QDRANT_TIMEOUT: Per-call timeout (default: 10s)
//   - CACHE_CLEANUP_INTERVAL: Eviction sweep interval (default: 30m)
//   - CACHE_MAX_INACTIVE: Idle threshold before eviction (default: 60m)
//   - CONFIGSTORE_PATH: SQLite file for tenant configs (default: copilotd.db)
//   - MODELS_COMPLETION_MODEL_ID / MODELS_EMBEDDING_MODEL_ID: model defaults
//   - LOGGING_LEVEL, LOGGING_FORMAT: logger settings
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_HTTP_PORT", 8180),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Qdrant: QdrantConfig{
			Endpoint:   getEnvString("QDRANT_ENDPOINT", "http://localhost:6333"),
			APIKey:     Secret(os.Getenv("QDRANT_API_KEY")),
			VectorSize: getEnvInt("QDRANT_VECTOR_SIZE", 1536),
			Timeout:    getEnvDuration("QDRANT_TIMEOUT", 10*time.Second),
		},
		Cache: CacheConfig{
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 30*time.Minute),
			MaxInactive:     getEnvDuration("CACHE_MAX_INACTIVE", 60*time.Minute),
		},
		ConfigStore: ConfigStoreConfig{
			Path: getEnvString("CONFIGSTORE_PATH", "copilotd.db"),
		},
		Models: ModelsConfig{
			Completion: LLMOptions{
				ModelID:     getEnvString("MODELS_COMPLETION_MODEL_ID", "gpt-4o"),
				Endpoint:    getEnvString("MODELS_COMPLETION_ENDPOINT", ""),
				Temperature: getEnvFloat("MODELS_COMPLETION_TEMPERATURE", 0.7),
				MaxTokens:   getEnvInt("MODELS_COMPLETION_MAX_TOKENS", 1024),
			},
			Embedding: LLMOptions{
				ModelID:  getEnvString("MODELS_EMBEDDING_MODEL_ID", "text-embedding-ada-002"),
				Endpoint: getEnvString("MODELS_EMBEDDING_ENDPOINT", ""),
			},
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOGGING_LEVEL", "info"),
			Format: getEnvString("LOGGING_FORMAT", "json"),
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Qdrant.Endpoint == "" {
		return errors.New("qdrant endpoint is required")
	}
	if c.Qdrant.VectorSize <= 0 {
		return fmt.Errorf("invalid vector size: %d (must be positive)", c.Qdrant.VectorSize)
	}
	if c.Qdrant.Timeout <= 0 {
		return errors.New("qdrant timeout must be positive")
	}
	if c.Cache.CleanupInterval <= 0 {
		return errors.New("cache cleanup interval must be positive")
	}
	if c.Cache.MaxInactive <= 0 {
		return errors.New("cache max inactive time must be positive")
	}
	if c.ConfigStore.Path == "" {
		return errors.New("configstore path is required")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
