package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_HTTP_PORT, QDRANT_ENDPOINT, ...)
//  2. YAML config file
//  3. Hardcoded defaults (see Load)
//
// If configPath is empty or the file does not exist, only defaults and
// environment variables apply. Files larger than 1MB are rejected.
func LoadWithFile(configPath string) (*Config, error) {
	cfg := Load()

	k := koanf.New(".")

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil {
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigFileSize)
			}
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize))
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	// Environment variables override file values. The transformer maps
	// SERVER_HTTP_PORT -> server.http_port, MODELS_COMPLETION_MODEL_ID ->
	// models.completion.model_id, and so on.
	if err := k.Load(env.Provider("", ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// sectionPrefixes maps environment prefixes to config key prefixes. Entries
// are matched longest-first so MODELS_COMPLETION_ wins over MODELS_.
var sectionPrefixes = []struct {
	env string
	key string
}{
	{"MODELS_COMPLETION_", "models.completion."},
	{"MODELS_EMBEDDING_", "models.embedding."},
	{"SERVER_", "server."},
	{"QDRANT_", "qdrant."},
	{"CACHE_", "cache."},
	{"CONFIGSTORE_", "configstore."},
	{"LOGGING_", "logging."},
}

// transformEnvKey maps an environment variable name to a koanf key, or ""
// for variables outside the recognized sections.
func transformEnvKey(s string) string {
	for _, p := range sectionPrefixes {
		if strings.HasPrefix(s, p.env) {
			return p.key + strings.ToLower(strings.TrimPrefix(s, p.env))
		}
	}
	return ""
}
