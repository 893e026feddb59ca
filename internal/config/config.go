// Package config loads and validates configuration for the kioku binaries
// from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the kioku commands need to assemble a session.
type Config struct {
	// Session settings.
	SessionID string

	// Storage backend: "memory", "sqlite", or "postgres".
	Backend     string
	SQLitePath  string
	DatabaseURL string

	// Optional Qdrant vector index overlay.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// Embedding provider settings: "auto", "openai", "ollama", or "noop".
	EmbeddingProvider   string
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int
	OllamaURL           string
	OllamaModel         string

	// Reflection provider settings: "auto", "anthropic", "ollama", or "none".
	ReflectorProvider   string
	AnthropicAPIKey     string
	ReflectorModel      string
	OllamaReflectModel  string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel     string
	RecallBudget int
	MaxTimeGap   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		SessionID:           envStr("KIOKU_SESSION_ID", "default"),
		Backend:             envStr("KIOKU_BACKEND", "memory"),
		SQLitePath:          envStr("KIOKU_SQLITE_PATH", "kioku.db"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		QdrantURL:           envStr("QDRANT_URL", ""),
		QdrantAPIKey:        envStr("QDRANT_API_KEY", ""),
		QdrantCollection:    envStr("KIOKU_QDRANT_COLLECTION", "kioku"),
		EmbeddingProvider:   envStr("KIOKU_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:      envStr("KIOKU_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: envInt("KIOKU_EMBEDDING_DIMENSIONS", 1536),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		ReflectorProvider:   envStr("KIOKU_REFLECTOR_PROVIDER", "auto"),
		AnthropicAPIKey:     envStr("ANTHROPIC_API_KEY", ""),
		ReflectorModel:      envStr("KIOKU_REFLECTOR_MODEL", ""),
		OllamaReflectModel:  envStr("KIOKU_OLLAMA_REFLECT_MODEL", "llama3.1"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kioku"),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:            envStr("KIOKU_LOG_LEVEL", "info"),
		RecallBudget:        envInt("KIOKU_RECALL_BUDGET", 4000),
		MaxTimeGap:          envDuration("KIOKU_MAX_TIME_GAP", 30*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	switch c.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when KIOKU_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("config: unknown KIOKU_BACKEND %q (want memory, sqlite, or postgres)", c.Backend)
	}
	if c.SessionID == "" {
		return fmt.Errorf("config: KIOKU_SESSION_ID must not be empty")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: KIOKU_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.RecallBudget <= 0 {
		return fmt.Errorf("config: KIOKU_RECALL_BUDGET must be positive")
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
