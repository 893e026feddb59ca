// Package bootstrap assembles a kioku session from environment
// configuration. Both binaries use it so backend and provider selection
// behaves identically everywhere.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kioku"
	"github.com/ashita-ai/kioku/embed"
	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/reflector"
	"github.com/ashita-ai/kioku/storage/memstore"
	"github.com/ashita-ai/kioku/storage/pgstore"
	"github.com/ashita-ai/kioku/storage/qdrantindex"
	"github.com/ashita-ai/kioku/storage/sqlitestore"
)

// NewStorage builds the configured storage backend, wrapped in a Qdrant
// vector index when QDRANT_URL is set.
func NewStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (kioku.Storage, error) {
	var (
		store kioku.Storage
		err   error
	)
	switch cfg.Backend {
	case "memory":
		store = memstore.New()
	case "sqlite":
		store, err = sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
	case "postgres":
		store, err = pgstore.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	logger.Info("storage backend", "backend", cfg.Backend)

	if cfg.QdrantURL != "" {
		index, err := qdrantindex.New(store, qdrantindex.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
		return index, nil
	}
	return store, nil
}

// NewEmbedder selects the embedding provider. Auto mode tries Ollama if
// reachable, then OpenAI if a key is present, else noop. Ollama is
// preferred: embeddings stay on-premises with no external API costs.
func NewEmbedder(cfg config.Config, logger *slog.Logger) kioku.Embedder {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KIOKU_EMBEDDING_PROVIDER=openai")
			return embed.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embed.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, embed.WithOpenAIDimensions(dims))

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embed.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic recall disabled)")
		return embed.NewNoopProvider(dims)

	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embed.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embed.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, embed.WithOpenAIDimensions(dims))
		}
		logger.Warn("no embedding provider available, using noop (semantic recall disabled)")
		return embed.NewNoopProvider(dims)
	}
}

// NewReflector selects the reflection provider. Returns nil when reflection
// is disabled; the session treats a nil reflector as "no reflection".
func NewReflector(cfg config.Config, logger *slog.Logger) kioku.Reflector {
	switch cfg.ReflectorProvider {
	case "anthropic":
		r, err := newAnthropic(cfg)
		if err != nil {
			logger.Error("anthropic reflector init failed", "error", err)
			return nil
		}
		logger.Info("reflector: anthropic")
		return r

	case "ollama":
		logger.Info("reflector: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaReflectModel)
		return reflector.NewOllamaReflector(cfg.OllamaURL, cfg.OllamaReflectModel)

	case "none":
		logger.Info("reflector: disabled")
		return nil

	default:
		if cfg.AnthropicAPIKey != "" {
			r, err := newAnthropic(cfg)
			if err == nil {
				logger.Info("reflector: anthropic (auto-detected)")
				return r
			}
			logger.Error("anthropic reflector init failed", "error", err)
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("reflector: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaReflectModel)
			return reflector.NewOllamaReflector(cfg.OllamaURL, cfg.OllamaReflectModel)
		}
		logger.Warn("no reflector available, fact extraction disabled")
		return nil
	}
}

func newAnthropic(cfg config.Config) (kioku.Reflector, error) {
	var opts []reflector.AnthropicOption
	if cfg.ReflectorModel != "" {
		opts = append(opts, reflector.WithAnthropicModel(cfg.ReflectorModel))
	}
	return reflector.NewAnthropicReflector(cfg.AnthropicAPIKey, opts...)
}

// NewSession assembles storage, providers and session config into an
// initialized session. The caller owns Close.
func NewSession(ctx context.Context, cfg config.Config, logger *slog.Logger) (*kioku.Session, error) {
	store, err := NewStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	sessionCfg := kioku.DefaultConfig()
	sessionCfg.Recall.DefaultTokenBudget = cfg.RecallBudget
	sessionCfg.Boundary.MaxTimeGap = cfg.MaxTimeGap

	session, err := kioku.New(cfg.SessionID, store,
		kioku.WithConfig(sessionCfg),
		kioku.WithEmbedder(NewEmbedder(cfg, logger)),
		kioku.WithReflector(NewReflector(cfg, logger)),
		kioku.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if err := session.Initialize(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
