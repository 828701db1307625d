package embed

import (
	"time"

	qerr "github.com/quarry-search/quarry/internal/errors"
)

// ProviderType represents an embedding provider
type ProviderType string

const (
	// ProviderStatic uses hash-based embeddings (deterministic, offline)
	ProviderStatic ProviderType = "static"

	// ProviderOllama uses the Ollama HTTP API for embeddings
	ProviderOllama ProviderType = "ollama"
)

// FactoryConfig selects and configures an embedding provider.
type FactoryConfig struct {
	Provider   ProviderType
	Model      string
	Dimensions int
	BatchSize  int
	OllamaHost string
	Timeout    time.Duration
	CacheSize  int // 0 = DefaultEmbeddingCacheSize
}

// NewEmbedder creates an embedder for the configured provider and wraps
// it with the LRU cache.
func NewEmbedder(cfg FactoryConfig) (Embedder, error) {
	var inner Embedder

	switch cfg.Provider {
	case ProviderStatic, "":
		inner = NewStaticEmbedder(cfg.Dimensions)

	case ProviderOllama:
		inner = NewOllamaEmbedder(OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
		})

	default:
		return nil, qerr.ConfigError("unknown embedding provider: "+string(cfg.Provider), nil)
	}

	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
