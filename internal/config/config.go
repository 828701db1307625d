// Package config loads and validates the quarry configuration.
// Configuration is read once at startup and treated as immutable for the
// lifetime of the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	qerr "github.com/quarry-search/quarry/internal/errors"
)

// DefaultConfigFile is the config file looked up in the working directory.
const DefaultConfigFile = ".quarry.yaml"

// Config is the complete quarry configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Paths      PathsConfig      `yaml:"paths"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Search     SearchConfig     `yaml:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Watch      WatchConfig      `yaml:"watch"`
}

// PathsConfig configures which paths to index, relative to the scan root.
type PathsConfig struct {
	// Include lists doublestar glob patterns to index. Empty means every
	// markdown file under the root. A bare directory name ("docs") matches
	// everything under it.
	Include []string `yaml:"include"`
	// Exclude lists doublestar glob patterns to skip (e.g. "**/node_modules/**").
	Exclude []string `yaml:"exclude"`
}

// ChunkingConfig configures the markdown chunker.
type ChunkingConfig struct {
	// MaxTokens is the token budget per chunk. A single atomic block (e.g. a
	// fenced code block) may exceed it rather than be split mid-block.
	MaxTokens int `yaml:"max_tokens"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	// Threshold is the minimum raw vector similarity (0-1 cosine-derived) a
	// result must reach to be returned. Lexical-only matches below it are
	// excluded too.
	Threshold float64 `yaml:"threshold"`

	// RRFConstant is the reciprocal rank fusion smoothing parameter (k).
	// Default 60; higher values dampen rank-1 dominance.
	RRFConstant int `yaml:"rrf_constant"`

	// MaxResults is the number of results returned per query.
	MaxResults int `yaml:"max_results"`

	// LexicalBackend selects the lexical index: "fts5" (default) or "bleve".
	LexicalBackend string `yaml:"lexical_backend"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "static" (offline, hash-based) or "ollama".
	Provider string `yaml:"provider"`
	// Model is the provider model name (ollama only).
	Model string `yaml:"model"`
	// Dimensions overrides dimension auto-detection (0 = provider default).
	Dimensions int `yaml:"dimensions"`
	// BatchSize is the number of chunk texts embedded per provider call.
	BatchSize int `yaml:"batch_size"`
	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host"`
	// Timeout bounds a single embedding request (Go duration string, e.g. "60s").
	Timeout string `yaml:"timeout"`
}

// TimeoutDuration parses the embedding timeout, falling back to 60s.
func (e EmbeddingsConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// StorageConfig configures the persistent store.
type StorageConfig struct {
	// DataDir holds the SQLite database, vector index, and lock file.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	// Debounce is the window over which file events are coalesced before a
	// reindex is triggered (Go duration string, e.g. "500ms").
	Debounce string `yaml:"debounce"`
}

// DebounceDuration parses the debounce window, falling back to 500ms.
func (w WatchConfig) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(w.Debounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Exclude: []string{"**/node_modules/**"},
		},
		Chunking: ChunkingConfig{
			MaxTokens: 256,
		},
		Search: SearchConfig{
			Threshold:      0.4,
			RRFConstant:    60,
			MaxResults:     5,
			LexicalBackend: "fts5",
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "static",
			BatchSize:  32,
			OllamaHost: "http://localhost:11434",
			Timeout:    "60s",
		},
		Storage: StorageConfig{
			DataDir: ".quarry",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Watch: WatchConfig{
			Debounce: "500ms",
		},
	}
}

// Load reads configuration from path, merging it over defaults and applying
// environment overrides. A missing file is not an error: defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, qerr.New(qerr.ErrCodeConfigNotFound,
				fmt.Sprintf("cannot read config %s: %v", path, err), err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, qerr.ConfigError(
				fmt.Sprintf("malformed config %s: %v", path, err), err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies QUARRY_* environment variables.
// Env vars have the highest priority, matching the usual config layering.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUARRY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.Threshold = f
		}
	}
	if v := os.Getenv("QUARRY_RRF_CONSTANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Search.RRFConstant = n
		}
	}
	if v := os.Getenv("QUARRY_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("QUARRY_OLLAMA_HOST"); v != "" {
		cfg.Embeddings.OllamaHost = v
	}
}

// Validate checks the configuration for invalid values.
// Invalid configuration is fatal at startup, never silently ignored.
func (c *Config) Validate() error {
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		return qerr.ConfigError(
			fmt.Sprintf("search.threshold must be in [0,1], got %v", c.Search.Threshold), nil)
	}
	if c.Search.RRFConstant <= 0 {
		return qerr.ConfigError(
			fmt.Sprintf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant), nil)
	}
	if c.Search.MaxResults <= 0 {
		return qerr.ConfigError(
			fmt.Sprintf("search.max_results must be positive, got %d", c.Search.MaxResults), nil)
	}
	switch c.Search.LexicalBackend {
	case "fts5", "bleve":
	default:
		return qerr.ConfigError(
			fmt.Sprintf("search.lexical_backend must be fts5 or bleve, got %q", c.Search.LexicalBackend), nil)
	}
	if c.Chunking.MaxTokens <= 0 {
		return qerr.ConfigError(
			fmt.Sprintf("chunking.max_tokens must be positive, got %d", c.Chunking.MaxTokens), nil)
	}
	switch c.Embeddings.Provider {
	case "static", "ollama":
	default:
		return qerr.ConfigError(
			fmt.Sprintf("embeddings.provider must be static or ollama, got %q", c.Embeddings.Provider), nil)
	}
	if c.Embeddings.BatchSize <= 0 {
		return qerr.ConfigError(
			fmt.Sprintf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize), nil)
	}
	if c.Storage.DataDir == "" {
		return qerr.ConfigError("storage.data_dir must be set", nil)
	}
	if c.Watch.Debounce != "" {
		if _, err := time.ParseDuration(c.Watch.Debounce); err != nil {
			return qerr.ConfigError(
				fmt.Sprintf("watch.debounce is not a valid duration: %q", c.Watch.Debounce), nil)
		}
	}
	return nil
}
