package cmd

import (
	"context"
	"log/slog"

	"github.com/quarry-search/quarry/internal/chunk"
	"github.com/quarry-search/quarry/internal/config"
	"github.com/quarry-search/quarry/internal/embed"
	qerr "github.com/quarry-search/quarry/internal/errors"
	"github.com/quarry-search/quarry/internal/index"
	"github.com/quarry-search/quarry/internal/search"
	"github.com/quarry-search/quarry/internal/store"
)

// app bundles the wired components behind every command: config,
// logging, the embedding provider, and the open store.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	embedder embed.Embedder
	store    *store.Store

	cleanups []func()
}

// openApp wires up the full stack. Call close when done.
func openApp(ctx context.Context) (*app, error) {
	a := &app{}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a.cfg = cfg

	logger, logCleanup, err := setupLogging(cfg)
	if err != nil {
		return nil, err
	}
	a.log = logger
	a.cleanups = append(a.cleanups, logCleanup)

	embedder, err := embed.NewEmbedder(embed.FactoryConfig{
		Provider:   embed.ProviderType(cfg.Embeddings.Provider),
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
		BatchSize:  cfg.Embeddings.BatchSize,
		OllamaHost: cfg.Embeddings.OllamaHost,
		Timeout:    cfg.Embeddings.TimeoutDuration(),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.embedder = embedder
	a.cleanups = append(a.cleanups, func() { _ = embedder.Close() })

	// The ollama provider detects its dimension from the first embedding
	// when none is configured. Resolve it now, before the store opens and
	// records the embedding state.
	if embedder.Dimensions() == 0 {
		if _, err := embedder.Embed(ctx, "quarry"); err != nil {
			a.close()
			return nil, err
		}
		if embedder.Dimensions() == 0 {
			a.close()
			return nil, qerr.ConfigError(
				"embedding provider did not report its dimensions; set embeddings.dimensions", nil)
		}
	}

	st, err := store.Open(ctx, store.Config{
		DataDir:        cfg.Storage.DataDir,
		LexicalBackend: cfg.Search.LexicalBackend,
		Dimensions:     embedder.Dimensions(),
		EmbeddingModel: embedder.ModelName(),
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = st
	a.cleanups = append(a.cleanups, func() { _ = st.Close() })

	return a, nil
}

// close releases resources in reverse wiring order.
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// runner builds the indexing runner over the open store.
func (a *app) runner() *index.Runner {
	chunker := chunk.NewMarkdownChunker(a.cfg.Chunking.MaxTokens)
	return index.NewRunner(a.store, a.embedder, chunker, a.log)
}

// engine builds the search engine over the open store.
func (a *app) engine() *search.Engine {
	return search.NewEngine(a.store, a.embedder, search.Config{
		Threshold:   a.cfg.Search.Threshold,
		RRFConstant: a.cfg.Search.RRFConstant,
		MaxResults:  a.cfg.Search.MaxResults,
	}, a.log)
}

// indexOptions converts config paths into runner options.
func (a *app) indexOptions(root string) index.Options {
	if root == "" {
		root = "."
	}
	return index.Options{
		RootDir: root,
		Include: a.cfg.Paths.Include,
		Exclude: a.cfg.Paths.Exclude,
	}
}
