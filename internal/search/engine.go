package search

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarry-search/quarry/internal/embed"
	qerr "github.com/quarry-search/quarry/internal/errors"
	"github.com/quarry-search/quarry/internal/store"
)

// Engine answers free-text queries with ranked, hydrated chunks.
type Engine struct {
	searcher Searcher
	embedder embed.Embedder
	cfg      Config
	log      *slog.Logger
}

// NewEngine creates a query engine. Zero config values fall back to
// defaults.
func NewEngine(searcher Searcher, embedder embed.Embedder, cfg Config, log *slog.Logger) *Engine {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.RRFConstant == 0 {
		cfg.RRFConstant = DefaultRRFConstant
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{searcher: searcher, embedder: embedder, cfg: cfg, log: log}
}

// Search runs the full query pipeline and returns at most MaxResults
// hits, best first. A failed query embedding fails the whole query,
// partial results are never returned.
func (e *Engine) Search(ctx context.Context, query string) ([]*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, qerr.New(qerr.ErrCodeInvalidQuery, "query must not be empty", nil)
	}

	start := time.Now()

	queryVector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, qerr.EmbeddingError("failed to embed query", err)
	}

	fetchK := e.cfg.MaxResults * fetchMultiplier

	var vectorHits, lexicalHits []store.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vectorHits, err = e.searcher.VectorSearch(gctx, queryVector, fetchK)
		return err
	})
	g.Go(func() error {
		var err error
		lexicalHits, err = e.searcher.LexicalSearch(gctx, query, fetchK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, qerr.New(qerr.ErrCodeSearchFailed, "search failed", err)
	}

	ranked := fuseRRF(vectorHits, lexicalHits, e.cfg.RRFConstant)
	ranked = applyThreshold(ranked, e.cfg.Threshold)
	if len(ranked) > e.cfg.MaxResults {
		ranked = ranked[:e.cfg.MaxResults]
	}
	if len(ranked) == 0 {
		e.log.Debug("query produced no results above threshold",
			slog.String("query", query),
			slog.Duration("elapsed", time.Since(start)))
		return nil, nil
	}

	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ChunkID
	}
	chunks, err := e.searcher.FetchChunks(ctx, ids)
	if err != nil {
		return nil, qerr.New(qerr.ErrCodeSearchFailed, "failed to hydrate results", err)
	}
	byID := make(map[int64]*store.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	results := make([]*Result, 0, len(ranked))
	for _, r := range ranked {
		chunk, ok := byID[r.ChunkID]
		if !ok {
			// Chunk vanished between ranking and hydration.
			continue
		}
		results = append(results, &Result{
			Chunk:        chunk,
			Score:        r.Score,
			VectorScore:  r.VectorScore,
			LexicalScore: r.LexicalScore,
		})
	}

	e.log.Debug("query answered",
		slog.String("query", query),
		slog.Int("vector_hits", len(vectorHits)),
		slog.Int("lexical_hits", len(lexicalHits)),
		slog.Int("results", len(results)),
		slog.Duration("elapsed", time.Since(start)))
	return results, nil
}
