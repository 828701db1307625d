// Package search runs the query pipeline: embed the query, fan out to
// vector and lexical search, fuse the rankings, apply the relevance
// cutoff, and hydrate the survivors.
package search

import (
	"context"

	"github.com/quarry-search/quarry/internal/store"
)

// Defaults for the query pipeline
const (
	DefaultRRFConstant = 60
	DefaultThreshold   = 0.4
	DefaultMaxResults  = 5

	// fetchMultiplier widens the candidate pool fetched from each
	// ranking so fusion has enough overlap to work with.
	fetchMultiplier = 3
)

// Config tunes the query pipeline. Zero values fall back to defaults.
type Config struct {
	Threshold   float64
	RRFConstant int
	MaxResults  int
}

// Searcher is the slice of the store the engine needs.
type Searcher interface {
	VectorSearch(ctx context.Context, query []float32, k int) ([]store.SearchResult, error)
	LexicalSearch(ctx context.Context, query string, k int) ([]store.SearchResult, error)
	FetchChunks(ctx context.Context, ids []int64) ([]*store.Chunk, error)
}

// Result is one hydrated query hit.
type Result struct {
	Chunk        *store.Chunk
	Score        float64 // fused RRF score
	VectorScore  float64 // raw cosine similarity, 0 when absent from the vector list
	LexicalScore float64 // raw lexical score, 0 when absent from the lexical list
}
