// Package store persists documents and chunks and serves the two
// search modes over them: vector similarity and lexical relevance.
// SQLite holds the relational data and the FTS5 lexical index, an HNSW
// graph holds the vectors, and an optional bleve index can replace FTS5
// as the lexical backend.
package store

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

// Lexical backend names
const (
	BackendFTS5  = "fts5"
	BackendBleve = "bleve"
)

// State keys persisted in the store
const (
	StateEmbeddingModel      = "embedding_model"
	StateEmbeddingDimensions = "embedding_dimensions"
	StateSchemaVersion       = "schema_version"
)

// Document is an indexed source file.
type Document struct {
	ID          int64
	Path        string
	ContentHash string
	ModTime     time.Time
	IndexedAt   time.Time
}

// Chunk is a stored retrieval unit. Path is populated on fetch.
type Chunk struct {
	ID           int64
	DocID        int64
	Position     int
	Breadcrumb   []string
	Content      string
	TokenCount   int
	HeadingLevel int
	Vector       []float32
	Path         string
}

// SearchResult is one ranked hit from either search mode.
type SearchResult struct {
	ChunkID int64
	Score   float64
}

// LexicalIndex ranks chunks by term relevance. The FTS5 backend lives
// inside the SQLite database; the bleve backend is a separate index
// kept in sync by the Store.
type LexicalIndex interface {
	Index(ctx context.Context, chunks []*Chunk) error
	Delete(ctx context.Context, ids []int64) error
	Search(ctx context.Context, query string, k int) ([]SearchResult, error)
	Close() error
}

// Stats summarizes store contents.
type Stats struct {
	Documents int
	Chunks    int
	Vectors   int
}

// encodeVector packs a float32 vector into little-endian bytes for the
// chunk vector column.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a vector column value.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
