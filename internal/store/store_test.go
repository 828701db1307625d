package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerr "github.com/quarry-search/quarry/internal/errors"
)

const testDims = 4

func newTestStore(t *testing.T, backend string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		DataDir:        t.TempDir(),
		LexicalBackend: backend,
		Dimensions:     testDims,
		EmbeddingModel: "static",
	}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChunk(position int, breadcrumb []string, content string, vector []float32) *Chunk {
	return &Chunk{
		Position:     position,
		Breadcrumb:   breadcrumb,
		Content:      content,
		TokenCount:   len(vector),
		HeadingLevel: len(breadcrumb),
		Vector:       vector,
	}
}

func TestStore_UpsertAndFetch(t *testing.T) {
	s := newTestStore(t, BackendFTS5)
	ctx := context.Background()

	chunks := []*Chunk{
		testChunk(0, []string{"Intro"}, "Intro | rockets launch into space", []float32{1, 0, 0, 0}),
		testChunk(1, []string{"Intro", "Setup"}, "Intro > Setup | install the toolchain", []float32{0, 1, 0, 0}),
	}
	changed, err := s.UpsertDocument(ctx, "docs/a.md", "hash1", time.Now(), chunks)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotZero(t, chunks[0].ID)
	require.NotZero(t, chunks[1].ID)

	fetched, err := s.FetchChunks(ctx, []int64{chunks[0].ID, chunks[1].ID})
	require.NoError(t, err)
	require.Len(t, fetched, 2)

	byID := map[int64]*Chunk{fetched[0].ID: fetched[0], fetched[1].ID: fetched[1]}
	first := byID[chunks[0].ID]
	require.NotNil(t, first)
	assert.Equal(t, "docs/a.md", first.Path)
	assert.Equal(t, []string{"Intro"}, first.Breadcrumb)
	assert.Equal(t, 0, first.Position)
	assert.Equal(t, []float32{1, 0, 0, 0}, first.Vector)
}

func TestStore_UnchangedHashIsNoOp(t *testing.T) {
	s := newTestStore(t, BackendFTS5)
	ctx := context.Background()

	chunks := []*Chunk{testChunk(0, nil, "stable content", []float32{1, 0, 0, 0})}
	changed, err := s.UpsertDocument(ctx, "docs/a.md", "hash1", time.Now(), chunks)
	require.NoError(t, err)
	require.True(t, changed)
	firstID := chunks[0].ID

	again := []*Chunk{testChunk(0, nil, "stable content", []float32{1, 0, 0, 0})}
	changed, err = s.UpsertDocument(ctx, "docs/a.md", "hash1", time.Now(), again)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, again[0].ID)

	// The original chunk is still there under its original id.
	fetched, err := s.FetchChunks(ctx, []int64{firstID})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
}

func TestStore_ChangedContentReplacesOnlyThatDocument(t *testing.T) {
	s := newTestStore(t, BackendFTS5)
	ctx := context.Background()

	aChunks := []*Chunk{testChunk(0, nil, "original a", []float32{1, 0, 0, 0})}
	_, err := s.UpsertDocument(ctx, "a.md", "a1", time.Now(), aChunks)
	require.NoError(t, err)
	oldAID := aChunks[0].ID

	bChunks := []*Chunk{testChunk(0, nil, "untouched b", []float32{0, 1, 0, 0})}
	_, err = s.UpsertDocument(ctx, "b.md", "b1", time.Now(), bChunks)
	require.NoError(t, err)

	newA := []*Chunk{testChunk(0, nil, "rewritten a", []float32{0, 0, 1, 0})}
	changed, err := s.UpsertDocument(ctx, "a.md", "a2", time.Now(), newA)
	require.NoError(t, err)
	require.True(t, changed)

	// Old chunk of a is gone, b's chunk survives.
	fetched, err := s.FetchChunks(ctx, []int64{oldAID, bChunks[0].ID, newA[0].ID})
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	for _, c := range fetched {
		assert.NotEqual(t, oldAID, c.ID)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, 2, stats.Vectors)
}

func TestStore_RemoveDocumentLeavesNoOrphans(t *testing.T) {
	s := newTestStore(t, BackendFTS5)
	ctx := context.Background()

	chunks := []*Chunk{
		testChunk(0, nil, "doomed one", []float32{1, 0, 0, 0}),
		testChunk(1, nil, "doomed two", []float32{0, 1, 0, 0}),
	}
	_, err := s.UpsertDocument(ctx, "gone.md", "h", time.Now(), chunks)
	require.NoError(t, err)

	require.NoError(t, s.RemoveDocument(ctx, "gone.md"))

	doc, err := s.GetDocument(ctx, "gone.md")
	require.NoError(t, err)
	assert.Nil(t, doc)

	fetched, err := s.FetchChunks(ctx, []int64{chunks[0].ID, chunks[1].ID})
	require.NoError(t, err)
	assert.Empty(t, fetched)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
	assert.Zero(t, stats.Chunks)
	assert.Zero(t, stats.Vectors)

	results, err := s.LexicalSearch(ctx, "doomed", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Removing again is a no-op.
	require.NoError(t, s.RemoveDocument(ctx, "gone.md"))
}

func TestStore_VectorSearchRanksBySimilarity(t *testing.T) {
	s := newTestStore(t, BackendFTS5)
	ctx := context.Background()

	chunks := []*Chunk{
		testChunk(0, nil, "exact match", []float32{1, 0, 0, 0}),
		testChunk(1, nil, "close match", []float32{0.9, 0.1, 0, 0}),
		testChunk(2, nil, "orthogonal", []float32{0, 0, 0, 1}),
	}
	_, err := s.UpsertDocument(ctx, "v.md", "h", time.Now(), chunks)
	require.NoError(t, err)

	results, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, chunks[0].ID, results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	assert.Equal(t, chunks[1].ID, results[1].ChunkID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Greater(t, results[1].Score, results[2].Score)
}

func TestStore_LexicalSearchFTS5(t *testing.T) {
	s := newTestStore(t, BackendFTS5)
	ctx := context.Background()

	chunks := []*Chunk{
		testChunk(0, nil, "rockets and space exploration", []float32{1, 0, 0, 0}),
		testChunk(1, nil, "cooking with butter and onions", []float32{0, 1, 0, 0}),
	}
	_, err := s.UpsertDocument(ctx, "l.md", "h", time.Now(), chunks)
	require.NoError(t, err)

	results, err := s.LexicalSearch(ctx, "space rockets", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, chunks[0].ID, results[0].ChunkID)

	// Operators and punctuation in queries are literal, not syntax.
	for _, q := range []string{"space AND rockets", `rockets -cooking`, `"space`} {
		_, err := s.LexicalSearch(ctx, q, 10)
		assert.NoError(t, err, "query %q", q)
	}

	empty, err := s.LexicalSearch(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_BleveBackend(t *testing.T) {
	s := newTestStore(t, BackendBleve)
	ctx := context.Background()

	chunks := []*Chunk{
		testChunk(0, nil, "rockets and space exploration", []float32{1, 0, 0, 0}),
		testChunk(1, nil, "cooking with butter", []float32{0, 1, 0, 0}),
	}
	_, err := s.UpsertDocument(ctx, "l.md", "h", time.Now(), chunks)
	require.NoError(t, err)

	results, err := s.LexicalSearch(ctx, "space rockets", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, chunks[0].ID, results[0].ChunkID)

	require.NoError(t, s.RemoveDocument(ctx, "l.md"))
	results, err = s.LexicalSearch(ctx, "rockets", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_SecondProcessIsLockedOut(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DataDir: dir, Dimensions: testDims, EmbeddingModel: "static"}

	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = Open(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Equal(t, qerr.ErrCodeStoreLocked, qerr.GetCode(err))
	assert.True(t, qerr.IsFatal(err))
}

func TestStore_VectorIndexRebuiltFromDatabase(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DataDir: dir, Dimensions: testDims, EmbeddingModel: "static"}
	ctx := context.Background()

	s, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	chunks := []*Chunk{testChunk(0, nil, "persistent chunk", []float32{0, 0, 1, 0})}
	_, err = s.UpsertDocument(ctx, "p.md", "h", time.Now(), chunks)
	require.NoError(t, err)
	id := chunks[0].ID
	require.NoError(t, s.Close())

	// Losing the vector index file is recoverable: vectors are also in
	// the database.
	require.NoError(t, os.Remove(filepath.Join(dir, vectorIndexFile)))
	require.NoError(t, os.Remove(filepath.Join(dir, vectorIndexFile+".meta")))

	s2, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	results, err := s2.VectorSearch(ctx, []float32{0, 0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ChunkID)
}

func TestStore_DimensionMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, Config{DataDir: dir, Dimensions: testDims, EmbeddingModel: "static"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{DataDir: dir, Dimensions: 8, EmbeddingModel: "static"}, nil)
	require.Error(t, err)
	assert.Equal(t, qerr.ErrCodeDimensionMismatch, qerr.GetCode(err))
	assert.True(t, qerr.IsFatal(err))
}

func TestVectorIndex_TieBreakByChunkID(t *testing.T) {
	idx := NewVectorIndex(VectorIndexConfig{Dimensions: 2})
	require.NoError(t, idx.Add([]int64{7, 3}, [][]float32{{1, 0}, {1, 0}}))

	results, err := idx.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(3), results[0].ChunkID)
	assert.Equal(t, int64(7), results[1].ChunkID)
}

func TestVectorIndex_LazyDeleteFiltersResults(t *testing.T) {
	idx := NewVectorIndex(VectorIndexConfig{Dimensions: 2})
	require.NoError(t, idx.Add([]int64{1, 2}, [][]float32{{1, 0}, {0.9, 0.1}}))

	idx.Delete([]int64{1})
	assert.Equal(t, 1, idx.Count())
	assert.Equal(t, 1, idx.Orphans())

	results, err := idx.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].ChunkID)
}

func TestStore_FailedVectorIndexingAllowsRetry(t *testing.T) {
	s := newTestStore(t, BackendFTS5)
	ctx := context.Background()

	// Wrong-dimension vector: the database commit succeeds but the
	// vector index rejects it.
	bad := []*Chunk{testChunk(0, nil, "retryable content", []float32{1, 0, 0})}
	_, err := s.UpsertDocument(ctx, "a.md", "hash1", time.Now(), bad)
	require.Error(t, err)

	// Same content hash again. The failed attempt must not have
	// recorded the hash, or this would be skipped as unchanged.
	good := []*Chunk{testChunk(0, nil, "retryable content", []float32{1, 0, 0, 0})}
	changed, err := s.UpsertDocument(ctx, "a.md", "hash1", time.Now(), good)
	require.NoError(t, err)
	require.True(t, changed)

	results, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, good[0].ID, results[0].ChunkID)
}

// flakyLexical fails the first Index calls, then delegates.
type flakyLexical struct {
	LexicalIndex
	failures int
}

func (f *flakyLexical) Index(ctx context.Context, chunks []*Chunk) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("lexical backend unavailable")
	}
	return f.LexicalIndex.Index(ctx, chunks)
}

func TestStore_FailedLexicalIndexingAllowsRetry(t *testing.T) {
	s := newTestStore(t, BackendBleve)
	s.lexical = &flakyLexical{LexicalIndex: s.lexical, failures: 1}
	ctx := context.Background()

	chunks := []*Chunk{testChunk(0, nil, "tidal locking keeps one face inward", []float32{1, 0, 0, 0})}
	_, err := s.UpsertDocument(ctx, "moon.md", "hash1", time.Now(), chunks)
	require.Error(t, err)

	again := []*Chunk{testChunk(0, nil, "tidal locking keeps one face inward", []float32{1, 0, 0, 0})}
	changed, err := s.UpsertDocument(ctx, "moon.md", "hash1", time.Now(), again)
	require.NoError(t, err)
	require.True(t, changed)

	results, err := s.LexicalSearch(ctx, "tidal locking", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, again[0].ID, results[0].ChunkID)
}

func TestStore_ReadersSeeWholeDocumentsDuringUpsert(t *testing.T) {
	s := newTestStore(t, BackendFTS5)
	ctx := context.Background()
	query := []float32{1, 0, 0, 0}

	makeChunks := func(n int) []*Chunk {
		chunks := make([]*Chunk, n)
		for i := range chunks {
			chunks[i] = testChunk(i, nil, fmt.Sprintf("section %d", i), []float32{1, 0, 0, 0})
		}
		return chunks
	}

	_, err := s.UpsertDocument(ctx, "a.md", "h0", time.Now(), makeChunks(3))
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var violations []string

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				results, err := s.VectorSearch(ctx, query, 8)
				if err != nil {
					mu.Lock()
					violations = append(violations, err.Error())
					mu.Unlock()
					continue
				}
				// The document always has 2 or 3 chunks; any other
				// count means a reader caught a half-applied update.
				if n := len(results); n != 2 && n != 3 {
					mu.Lock()
					violations = append(violations, fmt.Sprintf("saw %d chunks", n))
					mu.Unlock()
				}
			}
		}()
	}

	for i := 1; i <= 40; i++ {
		size := 2 + i%2
		_, err := s.UpsertDocument(ctx, "a.md", fmt.Sprintf("h%d", i), time.Now(), makeChunks(size))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Empty(t, violations)
}
