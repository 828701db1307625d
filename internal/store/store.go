package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	qerr "github.com/quarry-search/quarry/internal/errors"
)

// Store file names under the data directory
const (
	databaseFile    = "quarry.db"
	vectorIndexFile = "vectors.hnsw"
	bleveIndexDir   = "bleve"
	lockFile        = "quarry.lock"
)

// DatabasePath returns the SQLite database path inside dataDir. Useful
// for checking whether an index exists without opening the store.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFile)
}

// Config configures the combined store.
type Config struct {
	DataDir        string
	LexicalBackend string // fts5 (default) or bleve
	Dimensions     int
	EmbeddingModel string
}

// Store combines the SQLite database, the vector index, and the lexical
// backend behind a single-writer/multi-reader lock. Every mutation
// updates all three under the write lock, so readers always see a
// document either with its full old chunk set or its full new one.
type Store struct {
	mu      sync.RWMutex
	cfg     Config
	db      *SQLiteStore
	vectors *VectorIndex
	lexical LexicalIndex
	lock    *flock.Flock
	log     *slog.Logger
	closed  bool
}

// ftsLexical routes lexical search to the FTS5 table living inside the
// SQLite database. Index and Delete are no-ops because the upsert
// transaction maintains the FTS rows itself.
type ftsLexical struct {
	db *SQLiteStore
}

func (f *ftsLexical) Index(ctx context.Context, chunks []*Chunk) error { return nil }
func (f *ftsLexical) Delete(ctx context.Context, ids []int64) error    { return nil }
func (f *ftsLexical) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	return f.db.SearchFTS(ctx, query, k)
}
func (f *ftsLexical) Close() error { return nil }

// Open opens the store at cfg.DataDir, creating it when absent. It
// takes an exclusive file lock so two processes cannot write the same
// index, validates the persisted embedding state against the
// configuration, and rebuilds the vector index from the database when
// its file is missing or stale.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.LexicalBackend == "" {
		cfg.LexicalBackend = BackendFTS5
	}
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, qerr.StoreError("failed to create data directory", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, qerr.StoreError("failed to acquire store lock", err)
	}
	if !locked {
		return nil, qerr.New(qerr.ErrCodeStoreLocked,
			fmt.Sprintf("data directory %s is locked by another process", cfg.DataDir), nil)
	}

	s := &Store{cfg: cfg, lock: lock, log: log}
	if err := s.open(ctx); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *Store) open(ctx context.Context) error {
	maintainFTS := s.cfg.LexicalBackend == BackendFTS5
	db, err := NewSQLiteStore(filepath.Join(s.cfg.DataDir, databaseFile), maintainFTS)
	if err != nil {
		return qerr.New(qerr.ErrCodeStoreUnavailable, "failed to open database", err)
	}
	s.db = db

	if err := s.checkEmbeddingState(ctx); err != nil {
		_ = db.Close()
		return err
	}

	s.vectors = NewVectorIndex(VectorIndexConfig{Dimensions: s.cfg.Dimensions})
	vectorPath := filepath.Join(s.cfg.DataDir, vectorIndexFile)
	if err := s.loadOrRebuildVectors(ctx, vectorPath); err != nil {
		_ = db.Close()
		return err
	}

	switch s.cfg.LexicalBackend {
	case BackendFTS5:
		s.lexical = &ftsLexical{db: db}
	case BackendBleve:
		blevePath := filepath.Join(s.cfg.DataDir, bleveIndexDir)
		_, statErr := os.Stat(blevePath)
		fresh := os.IsNotExist(statErr)

		idx, err := NewBleveIndex(blevePath)
		if err != nil {
			_ = db.Close()
			return qerr.New(qerr.ErrCodeStoreUnavailable, "failed to open lexical index", err)
		}
		s.lexical = idx

		if fresh {
			if err := s.rebuildLexical(ctx); err != nil {
				_ = idx.Close()
				_ = db.Close()
				return err
			}
		}
	default:
		_ = db.Close()
		return qerr.ConfigError("unknown lexical backend: "+s.cfg.LexicalBackend, nil)
	}

	return nil
}

// checkEmbeddingState validates the configured embedder against what
// the store was built with. A mismatch means every stored vector is in
// a different space than new queries, which is fatal.
func (s *Store) checkEmbeddingState(ctx context.Context) error {
	storedModel, err := s.db.GetState(ctx, StateEmbeddingModel)
	if err != nil {
		return qerr.StoreError("failed to read embedding state", err)
	}
	storedDims, err := s.db.GetState(ctx, StateEmbeddingDimensions)
	if err != nil {
		return qerr.StoreError("failed to read embedding state", err)
	}

	if storedModel == "" && storedDims == "" {
		if err := s.db.SetState(ctx, StateEmbeddingModel, s.cfg.EmbeddingModel); err != nil {
			return qerr.StoreError("failed to record embedding state", err)
		}
		if err := s.db.SetState(ctx, StateEmbeddingDimensions, strconv.Itoa(s.cfg.Dimensions)); err != nil {
			return qerr.StoreError("failed to record embedding state", err)
		}
		return nil
	}

	if storedModel != s.cfg.EmbeddingModel || storedDims != strconv.Itoa(s.cfg.Dimensions) {
		return qerr.New(qerr.ErrCodeDimensionMismatch,
			fmt.Sprintf("store was built with model %s (%s dims) but config wants %s (%d dims); reindex from scratch",
				storedModel, storedDims, s.cfg.EmbeddingModel, s.cfg.Dimensions), nil)
	}
	return nil
}

// loadOrRebuildVectors loads the saved vector index, falling back to a
// rebuild from stored chunk vectors when the file is missing, corrupt,
// or out of sync with the database.
func (s *Store) loadOrRebuildVectors(ctx context.Context, path string) error {
	_, chunkCount, err := s.db.Counts(ctx)
	if err != nil {
		return qerr.StoreError("failed to count chunks", err)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if err := s.vectors.Load(path); err != nil {
			s.log.Warn("vector index unreadable, rebuilding",
				slog.String("path", path), slog.String("error", err.Error()))
			s.vectors = NewVectorIndex(VectorIndexConfig{Dimensions: s.cfg.Dimensions})
		} else if s.vectors.Count() != chunkCount {
			s.log.Warn("vector index out of sync with database, rebuilding",
				slog.Int("vectors", s.vectors.Count()), slog.Int("chunks", chunkCount))
			s.vectors = NewVectorIndex(VectorIndexConfig{Dimensions: s.cfg.Dimensions})
		} else {
			return nil
		}
	} else if chunkCount == 0 {
		return nil
	}

	chunks, err := s.db.AllChunks(ctx)
	if err != nil {
		return qerr.StoreError("failed to read chunks for rebuild", err)
	}
	ids := make([]int64, 0, len(chunks))
	vectors := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) != s.cfg.Dimensions {
			continue
		}
		ids = append(ids, c.ID)
		vectors = append(vectors, c.Vector)
	}
	if err := s.vectors.Add(ids, vectors); err != nil {
		return qerr.StoreError("failed to rebuild vector index", err)
	}
	s.log.Info("vector index rebuilt", slog.Int("vectors", len(ids)))
	return nil
}

// rebuildLexical reindexes every stored chunk into the lexical backend.
func (s *Store) rebuildLexical(ctx context.Context) error {
	chunks, err := s.db.AllChunks(ctx)
	if err != nil {
		return qerr.StoreError("failed to read chunks for lexical rebuild", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := s.lexical.Index(ctx, chunks); err != nil {
		return qerr.StoreError("failed to rebuild lexical index", err)
	}
	s.log.Info("lexical index rebuilt", slog.Int("chunks", len(chunks)))
	return nil
}

// UpsertDocument replaces the chunks of the document at path. A content
// hash match is a complete no-op and reports changed=false. Chunk ids
// are assigned here; the caller's chunks get their ID and DocID fields
// filled in.
func (s *Store) UpsertDocument(ctx context.Context, path, hash string, modTime time.Time, chunks []*Chunk) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, qerr.New(qerr.ErrCodeStoreUnavailable, "store is closed", nil)
	}

	res, err := s.db.UpsertDocument(ctx, path, hash, modTime, chunks)
	if err != nil {
		return false, qerr.StoreError("failed to upsert document "+path, err)
	}
	if !res.Changed {
		return false, nil
	}

	s.vectors.Delete(res.RemovedIDs)
	ids := make([]int64, len(chunks))
	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		vectors[i] = c.Vector
	}
	if err := s.vectors.Add(ids, vectors); err != nil {
		s.invalidate(ctx, path)
		return false, qerr.StoreError("failed to index vectors for "+path, err)
	}

	if err := s.lexical.Delete(ctx, res.RemovedIDs); err != nil {
		s.invalidate(ctx, path)
		return false, qerr.StoreError("failed to evict lexical entries for "+path, err)
	}
	if err := s.lexical.Index(ctx, chunks); err != nil {
		s.invalidate(ctx, path)
		return false, qerr.StoreError("failed to index lexical entries for "+path, err)
	}

	return true, nil
}

// invalidate clears the stored content hash after the database committed
// a replacement the derived indexes failed to absorb. The next upsert of
// the same content then re-runs the full replacement instead of skipping
// on a hash match.
func (s *Store) invalidate(ctx context.Context, path string) {
	if err := s.db.InvalidateDocumentHash(ctx, path); err != nil {
		s.log.Warn("failed to invalidate document hash",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// RemoveDocument deletes the document at path with all its chunks from
// every index. Removing an unknown path is a no-op.
func (s *Store) RemoveDocument(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return qerr.New(qerr.ErrCodeStoreUnavailable, "store is closed", nil)
	}

	removed, err := s.db.RemoveDocument(ctx, path)
	if err != nil {
		return qerr.StoreError("failed to remove document "+path, err)
	}
	if len(removed) == 0 {
		return nil
	}
	s.vectors.Delete(removed)
	if err := s.lexical.Delete(ctx, removed); err != nil {
		return qerr.StoreError("failed to evict lexical entries for "+path, err)
	}
	return nil
}

// GetDocument returns the document at path, or nil when absent.
func (s *Store) GetDocument(ctx context.Context, path string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.db.GetDocument(ctx, path)
	if err != nil {
		return nil, qerr.StoreError("failed to get document "+path, err)
	}
	return doc, nil
}

// ListDocumentPaths returns all indexed paths, sorted.
func (s *Store) ListDocumentPaths(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths, err := s.db.ListDocumentPaths(ctx)
	if err != nil {
		return nil, qerr.StoreError("failed to list documents", err)
	}
	return paths, nil
}

// VectorSearch returns the k nearest chunks by cosine similarity,
// score descending, ties by chunk id ascending.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, err := s.vectors.Search(query, k)
	if err != nil {
		return nil, qerr.StoreError("vector search failed", err)
	}
	return results, nil
}

// LexicalSearch returns the k best chunks by term relevance, score
// descending, ties by chunk id ascending.
func (s *Store) LexicalSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, err := s.lexical.Search(ctx, query, k)
	if err != nil {
		return nil, qerr.StoreError("lexical search failed", err)
	}
	return results, nil
}

// FetchChunks hydrates chunks by id with document path and breadcrumb.
func (s *Store) FetchChunks(ctx context.Context, ids []int64) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks, err := s.db.FetchChunks(ctx, ids)
	if err != nil {
		return nil, qerr.StoreError("failed to fetch chunks", err)
	}
	return chunks, nil
}

// Stats returns store contents counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, chunks, err := s.db.Counts(ctx)
	if err != nil {
		return nil, qerr.StoreError("failed to count store contents", err)
	}
	return &Stats{Documents: docs, Chunks: chunks, Vectors: s.vectors.Count()}, nil
}

// Save persists the vector index to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}
	if err := s.vectors.Save(filepath.Join(s.cfg.DataDir, vectorIndexFile)); err != nil {
		return qerr.StoreError("failed to save vector index", err)
	}
	return nil
}

// Close saves the vector index, closes every backend, and releases the
// process lock.
func (s *Store) Close() error {
	if err := s.Save(); err != nil {
		s.log.Warn("failed to save vector index on close", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if err := s.lexical.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
