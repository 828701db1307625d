package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/quarry-search/quarry/internal/token"
)

// schemaVersion is bumped when the table layout changes.
const schemaVersion = 1

// SQLiteStore holds documents, chunks, the FTS5 lexical index, and the
// persisted store state in one database file. It performs no locking of
// its own; the owning Store serializes writers.
type SQLiteStore struct {
	db          *sql.DB
	path        string
	maintainFTS bool
}

// NewSQLiteStore opens or creates the database at path. An empty path
// creates an in-memory database for testing. When maintainFTS is false
// the chunks_fts table is left untouched (a separate lexical backend is
// in charge).
func NewSQLiteStore(path string, maintainFTS bool) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection: modernc.org/sqlite serializes access anyway and
	// one writer avoids lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA for modernc.org/sqlite, DSN params are
	// not honored.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -32768",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path, maintainFTS: maintainFTS}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates tables on first open.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		path          TEXT NOT NULL UNIQUE,
		content_hash  TEXT NOT NULL,
		mod_time      INTEGER NOT NULL,
		indexed_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id         INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		position       INTEGER NOT NULL,
		breadcrumb     TEXT NOT NULL,
		content        TEXT NOT NULL,
		token_count    INTEGER NOT NULL,
		heading_level  INTEGER NOT NULL,
		vector         BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		content,
		tokenize='unicode61'
	);

	CREATE TABLE IF NOT EXISTS state (
		key    TEXT PRIMARY KEY,
		value  TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO state(key, value) VALUES (?, ?)`,
		StateSchemaVersion, fmt.Sprintf("%d", schemaVersion))
	return err
}

// UpsertResult reports what a document upsert changed.
type UpsertResult struct {
	Changed     bool
	DocID       int64
	InsertedIDs []int64
	RemovedIDs  []int64
}

// UpsertDocument replaces the chunks of the document at path. A hash
// match is a no-op. Delete-old plus insert-new runs in one transaction,
// readers never observe a document with partial chunks.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, path, hash string, modTime time.Time, chunks []*Chunk) (*UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var docID int64
	var oldHash string
	err = tx.QueryRowContext(ctx,
		`SELECT id, content_hash FROM documents WHERE path = ?`, path).
		Scan(&docID, &oldHash)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("look up document: %w", err)
	}

	if exists && oldHash == hash {
		return &UpsertResult{Changed: false, DocID: docID}, nil
	}

	res := &UpsertResult{Changed: true}
	now := time.Now()

	if exists {
		res.RemovedIDs, err = s.deleteChunksTx(ctx, tx, docID)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET content_hash = ?, mod_time = ?, indexed_at = ? WHERE id = ?`,
			hash, modTime.UnixNano(), now.UnixNano(), docID)
		if err != nil {
			return nil, fmt.Errorf("update document: %w", err)
		}
		res.DocID = docID
	} else {
		r, err := tx.ExecContext(ctx,
			`INSERT INTO documents(path, content_hash, mod_time, indexed_at) VALUES (?, ?, ?, ?)`,
			path, hash, modTime.UnixNano(), now.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("insert document: %w", err)
		}
		res.DocID, err = r.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("document id: %w", err)
		}
	}

	insertChunk, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks(doc_id, position, breadcrumb, content, token_count, heading_level, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer func() { _ = insertChunk.Close() }()

	var insertFTS *sql.Stmt
	if s.maintainFTS {
		insertFTS, err = tx.PrepareContext(ctx,
			`INSERT INTO chunks_fts(rowid, content) VALUES (?, ?)`)
		if err != nil {
			return nil, fmt.Errorf("prepare fts insert: %w", err)
		}
		defer func() { _ = insertFTS.Close() }()
	}

	for _, c := range chunks {
		breadcrumb, err := json.Marshal(c.Breadcrumb)
		if err != nil {
			return nil, fmt.Errorf("encode breadcrumb: %w", err)
		}
		r, err := insertChunk.ExecContext(ctx,
			res.DocID, c.Position, string(breadcrumb), c.Content,
			c.TokenCount, c.HeadingLevel, encodeVector(c.Vector))
		if err != nil {
			return nil, fmt.Errorf("insert chunk: %w", err)
		}
		id, err := r.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("chunk id: %w", err)
		}
		c.ID = id
		c.DocID = res.DocID
		res.InsertedIDs = append(res.InsertedIDs, id)

		if insertFTS != nil {
			if _, err := insertFTS.ExecContext(ctx, id, c.Content); err != nil {
				return nil, fmt.Errorf("index chunk: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// InvalidateDocumentHash clears the stored content hash for path so the
// next upsert treats the document as changed instead of skipping on a
// hash match.
func (s *SQLiteStore) InvalidateDocumentHash(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE documents SET content_hash = '' WHERE path = ?`, path); err != nil {
		return fmt.Errorf("invalidate document hash: %w", err)
	}
	return nil
}

// RemoveDocument deletes the document at path and all its chunks,
// returning the removed chunk ids. Removing an unknown path is a no-op.
func (s *SQLiteStore) RemoveDocument(ctx context.Context, path string) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var docID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE path = ?`, path).Scan(&docID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up document: %w", err)
	}

	removed, err := s.deleteChunksTx(ctx, tx, docID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID); err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit remove: %w", err)
	}
	return removed, nil
}

// deleteChunksTx deletes all chunks of a document inside tx and returns
// their ids so callers can evict them from the other indexes.
func (s *SQLiteStore) deleteChunksTx(ctx context.Context, tx *sql.Tx, docID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}
	if s.maintainFTS && len(ids) > 0 {
		placeholders, args := inClause(ids)
		query := fmt.Sprintf("DELETE FROM chunks_fts WHERE rowid IN (%s)", placeholders)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("delete fts rows: %w", err)
		}
	}
	return ids, nil
}

// GetDocument returns the document at path, or nil when absent.
func (s *SQLiteStore) GetDocument(ctx context.Context, path string) (*Document, error) {
	var d Document
	var modTime, indexedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, path, content_hash, mod_time, indexed_at FROM documents WHERE path = ?`, path).
		Scan(&d.ID, &d.Path, &d.ContentHash, &modTime, &indexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	d.ModTime = time.Unix(0, modTime)
	d.IndexedAt = time.Unix(0, indexedAt)
	return &d, nil
}

// ListDocumentPaths returns all indexed paths, sorted.
func (s *SQLiteStore) ListDocumentPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM documents ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// FetchChunks hydrates chunks by id, including the owning document
// path. Unknown ids are silently skipped.
func (s *SQLiteStore) FetchChunks(ctx context.Context, ids []int64) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(ids)
	query := fmt.Sprintf(`
		SELECT c.id, c.doc_id, c.position, c.breadcrumb, c.content,
		       c.token_count, c.heading_level, c.vector, d.path
		FROM chunks c
		JOIN documents d ON d.id = c.doc_id
		WHERE c.id IN (%s)`, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var breadcrumb string
		var vector []byte
		if err := rows.Scan(&c.ID, &c.DocID, &c.Position, &breadcrumb, &c.Content,
			&c.TokenCount, &c.HeadingLevel, &vector, &c.Path); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(breadcrumb), &c.Breadcrumb); err != nil {
			return nil, fmt.Errorf("decode breadcrumb: %w", err)
		}
		c.Vector = decodeVector(vector)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// AllChunks streams every chunk with id, content, and vector. Used to
// rebuild the vector or lexical index when it is missing or stale.
func (s *SQLiteStore) AllChunks(ctx context.Context) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_id, position, content, vector FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var vector []byte
		if err := rows.Scan(&c.ID, &c.DocID, &c.Position, &c.Content, &vector); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Vector = decodeVector(vector)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// SearchFTS ranks chunks with FTS5 bm25. Query tokens are quoted so
// FTS5 operators and punctuation in user queries stay literal, and are
// OR-combined for recall; ranking sorts the broad match set.
func (s *SQLiteStore) SearchFTS(ctx context.Context, query string, k int) ([]SearchResult, error) {
	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score ASC, rowid ASC
		LIMIT ?`, match, k)
	if err != nil {
		// FTS5 rejects some degenerate queries outright, treat as no hits.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.Score); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		// bm25() returns negative values, lower = better. Negate so
		// higher = better like every other score in the system.
		r.Score = -r.Score
		results = append(results, r)
	}
	return results, rows.Err()
}

// sanitizeFTSQuery turns free text into an FTS5 MATCH expression with
// every token quoted, so "-", "AND", "OR" in queries are literal terms.
func sanitizeFTSQuery(query string) string {
	words := token.Words(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// GetState reads a state value; missing keys return "".
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState writes a state value.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// Counts returns document and chunk counts.
func (s *SQLiteStore) Counts(ctx context.Context) (docs, chunks int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&docs); err != nil {
		return 0, 0, fmt.Errorf("count documents: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunks); err != nil {
		return 0, 0, fmt.Errorf("count chunks: %w", err)
	}
	return docs, chunks, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inClause builds "?,?,?" and the matching args for an IN query.
func inClause(ids []int64) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
