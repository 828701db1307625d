// Package index drives the incremental indexing pipeline: scan the
// corpus, hash each document, chunk and embed what changed, and remove
// what vanished. Running it twice over an unchanged corpus writes
// nothing the second time.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"time"

	"github.com/quarry-search/quarry/internal/async"
	"github.com/quarry-search/quarry/internal/chunk"
	"github.com/quarry-search/quarry/internal/embed"
	qerr "github.com/quarry-search/quarry/internal/errors"
	"github.com/quarry-search/quarry/internal/scanner"
	"github.com/quarry-search/quarry/internal/store"
)

// DocumentStore is the slice of the store the runner needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, path string) (*store.Document, error)
	UpsertDocument(ctx context.Context, path, hash string, modTime time.Time, chunks []*store.Chunk) (bool, error)
	RemoveDocument(ctx context.Context, path string) error
	ListDocumentPaths(ctx context.Context) ([]string, error)
	Save() error
}

// Summary is the terminal report of one indexing run.
type Summary struct {
	Scanned  int
	Indexed  int
	Skipped  int
	Failed   int
	Removed  int
	Warnings int
	Elapsed  time.Duration
}

// Options selects what to scan.
type Options struct {
	RootDir string
	Include []string
	Exclude []string
}

// Runner executes indexing passes.
type Runner struct {
	store    DocumentStore
	embedder embed.Embedder
	chunker  *chunk.MarkdownChunker
	log      *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(st DocumentStore, embedder embed.Embedder, chunker *chunk.MarkdownChunker, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: st, embedder: embedder, chunker: chunker, log: log}
}

// Run executes one indexing pass. A single document's failure is
// counted and skipped, never fatal; cancellation is honored between
// documents. progress may be nil.
func (r *Runner) Run(ctx context.Context, opts Options, progress *async.Progress) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	if progress != nil {
		progress.SetStage(async.StageScanning, 0)
	}
	files, err := scanner.Scan(ctx, scanner.Options{
		RootDir: opts.RootDir,
		Include: opts.Include,
		Exclude: opts.Exclude,
	})
	if err != nil {
		return nil, qerr.New(qerr.ErrCodeIndexFailed, "scan failed", err)
	}
	summary.Scanned = len(files)

	if progress != nil {
		progress.SetStage(async.StageIndexing, len(files))
	}

	seen := make(map[string]struct{}, len(files))
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		seen[file.Path] = struct{}{}

		r.processDocument(ctx, file, summary)
		if progress != nil {
			progress.Update(i + 1)
		}
	}

	if progress != nil {
		progress.SetStage(async.StageCleanup, 0)
	}
	if err := r.removeVanished(ctx, seen, summary); err != nil {
		return summary, err
	}

	if err := r.store.Save(); err != nil {
		return summary, err
	}

	summary.Elapsed = time.Since(start)
	r.log.Info("indexing complete",
		slog.Int("scanned", summary.Scanned),
		slog.Int("indexed", summary.Indexed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Int("removed", summary.Removed),
		slog.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// processDocument runs the hash/chunk/embed/upsert pipeline for one
// file, recording the outcome in summary.
func (r *Runner) processDocument(ctx context.Context, file scanner.FileInfo, summary *Summary) {
	content, err := os.ReadFile(file.AbsPath)
	if err != nil {
		summary.Failed++
		r.log.Warn("failed to read document",
			slog.String("path", file.Path), slog.String("error", err.Error()))
		return
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	// Cheap unchanged check before chunking and embedding. The store
	// re-checks the hash inside the upsert transaction either way.
	existing, err := r.store.GetDocument(ctx, file.Path)
	if err == nil && existing != nil && existing.ContentHash == hash {
		summary.Skipped++
		return
	}

	chunks, warnings := r.chunker.Chunk(string(content))
	for _, w := range warnings {
		summary.Warnings++
		r.log.Warn("document partially structured",
			slog.String("path", file.Path), slog.String("warning", w))
	}

	storeChunks := make([]*store.Chunk, len(chunks))
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		var vectors [][]float32
		err := qerr.RetryOnce(ctx, func() error {
			var embedErr error
			vectors, embedErr = r.embedder.EmbedBatch(ctx, texts)
			return embedErr
		})
		if err != nil {
			summary.Failed++
			r.log.Warn("failed to embed document",
				slog.String("path", file.Path), slog.String("error", err.Error()))
			return
		}
		for i, c := range chunks {
			storeChunks[i] = &store.Chunk{
				Position:     c.Position,
				Breadcrumb:   c.Breadcrumb,
				Content:      c.Content,
				TokenCount:   c.TokenCount,
				HeadingLevel: c.HeadingLevel,
				Vector:       vectors[i],
			}
		}
	}

	var changed bool
	err = qerr.RetryOnce(ctx, func() error {
		var upsertErr error
		changed, upsertErr = r.store.UpsertDocument(ctx, file.Path, hash, file.ModTime, storeChunks)
		return upsertErr
	})
	if err != nil {
		summary.Failed++
		r.log.Warn("failed to store document",
			slog.String("path", file.Path), slog.String("error", err.Error()))
		return
	}

	if changed {
		summary.Indexed++
	} else {
		summary.Skipped++
	}
}

// removeVanished deletes every stored document whose path was not seen
// in this scan.
func (r *Runner) removeVanished(ctx context.Context, seen map[string]struct{}, summary *Summary) error {
	stored, err := r.store.ListDocumentPaths(ctx)
	if err != nil {
		return err
	}
	for _, path := range stored {
		if _, ok := seen[path]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := qerr.RetryOnce(ctx, func() error {
			return r.store.RemoveDocument(ctx, path)
		})
		if err != nil {
			summary.Failed++
			r.log.Warn("failed to remove vanished document",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		summary.Removed++
		r.log.Info("removed vanished document", slog.String("path", path))
	}
	return nil
}
