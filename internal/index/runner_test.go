package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-search/quarry/internal/async"
	"github.com/quarry-search/quarry/internal/chunk"
	"github.com/quarry-search/quarry/internal/embed"
	qerr "github.com/quarry-search/quarry/internal/errors"
	"github.com/quarry-search/quarry/internal/store"
)

// fakeStore records pipeline calls without touching disk.
type fakeStore struct {
	docs        map[string]*store.Document
	chunkCounts map[string]int
	upserts     int
	removals    int
	saved       int
	upsertErrs  map[string]int // path -> remaining failures
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:        make(map[string]*store.Document),
		chunkCounts: make(map[string]int),
		upsertErrs:  make(map[string]int),
	}
}

func (f *fakeStore) GetDocument(_ context.Context, path string) (*store.Document, error) {
	return f.docs[path], nil
}

func (f *fakeStore) UpsertDocument(_ context.Context, path, hash string, modTime time.Time, chunks []*store.Chunk) (bool, error) {
	if f.upsertErrs[path] > 0 {
		f.upsertErrs[path]--
		return false, qerr.StoreError("disk unhappy", nil)
	}
	f.upserts++
	if doc, ok := f.docs[path]; ok && doc.ContentHash == hash {
		return false, nil
	}
	f.docs[path] = &store.Document{Path: path, ContentHash: hash, ModTime: modTime}
	f.chunkCounts[path] = len(chunks)
	return true, nil
}

func (f *fakeStore) RemoveDocument(_ context.Context, path string) error {
	f.removals++
	delete(f.docs, path)
	delete(f.chunkCounts, path)
	return nil
}

func (f *fakeStore) ListDocumentPaths(_ context.Context) ([]string, error) {
	paths := make([]string, 0, len(f.docs))
	for p := range f.docs {
		paths = append(paths, p)
	}
	return paths, nil
}

func (f *fakeStore) Save() error {
	f.saved++
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestRunner(fs *fakeStore) *Runner {
	return NewRunner(fs, embed.NewStaticEmbedder(64), chunk.NewMarkdownChunker(0), quietLogger())
}

func TestRunIndexesNewDocuments(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "rockets.md", "# Rockets\n\nLiquid fuel burns fast.\n")
	writeDoc(t, dir, "guides/orbit.md", "# Orbits\n\nStay above the atmosphere.\n")

	fs := newFakeStore()
	summary, err := newTestRunner(fs).Run(context.Background(), Options{RootDir: dir}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 2, summary.Indexed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, fs.saved)
	assert.Positive(t, fs.chunkCounts["rockets.md"])
	assert.Positive(t, fs.chunkCounts["guides/orbit.md"])
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "rockets.md", "# Rockets\n\nLiquid fuel burns fast.\n")

	fs := newFakeStore()
	runner := newTestRunner(fs)

	first, err := runner.Run(context.Background(), Options{RootDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Indexed)

	second, err := runner.Run(context.Background(), Options{RootDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Indexed)
	assert.Equal(t, 1, second.Skipped)
	// The unchanged document never reached the store a second time.
	assert.Equal(t, 1, fs.upserts)
}

func TestRunReindexesChangedDocument(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "rockets.md", "# Rockets\n\nLiquid fuel burns fast.\n")

	fs := newFakeStore()
	runner := newTestRunner(fs)

	_, err := runner.Run(context.Background(), Options{RootDir: dir}, nil)
	require.NoError(t, err)

	writeDoc(t, dir, "rockets.md", "# Rockets\n\nSolid fuel burns steady.\n")
	summary, err := runner.Run(context.Background(), Options{RootDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 0, summary.Skipped)
}

func TestRunRemovesVanishedDocuments(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "keep.md", "# Keep\n\nStays around.\n")
	writeDoc(t, dir, "gone.md", "# Gone\n\nDeleted soon.\n")

	fs := newFakeStore()
	runner := newTestRunner(fs)

	_, err := runner.Run(context.Background(), Options{RootDir: dir}, nil)
	require.NoError(t, err)
	require.Len(t, fs.docs, 2)

	require.NoError(t, os.Remove(filepath.Join(dir, "gone.md")))
	summary, err := runner.Run(context.Background(), Options{RootDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Removed)
	assert.Contains(t, fs.docs, "keep.md")
	assert.NotContains(t, fs.docs, "gone.md")
}

func TestRunRetriesTransientUpsertFailure(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "flaky.md", "# Flaky\n\nFirst write fails.\n")

	fs := newFakeStore()
	fs.upsertErrs["flaky.md"] = 1

	summary, err := newTestRunner(fs).Run(context.Background(), Options{RootDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 0, summary.Failed)
}

func TestRunToleratesPerDocumentFailure(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "bad.md", "# Bad\n\nBoth attempts fail.\n")
	writeDoc(t, dir, "good.md", "# Good\n\nIndexes fine.\n")

	fs := newFakeStore()
	fs.upsertErrs["bad.md"] = 2

	summary, err := newTestRunner(fs).Run(context.Background(), Options{RootDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, fs.docs, "good.md")
	assert.NotContains(t, fs.docs, "bad.md")
}

func TestRunHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeDoc(t, dir, fmt.Sprintf("doc%d.md", i), "# Doc\n\nContent.\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestRunner(newFakeStore()).Run(ctx, Options{RootDir: dir}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunReportsProgress(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "one.md", "# One\n\nContent.\n")
	writeDoc(t, dir, "two.md", "# Two\n\nContent.\n")

	progress := async.NewProgress()
	_, err := newTestRunner(newFakeStore()).Run(context.Background(), Options{RootDir: dir}, progress)
	require.NoError(t, err)

	snap := progress.Snapshot()
	assert.Equal(t, string(async.StageCleanup), snap.Stage)
	assert.Equal(t, string(async.StatusIndexing), snap.Status)
}

func TestRunWarnsOnUnclosedFence(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "broken.md", "# Broken\n\n```go\nfunc main() {}\n")

	fs := newFakeStore()
	summary, err := newTestRunner(fs).Run(context.Background(), Options{RootDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 1, summary.Warnings)
}
