package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-search/quarry/internal/async"
	"github.com/quarry-search/quarry/pkg/version"
)

// chtemp switches the working directory to a temp dir for the test.
func chtemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	oldDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldDir) })
	return dir
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "quarry")
	assert.Contains(t, out, version.Version)

	short, err := runCommand(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, version.Version, strings.TrimSpace(short))
}

func TestIndexThenSearch(t *testing.T) {
	dir := chtemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rockets.md"),
		[]byte("# Rockets\n\nLiquid fuel rockets burn cryogenic propellant.\n"), 0o644))

	out, err := runCommand(t, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "indexed  1")

	out, err = runCommand(t, "search", "cryogenic propellant")
	require.NoError(t, err)
	assert.Contains(t, out, "rockets.md")
}

func TestSearchWithoutIndexFails(t *testing.T) {
	chtemp(t)
	_, err := runCommand(t, "search", "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no index found")
}

func TestStatusWithoutIndexFails(t *testing.T) {
	chtemp(t)
	_, err := runCommand(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no index found")
}

func TestStatusAfterIndex(t *testing.T) {
	dir := chtemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.md"),
		[]byte("# Doc\n\nSome content.\n"), 0o644))

	_, err := runCommand(t, "index")
	require.NoError(t, err)

	out, err := runCommand(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "ready")
}

func TestStatsAfterIndex(t *testing.T) {
	dir := chtemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.md"),
		[]byte("# Doc\n\nSome content.\n"), 0o644))

	_, err := runCommand(t, "index")
	require.NoError(t, err)

	out, err := runCommand(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "documents 1")
}

func TestSearchJSONFormat(t *testing.T) {
	dir := chtemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ops.md"),
		[]byte("# Operations\n\nThe rollback procedure restores the last release.\n"), 0o644))

	_, err := runCommand(t, "index")
	require.NoError(t, err)

	out, err := runCommand(t, "search", "rollback procedure", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"path": "ops.md"`)
	assert.Contains(t, out, `"score"`)
}

// fakeEmbedServer answers /api/embed with the same unit-direction
// vector for every input, so any query matches any document.
func fakeEmbedServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	vec := make([]float32, dims)
	vec[0] = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vecs := make([][]float32, len(req.Input))
		for i := range vecs {
			vecs[i] = vec
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs}))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIndexDetectsOllamaDimensions(t *testing.T) {
	dir := chtemp(t)
	srv := fakeEmbedServer(t, 6)

	cfg := "embeddings:\n  provider: ollama\n  ollama_host: " + srv.URL + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".quarry.yaml"), []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.md"),
		[]byte("# Doc\n\nSome content worth finding.\n"), 0o644))

	out, err := runCommand(t, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "indexed  1")

	out, err = runCommand(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "vectors   1")

	out, err = runCommand(t, "search", "content")
	require.NoError(t, err)
	assert.Contains(t, out, "doc.md")
}

func TestWatchPublishesStatus(t *testing.T) {
	dir := chtemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.md"),
		[]byte("# Doc\n\nWatched content.\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"watch"})

	errCh := make(chan error, 1)
	go func() { errCh <- cmd.ExecuteContext(ctx) }()

	// The initial index publishes a ready snapshot for 'quarry status'.
	statusPath := filepath.Join(dir, ".quarry", "status.json")
	var data []byte
	require.Eventually(t, func() bool {
		var err error
		data, err = os.ReadFile(statusPath)
		return err == nil && strings.Contains(string(data), "ready")
	}, 5*time.Second, 20*time.Millisecond)

	var snap async.ProgressSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, string(async.StatusReady), snap.Status)

	cancel()
	require.NoError(t, <-errCh)
	assert.Contains(t, buf.String(), "indexed  1")
}
