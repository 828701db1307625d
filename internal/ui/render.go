// Package ui renders search results and indexing reports for the
// terminal, with colors when stdout is a TTY and plain text otherwise.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/quarry-search/quarry/internal/async"
	"github.com/quarry-search/quarry/internal/index"
	"github.com/quarry-search/quarry/internal/search"
	"github.com/quarry-search/quarry/internal/store"
)

// snippetLength is the maximum rendered length of a result snippet.
const snippetLength = 200

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Renderer writes human-facing output.
type Renderer struct {
	w      io.Writer
	styles Styles
}

// NewRenderer creates a renderer for w.
func NewRenderer(w io.Writer, noColor bool) *Renderer {
	return &Renderer{w: w, styles: GetStyles(noColor)}
}

// Results renders the ranked result list for a query. Scores are
// normalized to [0, 1] for display before rendering.
func (r *Renderer) Results(query string, results []*search.Result) {
	if len(results) == 0 {
		fmt.Fprintf(r.w, "%s\n", r.styles.Dim.Render("No results for "+fmt.Sprintf("%q", query)))
		return
	}

	search.NormalizeScores(results)

	for i, res := range results {
		header := fmt.Sprintf("%d. %s", i+1, r.styles.Path.Render(res.Chunk.Path))
		score := r.styles.Score.Render(fmt.Sprintf("%.2f", res.Score))
		fmt.Fprintf(r.w, "%s  %s\n", header, score)

		if len(res.Chunk.Breadcrumb) > 0 {
			crumb := strings.Join(res.Chunk.Breadcrumb, " > ")
			fmt.Fprintf(r.w, "   %s\n", r.styles.Crumb.Render(crumb))
		}
		fmt.Fprintf(r.w, "   %s\n", snippet(res.Chunk.Content))
		if i < len(results)-1 {
			fmt.Fprintln(r.w)
		}
	}
}

// Summary renders the terminal report of an indexing run.
func (r *Renderer) Summary(s *index.Summary) {
	fmt.Fprintf(r.w, "%s\n", r.styles.Title.Render("Indexing complete"))
	fmt.Fprintf(r.w, "  scanned  %d\n", s.Scanned)
	fmt.Fprintf(r.w, "  indexed  %s\n", r.styles.Success.Render(fmt.Sprintf("%d", s.Indexed)))
	fmt.Fprintf(r.w, "  skipped  %d\n", s.Skipped)
	if s.Removed > 0 {
		fmt.Fprintf(r.w, "  removed  %d\n", s.Removed)
	}
	if s.Failed > 0 {
		fmt.Fprintf(r.w, "  failed   %s\n", r.styles.Error.Render(fmt.Sprintf("%d", s.Failed)))
	}
	if s.Warnings > 0 {
		fmt.Fprintf(r.w, "  warnings %s\n", r.styles.Warning.Render(fmt.Sprintf("%d", s.Warnings)))
	}
	fmt.Fprintf(r.w, "  elapsed  %s\n", s.Elapsed.Round(10*time.Millisecond))
}

// Status renders an indexing progress snapshot.
func (r *Renderer) Status(snap async.ProgressSnapshot) {
	switch snap.Status {
	case string(async.StatusError):
		fmt.Fprintf(r.w, "%s %s\n", r.styles.Error.Render("error:"), snap.ErrorMessage)
	case string(async.StatusReady):
		fmt.Fprintf(r.w, "%s\n", r.styles.Success.Render("ready"))
	default:
		fmt.Fprintf(r.w, "%s %s (%d/%d, %.0f%%)\n",
			r.styles.Title.Render("indexing:"), snap.Stage,
			snap.DocumentsDone, snap.DocumentsTotal, snap.ProgressPct)
	}
}

// Stats renders store counts.
func (r *Renderer) Stats(s store.Stats) {
	fmt.Fprintf(r.w, "%s\n", r.styles.Title.Render("Index"))
	fmt.Fprintf(r.w, "  documents %d\n", s.Documents)
	fmt.Fprintf(r.w, "  chunks    %d\n", s.Chunks)
	fmt.Fprintf(r.w, "  vectors   %d\n", s.Vectors)
}

// Errorf renders an error line.
func (r *Renderer) Errorf(format string, args ...any) {
	fmt.Fprintf(r.w, "%s %s\n", r.styles.Error.Render("error:"), fmt.Sprintf(format, args...))
}

// snippet flattens content to one line and truncates it.
func snippet(content string) string {
	flat := strings.Join(strings.Fields(content), " ")
	if len(flat) <= snippetLength {
		return flat
	}
	cut := flat[:snippetLength]
	if i := strings.LastIndex(cut, " "); i > snippetLength/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
