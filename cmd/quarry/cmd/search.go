package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarry-search/quarry/internal/search"
	"github.com/quarry-search/quarry/internal/store"
)

// searchResultJSON is the machine-readable result shape.
type searchResultJSON struct {
	Path       string   `json:"path"`
	Breadcrumb []string `json:"breadcrumb,omitempty"`
	Content    string   `json:"content"`
	Score      float64  `json:"score"`
}

func newSearchCmd() *cobra.Command {
	var limit int
	var format string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed knowledge base",
		Long: `Search runs hybrid retrieval over the index: the query is embedded
and matched against chunk vectors while a keyword search runs in
parallel, and both rankings are fused with reciprocal rank fusion.

Examples:
  quarry search "deployment checklist"
  quarry search "rollback procedure" --limit 10
  quarry search "connection pool tuning" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(store.DatabasePath(cfg.Storage.DataDir)); os.IsNotExist(err) {
				return fmt.Errorf("no index found in %s, run 'quarry index' first", cfg.Storage.DataDir)
			}

			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			if limit > 0 {
				app.cfg.Search.MaxResults = limit
			}

			results, err := app.engine().Search(cmd.Context(), query)
			if err != nil {
				return err
			}

			if format == "json" {
				return writeJSON(cmd, results)
			}
			rendererFor(cmd.OutOrStdout()).Results(query, results)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func writeJSON(cmd *cobra.Command, results []*search.Result) error {
	search.NormalizeScores(results)
	out := make([]searchResultJSON, len(results))
	for i, r := range results {
		out[i] = searchResultJSON{
			Path:       r.Chunk.Path,
			Breadcrumb: r.Chunk.Breadcrumb,
			Content:    r.Chunk.Content,
			Score:      r.Score,
		}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
