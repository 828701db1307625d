package cmd

import (
	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index [path]",
		Short: "Index a markdown knowledge base",
		Long: `Index scans the given directory (default: current directory) for
markdown documents, chunks them by heading structure, embeds the
chunks, and writes the hybrid index.

Reindexing is incremental: unchanged documents are skipped by content
hash, and documents deleted from disk are removed from the index.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) > 0 {
				root = args[0]
			}

			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			summary, err := app.runner().Run(cmd.Context(), app.indexOptions(root), nil)
			if err != nil {
				return err
			}

			rendererFor(cmd.OutOrStdout()).Summary(summary)
			return nil
		},
	}
}
