package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarry-search/quarry/internal/async"
	qerr "github.com/quarry-search/quarry/internal/errors"
	"github.com/quarry-search/quarry/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show indexing status",
		Long: `Status reports the last known indexing progress. While 'quarry watch'
runs, it polls the snapshot that process publishes; otherwise it
reports whether an index exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := rendererFor(cmd.OutOrStdout())

			data, err := os.ReadFile(filepath.Join(cfg.Storage.DataDir, statusFile))
			if err == nil {
				var snap async.ProgressSnapshot
				if err := json.Unmarshal(data, &snap); err == nil {
					out.Status(snap)
					return nil
				}
			}

			if _, err := os.Stat(store.DatabasePath(cfg.Storage.DataDir)); os.IsNotExist(err) {
				return fmt.Errorf("no index found in %s, run 'quarry index' first", cfg.Storage.DataDir)
			}
			out.Status(async.ProgressSnapshot{Status: string(async.StatusReady)})
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				var qe *qerr.QuarryError
				if errors.As(err, &qe) && qe.Code == qerr.ErrCodeStoreLocked {
					return fmt.Errorf("index is held by another quarry process")
				}
				return err
			}
			defer app.close()

			stats, err := app.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			rendererFor(cmd.OutOrStdout()).Stats(*stats)
			return nil
		},
	}
}
