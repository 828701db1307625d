package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarry-search/quarry/internal/async"
	"github.com/quarry-search/quarry/internal/index"
	"github.com/quarry-search/quarry/internal/watcher"
)

// statusFile is the pollable progress snapshot written into the data
// directory while watch mode runs.
const statusFile = "status.json"

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [path]",
		Short: "Watch a directory and reindex on changes",
		Long: `Watch performs an initial index of the directory, then observes it
for markdown changes and incrementally reindexes whenever a debounced
batch of changes arrives. Runs until interrupted.`,
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

			ctx := cmd.Context()
			runner := app.runner()
			opts := app.indexOptions(root)
			out := rendererFor(cmd.OutOrStdout())

			// Each triggered run goes through a fresh BackgroundIndexer so
			// its progress snapshot can be published for 'quarry status'
			// while the run is still going.
			reindex := func() {
				var summary *index.Summary
				run := async.NewBackgroundIndexer(func(runCtx context.Context, progress *async.Progress) error {
					var runErr error
					summary, runErr = runner.Run(runCtx, opts, progress)
					return runErr
				})
				run.Start(ctx)
				writeStatus(app.cfg.Storage.DataDir, run.Progress())

				done := make(chan error, 1)
				go func() { done <- run.Wait() }()
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case err := <-done:
						writeStatus(app.cfg.Storage.DataDir, run.Progress())
						if err != nil {
							out.Errorf("reindex failed: %v", err)
							return
						}
						out.Summary(summary)
						return
					case <-ticker.C:
						writeStatus(app.cfg.Storage.DataDir, run.Progress())
					}
				}
			}

			reindex()
			if ctx.Err() != nil {
				return nil
			}

			w, err := watcher.New(opts.RootDir, app.cfg.Watch.DebounceDuration(), app.log)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer func() { _ = w.Stop() }()

			app.log.Info("watching for changes",
				slog.String("root", opts.RootDir),
				slog.Duration("debounce", app.cfg.Watch.DebounceDuration()))

			for {
				select {
				case <-ctx.Done():
					return nil
				case batch, ok := <-w.Events():
					if !ok {
						return nil
					}
					app.log.Info("change batch received", slog.Int("changes", len(batch)))
					reindex()
				case err, ok := <-w.Errors():
					if !ok {
						return nil
					}
					app.log.Warn("watcher error", slog.String("error", err.Error()))
				}
			}
		},
	}
}

// writeStatus persists a progress snapshot so 'quarry status' can poll
// it from another process.
func writeStatus(dataDir string, progress *async.Progress) {
	data, err := json.Marshal(progress.Snapshot())
	if err != nil {
		return
	}
	path := filepath.Join(dataDir, statusFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

