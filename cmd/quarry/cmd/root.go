// Package cmd provides the CLI commands for quarry.
package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarry-search/quarry/internal/config"
	"github.com/quarry-search/quarry/internal/logging"
	"github.com/quarry-search/quarry/internal/ui"
	"github.com/quarry-search/quarry/pkg/version"
)

// Global flags shared by all commands.
var (
	configPath string
	dataDir    string
	noColor    bool
	verbose    bool
)

// NewRootCmd creates the root command for the quarry CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarry",
		Short: "Hybrid search over a markdown knowledge base",
		Long: `Quarry indexes a directory of markdown documents and serves hybrid
search over them: semantic (vector) and lexical (keyword) retrieval
fused with reciprocal rank fusion.

Run 'quarry index' in a directory of markdown files, then
'quarry search "your question"'.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("quarry version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default .quarry.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Index data directory (overrides config)")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command with signal-aware context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil {
		rendererFor(os.Stderr).Errorf("%v", err)
	}
	return err
}

// loadConfig loads configuration and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	return cfg, nil
}

// setupLogging installs the default logger per config and flags.
// Returns the logger and a cleanup that closes the log file.
func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.File,
		WriteToStderr: cfg.Logging.File == "",
	}
	if verbose {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

// rendererFor creates an output renderer for w, colored only when w is
// an interactive terminal.
func rendererFor(w io.Writer) *ui.Renderer {
	plain := noColor
	if f, ok := w.(*os.File); !ok || !ui.IsTerminal(f) {
		plain = true
	}
	return ui.NewRenderer(w, plain)
}
