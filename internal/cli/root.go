// Package cli provides the command-line interface for the capture
// orchestrator.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/contributor-info/capture/internal/config"
	"github.com/contributor-info/capture/internal/dispatch"
	"github.com/contributor-info/capture/internal/store"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config, logger and store client, populated in
	// PersistentPreRunE for every command that touches the backend.
	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error
	storeClient *store.Client
)

var rootCmd = &cobra.Command{
	Use:   "capture",
	Short: "Progressive data capture orchestrator",
	Long: `Capture drives the progressive backfill of GitHub activity data:
it reads the backlog of items missing synced content or embedding vectors,
dispatches bounded work units, and tracks every batch in a job ledger.

The drain loop only reads and dispatches; the fetching, embedding and
writing happen in the worker (see capture-worker).`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLogger = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)

		if cfg.DatabaseURL == "" {
			return &config.ConfigurationError{Missing: []string{"DATABASE_URL"}}
		}

		ctx := context.Background()
		var err error
		storeClient, err = store.NewClient(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("connect to record store: %w", err)
		}
		if err := storeClient.InitSchema(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if storeClient != nil {
			storeClient.Close()
		}
		if closeLogger != nil {
			if err := closeLogger(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// newDispatcher connects to the event dispatcher. Commands that only read
// (backlog, jobs) never call this, so they work without a running broker.
func newDispatcher() (*dispatch.TemporalDispatcher, error) {
	return dispatch.NewTemporal(dispatch.Config{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
		TaskQueue: cfg.TaskQueue,
	}, logger)
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
