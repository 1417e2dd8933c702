package cli

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/contributor-info/capture/internal/models"
)

var (
	trackSyncDays int
	trackNoSync   bool
)

var trackCmd = &cobra.Command{
	Use:   "track <owner>/<name>",
	Short: "Register a repository for capture",
	Long: `Track registers a repository in the record store and dispatches an
initial sync of its recent activity. Tracking an already-registered
repository is a no-op apart from the sync.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrack,
}

func init() {
	trackCmd.Flags().IntVar(&trackSyncDays, "days", 30, "initial sync window in days")
	trackCmd.Flags().BoolVar(&trackNoSync, "no-sync", false, "register only, skip the initial sync")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) error {
	owner, name, ok := strings.Cut(args[0], "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("repository must be given as owner/name, got %q", args[0])
	}

	repositoryID, err := storeClient.UpsertRepository(cmd.Context(), owner, name)
	if err != nil {
		return fmt.Errorf("register repository: %w", err)
	}
	fmt.Printf("Tracking %s/%s (%s)\n", owner, name, repositoryID)

	if trackNoSync {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dispatcher, err := newDispatcher()
	if err != nil {
		return fmt.Errorf("connect to dispatcher: %w", err)
	}
	defer dispatcher.Close()

	event := models.RepositorySyncRequested{
		SyncID:       uuid.New().String(),
		RepositoryID: repositoryID,
		Days:         trackSyncDays,
		Priority:     models.PriorityMedium,
		Reason:       "initial-track",
	}
	if _, err := dispatcher.Send(cmd.Context(), event); err != nil {
		return err
	}
	fmt.Printf("Dispatched initial sync %s (last %d days)\n", event.SyncID, trackSyncDays)
	return nil
}
