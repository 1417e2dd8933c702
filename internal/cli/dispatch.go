package cli

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/contributor-info/capture/internal/models"
)

var (
	syncDays       int
	embedTypes     []string
	embedForce     bool
	dispatchReason string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Manually dispatch capture events",
}

var dispatchSyncCmd = &cobra.Command{
	Use:   "sync <repository-id>",
	Short: "Dispatch a repository sync",
	Long: `Dispatch a repository-scope sync covering activity updated in the
last --days days. The repository must already exist in the record store.`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatchSync,
}

var dispatchEmbeddingsCmd = &cobra.Command{
	Use:   "embeddings",
	Short: "Dispatch an embeddings pass",
	Long: `Dispatch a pass computing vectors for items that have text but no
embedding. With --force, existing vectors are regenerated too.`,
	Args: cobra.NoArgs,
	RunE: runDispatchEmbeddings,
}

func init() {
	dispatchSyncCmd.Flags().IntVar(&syncDays, "days", 30, "sync activity updated in the last N days")
	dispatchSyncCmd.Flags().StringVar(&dispatchReason, "reason", "manual", "reason recorded on the event")
	dispatchEmbeddingsCmd.Flags().StringSliceVar(&embedTypes, "types", nil, "item types (default all)")
	dispatchEmbeddingsCmd.Flags().BoolVar(&embedForce, "force", false, "regenerate existing vectors")
	dispatchCmd.AddCommand(dispatchSyncCmd)
	dispatchCmd.AddCommand(dispatchEmbeddingsCmd)
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatchSync(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	repositoryID := args[0]
	if _, _, err := storeClient.GetRepository(cmd.Context(), repositoryID); err != nil {
		return fmt.Errorf("unknown repository %q: %w", repositoryID, err)
	}

	dispatcher, err := newDispatcher()
	if err != nil {
		return fmt.Errorf("connect to dispatcher: %w", err)
	}
	defer dispatcher.Close()

	event := models.RepositorySyncRequested{
		SyncID:       uuid.New().String(),
		RepositoryID: repositoryID,
		Days:         syncDays,
		Priority:     models.PriorityMedium,
		Reason:       dispatchReason,
	}
	ref, err := dispatcher.Send(cmd.Context(), event)
	if err != nil {
		return err
	}
	fmt.Printf("Dispatched repository sync %s (%s, last %s days)\n",
		event.SyncID, ref, strconv.Itoa(syncDays))
	return nil
}

func runDispatchEmbeddings(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	itemTypes := models.AllItemTypes
	if len(embedTypes) > 0 {
		itemTypes = nil
		for _, s := range embedTypes {
			t, err := models.ParseItemType(s)
			if err != nil {
				return err
			}
			itemTypes = append(itemTypes, t)
		}
	}

	dispatcher, err := newDispatcher()
	if err != nil {
		return fmt.Errorf("connect to dispatcher: %w", err)
	}
	defer dispatcher.Close()

	event := models.EmbeddingsComputeRequested{
		RequestID:       uuid.New().String(),
		ItemTypes:       itemTypes,
		ForceRegenerate: embedForce,
	}
	ref, err := dispatcher.Send(cmd.Context(), event)
	if err != nil {
		return err
	}
	fmt.Printf("Dispatched embeddings pass %s (%s)\n", event.RequestID, ref)
	return nil
}
