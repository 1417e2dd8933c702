package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/contributor-info/capture/internal/models"
)

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Show the current capture backlog",
	Long: `Backlog counts the items currently missing synced content or an
embedding vector, broken down by item type. A non-empty backlog is drained
with 'capture drain'.`,
	Args: cobra.NoArgs,
	RunE: runBacklog,
}

func init() {
	rootCmd.AddCommand(backlogCmd)
}

func runBacklog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	byType, err := storeClient.CountBacklogByType(ctx)
	if err != nil {
		return fmt.Errorf("count backlog: %w", err)
	}

	total := 0
	for _, n := range byType {
		total += n
	}
	if total == 0 {
		fmt.Println("Backlog is empty")
		return nil
	}

	fmt.Printf("%-15s %s\n", "TYPE", "ITEMS")
	fmt.Println("----------------------")
	for _, t := range models.AllItemTypes {
		if n := byType[t]; n > 0 {
			fmt.Printf("%-15s %d\n", t, n)
		}
	}
	fmt.Println("----------------------")
	fmt.Printf("%-15s %d\n", "total", total)
	return nil
}
