package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/contributor-info/capture/internal/ledger"
	"github.com/contributor-info/capture/internal/store"
)

var (
	jobsLimit     int
	jobsFailStuck bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect capture jobs",
	Long: `List recent capture jobs or inspect a specific job by ID.

Jobs still in processing past the stuck threshold are flagged; pass
--fail-stuck to mark them failed so their items return to the backlog.

Examples:
  capture jobs               # List recent jobs
  capture jobs abc123        # Show details for job abc123
  capture jobs --fail-stuck  # Fail jobs stuck in processing`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum jobs to list")
	jobsCmd.Flags().BoolVar(&jobsFailStuck, "fail-stuck", false, "mark jobs stuck in processing as failed")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(args) == 1 {
		return showJob(ctx, args[0])
	}

	jobLedger := ledger.New(storeClient, logger)
	stuckAfter := time.Duration(cfg.StuckMinutes) * time.Minute

	if jobsFailStuck {
		n, err := jobLedger.FailStuck(ctx, stuckAfter)
		if err != nil {
			return fmt.Errorf("fail stuck jobs: %w", err)
		}
		fmt.Printf("Marked %d stuck job(s) failed\n", n)
		return nil
	}

	jobs, err := storeClient.ListJobs(ctx, jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	stuck, err := jobLedger.FindStuck(ctx, stuckAfter)
	if err != nil {
		return fmt.Errorf("find stuck jobs: %w", err)
	}
	stuckIDs := make(map[string]bool, len(stuck))
	for _, j := range stuck {
		stuckIDs[j.ID] = true
	}

	fmt.Printf("%-38s %-20s %-12s %-10s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "CREATED")
	fmt.Println("--------------------------------------------------------------------------------------------")
	for _, job := range jobs {
		progress := ""
		if job.ItemsTotal > 0 {
			progress = fmt.Sprintf("%d/%d", job.ItemsProcessed, job.ItemsTotal)
		}
		status := string(job.Status)
		if stuckIDs[job.ID] {
			status += " (stuck)"
		}
		fmt.Printf("%-38s %-20s %-12s %-10s %s\n",
			job.ID, job.JobType, status, progress, job.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if len(stuck) > 0 {
		fmt.Printf("\n%d job(s) stuck in processing for over %s; run 'capture jobs --fail-stuck' to fail them\n",
			len(stuck), stuckAfter)
	}
	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := storeClient.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("job not found: %s", id)
		}
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Type: %s\n", job.JobType)
	fmt.Printf("  Status: %s\n", job.Status)
	if job.RepositoryID != "" {
		fmt.Printf("  Repository: %s\n", job.RepositoryID)
	}
	if job.ItemsTotal > 0 {
		fmt.Printf("  Progress: %d/%d\n", job.ItemsProcessed, job.ItemsTotal)
	}
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
		}
	}
	if job.Error != nil && *job.Error != "" {
		fmt.Printf("  Error: %s\n", *job.Error)
	}
	if len(job.ItemIDs) > 0 {
		fmt.Printf("  Items: %d\n", len(job.ItemIDs))
	}
	return nil
}
