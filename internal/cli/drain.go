package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/contributor-info/capture/internal/capture"
	"github.com/contributor-info/capture/internal/metrics"
	"github.com/contributor-info/capture/internal/models"
)

var (
	drainBatchSize int
	drainTypes     []string
	drainPriority  string
)

var drainCmd = &cobra.Command{
	Use:   "drain [pacing-seconds] [max-iterations]",
	Short: "Drain the capture backlog",
	Long: `Drain reads the backlog of items missing data, dispatches them as
bounded batches, and re-checks until the backlog is empty or the iteration
budget runs out. Running out of budget is a normal outcome for a large
backlog: re-invoke to continue.

Examples:
  capture drain            # defaults: 5s pacing, 100 iterations
  capture drain 10         # 10s between iterations
  capture drain 10 500     # and a 500-iteration budget`,
	Args: cobra.MaximumNArgs(2),
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().IntVar(&drainBatchSize, "batch-size", 0, "items per dispatched batch (default from env)")
	drainCmd.Flags().StringSliceVar(&drainTypes, "types", nil, "item types to drain (issue, pull_request, discussion)")
	drainCmd.Flags().StringVar(&drainPriority, "priority", string(models.PriorityBackfill), "priority tag for dispatched batches")
	rootCmd.AddCommand(drainCmd)
}

func runDrain(cmd *cobra.Command, args []string) error {
	// Credentials are checked up front: a missing token must fail before
	// any batch is dispatched, not midway through the backlog.
	if err := cfg.Validate(); err != nil {
		return err
	}

	drainCfg := capture.DrainConfig{
		BatchSize:     cfg.BatchSize,
		MaxIterations: cfg.MaxIterations,
		PacingSeconds: cfg.PacingSeconds,
		Priority:      models.Priority(drainPriority),
	}
	if drainBatchSize > 0 {
		drainCfg.BatchSize = drainBatchSize
	}
	if len(args) >= 1 {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs < 0 {
			return fmt.Errorf("invalid pacing seconds %q", args[0])
		}
		drainCfg.PacingSeconds = secs
	}
	if len(args) == 2 {
		iters, err := strconv.Atoi(args[1])
		if err != nil || iters <= 0 {
			return fmt.Errorf("invalid max iterations %q", args[1])
		}
		drainCfg.MaxIterations = iters
	}
	for _, s := range drainTypes {
		t, err := models.ParseItemType(s)
		if err != nil {
			return err
		}
		drainCfg.ItemTypes = append(drainCfg.ItemTypes, t)
	}

	dispatcher, err := newDispatcher()
	if err != nil {
		return fmt.Errorf("connect to dispatcher: %w", err)
	}
	defer dispatcher.Close()

	collector := metrics.NewCollector()
	enqueuer := capture.NewEnqueuer(dispatcher, drainCfg.BatchSize, collector, logger)
	driver := capture.NewDriver(storeClient, enqueuer, collector, logger)

	report, err := driver.Drain(cmd.Context(), drainCfg)
	if err != nil {
		return err
	}

	snap := collector.Snapshot()
	if snap.Dispatch != nil {
		logger.Info("drain stats",
			"dispatch_calls", snap.Dispatch.Count,
			"dispatch_items", snap.Dispatch.TotalItems,
			"dispatch_avg_ms", snap.Dispatch.AvgTimeMs,
			"backlog_reads", snap.BacklogRead.Count)
	}

	fmt.Printf("Drain finished: %s\n", report.Outcome)
	fmt.Printf("  Iterations:  %d\n", report.IterationsRun)
	fmt.Printf("  Dispatched:  %d\n", report.TotalDispatched)
	if report.TotalSkipped > 0 {
		fmt.Printf("  Skipped:     %d (will reappear next drain)\n", report.TotalSkipped)
	}
	if report.Outcome == capture.OutcomeBudgetExhausted {
		// Not an error: the caller re-invokes to continue.
		fmt.Printf("Warning: iteration budget exhausted with %d items remaining\n", report.FinalBacklogSize)
	}
	return nil
}
