package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/contributor-info/capture/internal/metrics"
	"github.com/contributor-info/capture/internal/models"
)

// BacklogReader is the slice of the record store the driver reads.
type BacklogReader interface {
	CountBacklog(ctx context.Context, itemTypes []models.ItemType) (int, error)
	BacklogItems(ctx context.Context, itemTypes []models.ItemType, limit int) ([]models.BacklogItem, error)
}

// BatchEnqueuer dispatches backlog rows as bounded work units.
type BatchEnqueuer interface {
	Enqueue(ctx context.Context, items []models.BacklogItem, priority models.Priority) EnqueueResult
}

// DrainConfig bounds one drain invocation. MaxIterations is mandatory in
// effect: a non-positive value falls back to a finite default so the loop
// can never run away against a misbehaving dispatcher.
type DrainConfig struct {
	BatchSize     int
	MaxIterations int
	PacingSeconds int
	ItemTypes     []models.ItemType
	Priority      models.Priority
}

const (
	defaultBatchSize     = 100
	defaultMaxIterations = 100
)

func (c DrainConfig) withDefaults() DrainConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if len(c.ItemTypes) == 0 {
		c.ItemTypes = models.AllItemTypes
	}
	if !c.Priority.Valid() {
		c.Priority = models.PriorityBackfill
	}
	return c
}

// DrainOutcome says how a drain invocation ended.
type DrainOutcome string

const (
	// OutcomeCleared means the backlog reached zero.
	OutcomeCleared DrainOutcome = "cleared"

	// OutcomeBudgetExhausted means MaxIterations ran out with backlog
	// remaining. Expected for large backlogs; the caller re-invokes.
	OutcomeBudgetExhausted DrainOutcome = "budget_exhausted"
)

// DrainReport summarizes one drain invocation.
type DrainReport struct {
	Outcome          DrainOutcome
	IterationsRun    int
	TotalDispatched  int
	TotalSkipped     int
	FinalBacklogSize int
}

// Driver is the top-level drain loop. It owns no persistent state; it
// coordinates reads of the backlog view with the enqueuer.
type Driver struct {
	backlog   BacklogReader
	enqueuer  BatchEnqueuer
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewDriver creates a drain driver.
func NewDriver(backlog BacklogReader, enqueuer BatchEnqueuer, collector *metrics.Collector, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{backlog: backlog, enqueuer: enqueuer, collector: collector, logger: logger}
}

// Drain runs the bounded drain loop: read backlog, enqueue one pass of
// batches, pace, re-check. A failed read or dispatch never aborts the loop;
// the only fatal errors happen before the first iteration, in the caller's
// configuration checks.
func (d *Driver) Drain(ctx context.Context, cfg DrainConfig) (DrainReport, error) {
	cfg = cfg.withDefaults()
	report := DrainReport{Outcome: OutcomeBudgetExhausted}

	size, err := d.countBacklog(ctx, cfg.ItemTypes)
	if err != nil {
		return report, fmt.Errorf("initial backlog read: %w", err)
	}
	if size == 0 {
		d.logger.Info("backlog already empty")
		report.Outcome = OutcomeCleared
		return report, nil
	}
	d.logger.Info("draining backlog", "size", size,
		"batch_size", cfg.BatchSize, "max_iterations", cfg.MaxIterations)

	for report.IterationsRun < cfg.MaxIterations {
		items, err := d.backlog.BacklogItems(ctx, cfg.ItemTypes, cfg.BatchSize)
		if err != nil {
			// Transient store trouble: log, pace, try again. The iteration
			// still counts against the budget.
			d.logger.Warn("backlog read failed", "error", err)
			report.IterationsRun++
			if err := d.pace(ctx, cfg.PacingSeconds); err != nil {
				return report, err
			}
			continue
		}
		if len(items) == 0 {
			break
		}

		res := d.enqueuer.Enqueue(ctx, items, cfg.Priority)
		report.IterationsRun++
		report.TotalDispatched += res.Dispatched
		report.TotalSkipped += res.Skipped

		d.logger.Info("drain iteration",
			"iteration", report.IterationsRun,
			"dispatched", res.Dispatched,
			"skipped", res.Skipped)

		if err := d.pace(ctx, cfg.PacingSeconds); err != nil {
			return report, err
		}

		size, err = d.countBacklog(ctx, cfg.ItemTypes)
		if err != nil {
			d.logger.Warn("backlog recount failed", "error", err)
			continue
		}
		if size == 0 {
			break
		}
	}

	final, err := d.countBacklog(ctx, cfg.ItemTypes)
	if err != nil {
		return report, fmt.Errorf("final backlog read: %w", err)
	}
	report.FinalBacklogSize = final
	if final == 0 {
		report.Outcome = OutcomeCleared
	}

	d.logger.Info("drain finished",
		"outcome", string(report.Outcome),
		"iterations", report.IterationsRun,
		"dispatched", report.TotalDispatched,
		"skipped", report.TotalSkipped,
		"remaining", final)
	return report, nil
}

func (d *Driver) countBacklog(ctx context.Context, itemTypes []models.ItemType) (int, error) {
	start := time.Now()
	n, err := d.backlog.CountBacklog(ctx, itemTypes)
	if d.collector != nil {
		d.collector.RecordTiming(metrics.OpBacklogRead, time.Since(start))
	}
	return n, err
}

// pace sleeps between iterations, honoring cancellation.
func (d *Driver) pace(ctx context.Context, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(seconds) * time.Second):
		return nil
	}
}
