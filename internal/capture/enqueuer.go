// Package capture implements the backlog-drain orchestration: the driver
// loop, the work-unit enqueuer, and the batch handlers invoked by the
// dispatcher.
package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/contributor-info/capture/internal/dispatch"
	"github.com/contributor-info/capture/internal/metrics"
	"github.com/contributor-info/capture/internal/models"
)

// EnqueueResult counts the outcome of one enqueue pass. Skipped items are
// not retried here; they reappear in the next backlog read.
type EnqueueResult struct {
	Dispatched int
	Skipped    int
}

// Enqueuer converts backlog rows into bounded, single-type batches and
// emits one event per batch.
type Enqueuer struct {
	dispatcher dispatch.Dispatcher
	batchSize  int
	collector  *metrics.Collector
	logger     *slog.Logger
}

// NewEnqueuer creates an enqueuer dispatching batches of up to batchSize.
func NewEnqueuer(d dispatch.Dispatcher, batchSize int, collector *metrics.Collector, logger *slog.Logger) *Enqueuer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{dispatcher: d, batchSize: batchSize, collector: collector, logger: logger}
}

// Enqueue partitions items by type, never mixing types in a batch, and
// sends each batch as one event. A failed send counts the whole batch as
// skipped and moves on: the same rows surface again on the next drain
// iteration, so retry bookkeeping lives nowhere.
func (e *Enqueuer) Enqueue(ctx context.Context, items []models.BacklogItem, priority models.Priority) EnqueueResult {
	var res EnqueueResult
	if len(items) == 0 {
		return res
	}

	// Partition preserving backlog order within each type.
	byType := make(map[models.ItemType][]models.BacklogItem)
	for _, it := range items {
		byType[it.ItemType] = append(byType[it.ItemType], it)
	}

	for _, itemType := range models.AllItemTypes {
		group := byType[itemType]
		for start := 0; start < len(group); start += e.batchSize {
			end := min(start+e.batchSize, len(group))
			batch := group[start:end]

			event := models.CaptureBatchRequested{
				BatchID:      uuid.New().String(),
				ItemType:     itemType,
				ItemIDs:      itemIDs(batch),
				RepositoryID: soleRepository(batch),
				Reason:       string(batch[0].MissingAttribute) + "-backlog",
				Priority:     priority,
			}

			begin := time.Now()
			_, err := e.dispatcher.Send(ctx, event)
			if e.collector != nil {
				e.collector.RecordBatch(metrics.OpDispatch, time.Since(begin), len(batch))
			}
			if err != nil {
				e.logger.Warn("batch dispatch failed, will reappear in backlog",
					"item_type", itemType, "items", len(batch), "error", err)
				res.Skipped += len(batch)
				continue
			}

			e.logger.Debug("batch dispatched",
				"batch_id", event.BatchID, "item_type", itemType, "items", len(batch))
			res.Dispatched += len(batch)
		}
	}
	return res
}

func itemIDs(items []models.BacklogItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ItemID
	}
	return ids
}

// soleRepository returns the repository id shared by every item in the
// batch, or empty when the batch spans repositories.
func soleRepository(items []models.BacklogItem) string {
	repo := items[0].RepositoryID
	for _, it := range items[1:] {
		if it.RepositoryID != repo {
			return ""
		}
	}
	return repo
}
