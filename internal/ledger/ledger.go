// Package ledger tracks dispatched capture work in the persisted
// capture_jobs table: every batch leaves an audit row whose status moves
// pending → processing → completed|failed and never transitions again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contributor-info/capture/internal/models"
	"github.com/contributor-info/capture/internal/store"
)

// JobStore is the slice of the record store the ledger writes through.
// InsertJob reports a redelivered id as store.ErrDuplicate;
// MarkJobProcessing reports whether the call moved the row out of pending.
type JobStore interface {
	InsertJob(ctx context.Context, job models.JobRecord) error
	MarkJobProcessing(ctx context.Context, jobID string) (bool, error)
	UpdateJobProgress(ctx context.Context, jobID string, itemsProcessed, itemsTotal int) error
	CompleteJob(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error
	StuckJobs(ctx context.Context, olderThan time.Duration) ([]models.JobRecord, error)
}

// Ledger records job attempts and reports stuck work.
type Ledger struct {
	store  JobStore
	logger *slog.Logger

	mu           sync.Mutex
	lastProgress map[string]time.Time // jobID → last persisted progress write
}

// New creates a ledger over the given store.
func New(store JobStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:        store,
		logger:       logger,
		lastProgress: make(map[string]time.Time),
	}
}

// Scope identifies what a job covers.
type Scope struct {
	RepositoryID string
	ItemIDs      []string
}

// RecordStart creates a pending row and immediately transitions it to
// processing, returning the job id. jobID may be supplied by the caller
// (the batch correlation id) so redelivered events reuse the same row.
func (l *Ledger) RecordStart(ctx context.Context, jobType string, jobID string, scope Scope) (string, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}

	job := models.JobRecord{
		ID:           jobID,
		JobType:      jobType,
		RepositoryID: scope.RepositoryID,
		ItemIDs:      scope.ItemIDs,
		Status:       models.JobStatusPending,
		ItemsTotal:   len(scope.ItemIDs),
	}
	fresh := true
	if err := l.store.InsertJob(ctx, job); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return "", fmt.Errorf("record start: %w", err)
		}
		// A duplicate id means the event was redelivered; the existing row
		// is the record of truth, keep going against it.
		fresh = false
		l.logger.Warn("job row already exists, resuming", "job_id", jobID)
	}
	moved, err := l.store.MarkJobProcessing(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("record start: %w", err)
	}
	if fresh && !moved {
		return "", fmt.Errorf("record start: job %s inserted but not found pending", jobID)
	}

	l.logger.Info("job started", "job_id", jobID, "type", jobType, "items", len(scope.ItemIDs))
	return jobID, nil
}

// RecordProgress persists progress, debounced so a tight handler loop does
// not hammer the ledger table.
func (l *Ledger) RecordProgress(ctx context.Context, jobID string, itemsProcessed, itemsTotal int) {
	l.mu.Lock()
	last := l.lastProgress[jobID]
	shouldPersist := time.Since(last) > 5*time.Second ||
		itemsProcessed%10 == 0 || itemsProcessed == itemsTotal
	if shouldPersist {
		l.lastProgress[jobID] = time.Now()
	}
	l.mu.Unlock()

	if !shouldPersist {
		return
	}
	if err := l.store.UpdateJobProgress(ctx, jobID, itemsProcessed, itemsTotal); err != nil {
		l.logger.Warn("failed to persist job progress", "job_id", jobID, "error", err)
	}
}

// RecordTerminal moves the job to completed or failed. Must be called
// exactly once per attempt; the store's status guard absorbs duplicates.
func (l *Ledger) RecordTerminal(ctx context.Context, jobID string, status models.JobStatus, jobErr error) error {
	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	if err := l.store.CompleteJob(ctx, jobID, status, errMsg); err != nil {
		return fmt.Errorf("record terminal: %w", err)
	}

	l.mu.Lock()
	delete(l.lastProgress, jobID)
	l.mu.Unlock()

	if status == models.JobStatusFailed {
		l.logger.Error("job failed", "job_id", jobID, "error", errMsg)
	} else {
		l.logger.Info("job completed", "job_id", jobID)
	}
	return nil
}

// FindStuck reports jobs still processing past the threshold. The ledger
// never auto-fails them; that is an explicit maintenance action so a hung
// handler is surfaced to an operator rather than silently masked.
func (l *Ledger) FindStuck(ctx context.Context, olderThan time.Duration) ([]models.JobRecord, error) {
	jobs, err := l.store.StuckJobs(ctx, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stuck: %w", err)
	}
	return jobs, nil
}

// FailStuck is the maintenance action: it marks every stuck job failed with
// a synthetic error and returns how many were failed.
func (l *Ledger) FailStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := l.FindStuck(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, job := range jobs {
		err := l.RecordTerminal(ctx, job.ID, models.JobStatusFailed,
			fmt.Errorf("stuck in processing for more than %s", olderThan))
		if err != nil {
			l.logger.Warn("failed to fail stuck job", "job_id", job.ID, "error", err)
			continue
		}
		failed++
	}
	return failed, nil
}
