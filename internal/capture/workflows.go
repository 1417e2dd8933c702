package capture

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/contributor-info/capture/internal/models"
)

// Activity retry budget. Retries cover transient infrastructure failures
// (database unavailable, rate-limit waits, provider hiccups); the ledger
// row stays in processing across attempts because RecordStart resumes it.
var defaultRetryPolicy = &temporal.RetryPolicy{
	InitialInterval:    5 * time.Second,
	BackoffCoefficient: 2.0,
	MaximumInterval:    5 * time.Minute,
	MaximumAttempts:    5,
}

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         defaultRetryPolicy,
	}
}

// CaptureBatchWorkflow runs one capture batch. The workflow ID is the
// batch ID, so a redelivered event attaches to the running execution
// instead of starting a second one.
func CaptureBatchWorkflow(ctx workflow.Context, ev models.CaptureBatchRequested) (*BatchReport, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(10*time.Minute))

	var report BatchReport
	err := workflow.ExecuteActivity(ctx, "ProcessCaptureBatch", ev).Get(ctx, &report)
	if err != nil {
		return failAndReturn(ctx, ev.BatchID, err, &report)
	}
	return &report, nil
}

// RepositorySyncWorkflow runs one repository-scope sync.
func RepositorySyncWorkflow(ctx workflow.Context, ev models.RepositorySyncRequested) (*BatchReport, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(15*time.Minute))

	var report BatchReport
	err := workflow.ExecuteActivity(ctx, "SyncRepository", ev).Get(ctx, &report)
	if err != nil {
		return failAndReturn(ctx, ev.SyncID, err, &report)
	}
	return &report, nil
}

// EmbeddingsComputeWorkflow runs one embeddings pass.
func EmbeddingsComputeWorkflow(ctx workflow.Context, ev models.EmbeddingsComputeRequested) (*BatchReport, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(30*time.Minute))

	var report BatchReport
	err := workflow.ExecuteActivity(ctx, "ComputeEmbeddings", ev).Get(ctx, &report)
	if err != nil {
		return failAndReturn(ctx, ev.RequestID, err, &report)
	}
	return &report, nil
}

// failAndReturn marks the ledger row failed once the retry budget is spent.
// The job ID equals the event correlation ID, so no state needs to flow back
// from the failed activity. FailJob is a no-op if the row already reached a
// terminal status.
func failAndReturn(ctx workflow.Context, jobID string, actErr error, report *BatchReport) (*BatchReport, error) {
	failCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: 3,
		},
	})
	if err := workflow.ExecuteActivity(failCtx, "FailJob", jobID, actErr.Error()).Get(failCtx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("could not mark job failed", "job_id", jobID, "error", err)
	}
	return report, actErr
}
