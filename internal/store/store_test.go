// Package store_test contains integration tests for the record store.
// They require a pgvector-enabled Postgres reachable via CAPTURE_TEST_DATABASE_URL
// and are skipped in short mode.
package store_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contributor-info/capture/internal/models"
	"github.com/contributor-info/capture/internal/store"
)

// testClient creates a connected client for testing. Skips in short mode or
// when no test database is configured.
func testClient(t *testing.T) (*store.Client, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := os.Getenv("CAPTURE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CAPTURE_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := store.NewClient(ctx, dsn, logger)
	require.NoError(t, err, "should connect to Postgres")
	t.Cleanup(client.Close)

	require.NoError(t, client.InitSchema(ctx), "should initialize schema")
	return client, ctx
}

func testRepo(t *testing.T, client *store.Client, ctx context.Context) string {
	t.Helper()
	owner := "capture-test-" + uuid.New().String()[:8]
	id, err := client.UpsertRepository(ctx, owner, "fixture")
	require.NoError(t, err)
	return id
}

func TestUpsertItemsIdempotent(t *testing.T) {
	client, ctx := testClient(t)
	repoID := testRepo(t, client, ctx)

	now := time.Now().UTC()
	records := []models.ItemRecord{
		{GitHubID: "I_1", RepositoryID: repoID, Number: 1, Title: "first", Body: "b1", State: "open", UpdatedAt: now},
		{GitHubID: "I_2", RepositoryID: repoID, Number: 2, Title: "second", Body: "b2", State: "closed", UpdatedAt: now},
	}

	res, err := client.UpsertItems(ctx, models.ItemTypeIssue, records)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 0, res.Conflicted)
	assert.Empty(t, res.Failures)

	// Same batch again: at-least-once delivery must converge, not duplicate.
	res, err = client.UpsertItems(ctx, models.ItemTypeIssue, records)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 2, res.Conflicted)
}

func TestUpsertItemsPartialFailureIsolation(t *testing.T) {
	client, ctx := testClient(t)
	repoID := testRepo(t, client, ctx)

	records := []models.ItemRecord{
		{GitHubID: "PR_1", RepositoryID: repoID, Number: 1, Title: "ok", Body: "b", UpdatedAt: time.Now()},
		{GitHubID: "", RepositoryID: repoID, Number: 2, Title: "malformed", UpdatedAt: time.Now()},
		{GitHubID: "PR_3", RepositoryID: repoID, Number: 3, Title: "ok too", Body: "b", UpdatedAt: time.Now()},
	}

	res, err := client.UpsertItems(ctx, models.ItemTypePullRequest, records)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written, "valid records persist")
	require.Len(t, res.Failures, 1, "exactly one failure reported")
	assert.ErrorContains(t, res.Failures[0], "github id")
}

func TestEmbeddingStampedWithVector(t *testing.T) {
	client, ctx := testClient(t)
	repoID := testRepo(t, client, ctx)

	gen := time.Now().UTC()
	vec := make([]float32, 384)
	vec[0] = 0.5

	res, err := client.UpsertItems(ctx, models.ItemTypeDiscussion, []models.ItemRecord{
		{GitHubID: "D_1", RepositoryID: repoID, Number: 1, Title: "t", Body: "b",
			UpdatedAt: gen, Embedding: vec, EmbeddingGeneratedAt: &gen},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	// The item has body and embedding, so the backlog must not list it.
	items, err := client.BacklogItems(ctx, []models.ItemType{models.ItemTypeDiscussion}, 1000)
	require.NoError(t, err)
	for _, it := range items {
		assert.NotEqual(t, repoID, it.RepositoryID, "embedded item should leave the backlog")
	}
}

func TestBacklogListsItemsMissingBodyOrEmbedding(t *testing.T) {
	client, ctx := testClient(t)
	repoID := testRepo(t, client, ctx)

	_, err := client.UpsertItems(ctx, models.ItemTypeIssue, []models.ItemRecord{
		{GitHubID: "I_sync", RepositoryID: repoID, Number: 10, Title: "needs sync", UpdatedAt: time.Now()},
		{GitHubID: "I_embed", RepositoryID: repoID, Number: 11, Title: "needs embedding", Body: "b", UpdatedAt: time.Now()},
	})
	require.NoError(t, err)

	items, err := client.BacklogItems(ctx, []models.ItemType{models.ItemTypeIssue}, 1000)
	require.NoError(t, err)

	byAttr := map[models.MissingAttribute]int{}
	for _, it := range items {
		if it.RepositoryID == repoID {
			byAttr[it.MissingAttribute]++
		}
	}
	assert.Equal(t, 1, byAttr[models.MissingSync])
	assert.Equal(t, 1, byAttr[models.MissingEmbedding])
}

func TestJobLedgerLifecycle(t *testing.T) {
	client, ctx := testClient(t)

	job := models.JobRecord{
		ID:         uuid.New().String(),
		JobType:    "capture_batch",
		ItemIDs:    []string{"a", "b", "c"},
		ItemsTotal: 3,
	}
	require.NoError(t, client.InsertJob(ctx, job))
	moved, err := client.MarkJobProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, moved)
	require.NoError(t, client.UpdateJobProgress(ctx, job.ID, 2, 3))

	// Re-inserting the same id surfaces the duplicate sentinel.
	assert.ErrorIs(t, client.InsertJob(ctx, job), store.ErrDuplicate)
	// A second mark is a no-op once the row left pending.
	moved, err = client.MarkJobProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, moved)
	require.NoError(t, client.CompleteJob(ctx, job.ID, models.JobStatusCompleted, ""))

	got, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.ItemsProcessed)
	require.NotNil(t, got.CompletedAt, "completed_at set iff terminal")
	assert.Nil(t, got.Error)

	// Terminal rows never transition again.
	require.NoError(t, client.CompleteJob(ctx, job.ID, models.JobStatusFailed, "late"))
	got, err = client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestStuckJobsReported(t *testing.T) {
	client, ctx := testClient(t)

	job := models.JobRecord{ID: uuid.New().String(), JobType: "capture_batch", ItemsTotal: 1}
	require.NoError(t, client.InsertJob(ctx, job))
	moved, err := client.MarkJobProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, moved)

	stuck, err := client.StuckJobs(ctx, 0)
	require.NoError(t, err)

	found := false
	for _, j := range stuck {
		if j.ID == job.ID {
			found = true
		}
	}
	assert.True(t, found, fmt.Sprintf("job %s should be reported stuck at zero threshold", job.ID))

	// A fresh job is not stuck at a realistic threshold.
	stuck, err = client.StuckJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	for _, j := range stuck {
		assert.NotEqual(t, job.ID, j.ID)
	}
}
