package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contributor-info/capture/internal/models"
)

type fakeDispatcher struct {
	sent    []models.Event
	failOn  func(models.Event) error
	nextRef int
}

func (f *fakeDispatcher) Send(_ context.Context, ev models.Event) (string, error) {
	if f.failOn != nil {
		if err := f.failOn(ev); err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, ev)
	f.nextRef++
	return fmt.Sprintf("ref-%d", f.nextRef), nil
}

func backlogItems(itemType models.ItemType, repoID string, n int) []models.BacklogItem {
	items := make([]models.BacklogItem, n)
	for i := range items {
		items[i] = models.BacklogItem{
			ItemType:         itemType,
			ItemID:           fmt.Sprintf("%s-%d", itemType, i),
			RepositoryID:     repoID,
			MissingAttribute: models.MissingEmbedding,
		}
	}
	return items
}

func TestEnqueueEmptyInput(t *testing.T) {
	d := &fakeDispatcher{}
	e := NewEnqueuer(d, 100, nil, nil)

	res := e.Enqueue(context.Background(), nil, models.PriorityBackfill)

	assert.Zero(t, res.Dispatched)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, d.sent, "empty backlog must not touch the dispatcher")
}

func TestEnqueueRespectsBatchSize(t *testing.T) {
	d := &fakeDispatcher{}
	e := NewEnqueuer(d, 40, nil, nil)

	res := e.Enqueue(context.Background(), backlogItems(models.ItemTypeIssue, "repo-1", 100), models.PriorityBackfill)

	assert.Equal(t, 100, res.Dispatched)
	require.Len(t, d.sent, 3)
	sizes := []int{}
	for _, ev := range d.sent {
		batch := ev.(models.CaptureBatchRequested)
		sizes = append(sizes, len(batch.ItemIDs))
		assert.LessOrEqual(t, len(batch.ItemIDs), 40)
	}
	assert.Equal(t, []int{40, 40, 20}, sizes)
}

func TestEnqueueExactlyOneBatch(t *testing.T) {
	for _, n := range []int{50, 100} {
		d := &fakeDispatcher{}
		e := NewEnqueuer(d, 100, nil, nil)

		res := e.Enqueue(context.Background(), backlogItems(models.ItemTypePullRequest, "repo-1", n), models.PriorityBackfill)

		assert.Equal(t, n, res.Dispatched)
		require.Len(t, d.sent, 1, "%d items with batch size 100 must be a single batch", n)
		assert.Len(t, d.sent[0].(models.CaptureBatchRequested).ItemIDs, n)
	}
}

func TestEnqueueNeverMixesTypes(t *testing.T) {
	d := &fakeDispatcher{}
	e := NewEnqueuer(d, 100, nil, nil)

	mixed := append(backlogItems(models.ItemTypeIssue, "repo-1", 3),
		backlogItems(models.ItemTypeDiscussion, "repo-1", 2)...)

	res := e.Enqueue(context.Background(), mixed, models.PriorityBackfill)

	assert.Equal(t, 5, res.Dispatched)
	require.Len(t, d.sent, 2)
	for _, ev := range d.sent {
		batch := ev.(models.CaptureBatchRequested)
		switch batch.ItemType {
		case models.ItemTypeIssue:
			assert.Len(t, batch.ItemIDs, 3)
		case models.ItemTypeDiscussion:
			assert.Len(t, batch.ItemIDs, 2)
		default:
			t.Fatalf("unexpected batch type %q", batch.ItemType)
		}
	}
}

func TestEnqueueBatchMetadata(t *testing.T) {
	d := &fakeDispatcher{}
	e := NewEnqueuer(d, 100, nil, nil)

	items := backlogItems(models.ItemTypeIssue, "repo-1", 2)
	items[0].MissingAttribute = models.MissingSync
	e.Enqueue(context.Background(), items, models.PriorityHigh)

	require.Len(t, d.sent, 1)
	batch := d.sent[0].(models.CaptureBatchRequested)
	assert.NotEmpty(t, batch.BatchID)
	assert.Equal(t, "repo-1", batch.RepositoryID, "single-repo batch carries its repository")
	assert.Equal(t, "sync-backlog", batch.Reason)
	assert.Equal(t, models.PriorityHigh, batch.Priority)
}

func TestEnqueueMultiRepoBatchDropsRepositoryID(t *testing.T) {
	d := &fakeDispatcher{}
	e := NewEnqueuer(d, 100, nil, nil)

	items := backlogItems(models.ItemTypeIssue, "repo-1", 2)
	items[1].RepositoryID = "repo-2"
	e.Enqueue(context.Background(), items, models.PriorityBackfill)

	require.Len(t, d.sent, 1)
	assert.Empty(t, d.sent[0].(models.CaptureBatchRequested).RepositoryID)
}

func TestEnqueueDispatchFailureSkipsBatch(t *testing.T) {
	sendErr := errors.New("broker down")
	calls := 0
	d := &fakeDispatcher{failOn: func(models.Event) error {
		calls++
		if calls == 2 {
			return sendErr
		}
		return nil
	}}
	e := NewEnqueuer(d, 10, nil, nil)

	res := e.Enqueue(context.Background(), backlogItems(models.ItemTypeIssue, "repo-1", 30), models.PriorityBackfill)

	assert.Equal(t, 20, res.Dispatched)
	assert.Equal(t, 10, res.Skipped, "the failed batch counts as skipped, not retried")
	assert.Len(t, d.sent, 2)
}
