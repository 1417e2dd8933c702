package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBatch(t *testing.T) {
	c := NewCollector()

	c.RecordBatch(OpUpsert, 100*time.Millisecond, 50)
	c.RecordBatch(OpUpsert, 300*time.Millisecond, 25)

	snap := c.Snapshot()
	require.NotNil(t, snap.Upsert)
	assert.EqualValues(t, 2, snap.Upsert.Count)
	assert.EqualValues(t, 75, snap.Upsert.TotalItems)
	assert.EqualValues(t, 100, snap.Upsert.MinTimeMs)
	assert.EqualValues(t, 300, snap.Upsert.MaxTimeMs)
	assert.InDelta(t, 200, snap.Upsert.AvgTimeMs, 0.01)
}

func TestSnapshotOmitsUnusedOps(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpBacklogRead, time.Millisecond)

	snap := c.Snapshot()
	assert.NotNil(t, snap.BacklogRead)
	assert.Nil(t, snap.SourceFetch)
	assert.Nil(t, snap.Dispatch)
}

func TestCollectorConcurrentAccess(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordTiming(OpSourceFetch, time.Millisecond)
				c.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	require.NotNil(t, snap.SourceFetch)
	assert.EqualValues(t, 1000, snap.SourceFetch.Count)
}
