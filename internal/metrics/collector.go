// Package metrics provides in-memory runtime statistics collection for the
// capture pipeline.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Item counts (fetches, records written etc.)
	TotalItems int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
	TotalItems  int64
}

// Snapshot represents the full run statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	BacklogRead   *OperationSnapshot
	SourceFetch   *OperationSnapshot
	Embedding     *OperationSnapshot
	Upsert        *OperationSnapshot
	Dispatch      *OperationSnapshot
}

// Operation names for the collector.
const (
	OpBacklogRead = "backlog_read"
	OpSourceFetch = "source_fetch"
	OpEmbedding   = "embedding"
	OpUpsert      = "upsert"
	OpDispatch    = "dispatch"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.RecordBatch(op, duration, 0)
}

// RecordBatch records timing plus how many items the operation covered.
func (c *Collector) RecordBatch(op string, duration time.Duration, items int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	m.TotalItems += int64(items)

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
		TotalItems:  m.TotalItems,
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		BacklogRead:   snapshotOp(c.ops[OpBacklogRead]),
		SourceFetch:   snapshotOp(c.ops[OpSourceFetch]),
		Embedding:     snapshotOp(c.ops[OpEmbedding]),
		Upsert:        snapshotOp(c.ops[OpUpsert]),
		Dispatch:      snapshotOp(c.ops[OpDispatch]),
	}
}
