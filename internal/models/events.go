package models

import "fmt"

// Priority is the coarse routing tag attached to dispatched work.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityBackfill Priority = "backfill"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityBackfill:
		return true
	}
	return false
}

// Event names accepted by the dispatcher. The set is closed: payloads are
// typed variants validated before dispatch, not free-form JSON.
const (
	EventCaptureBatch      = "capture/batch.requested"
	EventRepositorySync    = "capture/repository.sync.requested"
	EventEmbeddingsCompute = "capture/embeddings.compute.requested"
)

// Event is a dispatchable payload. Name returns the registered event name,
// CorrelationID the id used for at-least-once dedup by the dispatcher, and
// Validate runs the boundary checks before anything leaves the process.
type Event interface {
	Name() string
	CorrelationID() string
	Validate() error
}

// CaptureBatchRequested asks a handler to process one bounded batch of
// same-type items.
type CaptureBatchRequested struct {
	BatchID      string   `json:"batchId"`
	ItemType     ItemType `json:"itemType"`
	ItemIDs      []string `json:"itemIds"`
	RepositoryID string   `json:"repositoryId"`
	Reason       string   `json:"reason"`
	Priority     Priority `json:"priority"`
}

func (e CaptureBatchRequested) Name() string          { return EventCaptureBatch }
func (e CaptureBatchRequested) CorrelationID() string { return e.BatchID }

func (e CaptureBatchRequested) Validate() error {
	if e.BatchID == "" {
		return fmt.Errorf("capture batch: missing batch id")
	}
	if !e.ItemType.Valid() {
		return fmt.Errorf("capture batch: invalid item type %q", e.ItemType)
	}
	if len(e.ItemIDs) == 0 {
		return fmt.Errorf("capture batch: empty item ids")
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("capture batch: invalid priority %q", e.Priority)
	}
	return nil
}

// RepositorySyncRequested asks for a repository-scoped sync of recent
// activity going back Days days.
type RepositorySyncRequested struct {
	SyncID       string   `json:"syncId"`
	RepositoryID string   `json:"repositoryId"`
	Days         int      `json:"days"`
	Priority     Priority `json:"priority"`
	Reason       string   `json:"reason"`
}

func (e RepositorySyncRequested) Name() string          { return EventRepositorySync }
func (e RepositorySyncRequested) CorrelationID() string { return e.SyncID }

func (e RepositorySyncRequested) Validate() error {
	if e.SyncID == "" {
		return fmt.Errorf("repository sync: missing sync id")
	}
	if e.RepositoryID == "" {
		return fmt.Errorf("repository sync: missing repository id")
	}
	if e.Days <= 0 {
		return fmt.Errorf("repository sync: days must be positive, got %d", e.Days)
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("repository sync: invalid priority %q", e.Priority)
	}
	return nil
}

// EmbeddingsComputeRequested asks for an embeddings pass over the given
// item types. ForceRegenerate recomputes vectors that already exist.
type EmbeddingsComputeRequested struct {
	RequestID       string     `json:"requestId"`
	ItemTypes       []ItemType `json:"itemTypes"`
	ForceRegenerate bool       `json:"forceRegenerate"`
}

func (e EmbeddingsComputeRequested) Name() string          { return EventEmbeddingsCompute }
func (e EmbeddingsComputeRequested) CorrelationID() string { return e.RequestID }

func (e EmbeddingsComputeRequested) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("embeddings compute: missing request id")
	}
	if len(e.ItemTypes) == 0 {
		return fmt.Errorf("embeddings compute: no item types")
	}
	for _, t := range e.ItemTypes {
		if !t.Valid() {
			return fmt.Errorf("embeddings compute: invalid item type %q", t)
		}
	}
	return nil
}
