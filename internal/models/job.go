package models

import "time"

// JobStatus is the state of a capture job in the ledger.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobRecord is one persisted row of the capture_jobs ledger. Rows are never
// deleted; completed_at is set exactly when the job reaches a terminal state.
type JobRecord struct {
	ID             string
	JobType        string
	RepositoryID   string
	ItemIDs        []string
	Status         JobStatus
	ItemsProcessed int
	ItemsTotal     int
	Error          *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}
