package store

import (
	"errors"
	"fmt"

	"github.com/contributor-info/capture/internal/models"
)

// Sentinel errors for store operations. Check with errors.Is().
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate indicates an insert hit an existing row with the same
	// key. For ledger rows this means the event was redelivered.
	ErrDuplicate = errors.New("record already exists")
)

// ValidationError reports a single malformed record inside a batch. It is
// carried as data in UpsertResult.Failures; it never aborts the batch.
type ValidationError struct {
	GitHubID string
	Reason   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record %q: %v", e.GitHubID, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// tableFor maps an item type to its table name. The mapping is closed; an
// unknown type is a programming error surfaced at the call site.
func tableFor(t models.ItemType) (string, error) {
	switch t {
	case models.ItemTypeIssue:
		return "issues", nil
	case models.ItemTypePullRequest:
		return "pull_requests", nil
	case models.ItemTypeDiscussion:
		return "discussions", nil
	}
	return "", fmt.Errorf("no table for item type %q", t)
}
