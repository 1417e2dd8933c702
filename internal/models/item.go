// Package models defines data structures shared across the capture pipeline.
package models

import (
	"fmt"
	"time"
)

// ItemType identifies which kind of GitHub-derived record an item is.
type ItemType string

const (
	ItemTypeIssue       ItemType = "issue"
	ItemTypePullRequest ItemType = "pull_request"
	ItemTypeDiscussion  ItemType = "discussion"
)

// AllItemTypes lists every item type in stable order.
var AllItemTypes = []ItemType{ItemTypeIssue, ItemTypePullRequest, ItemTypeDiscussion}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeIssue, ItemTypePullRequest, ItemTypeDiscussion:
		return true
	}
	return false
}

// ParseItemType converts a string (e.g. from a CLI flag) into an ItemType.
func ParseItemType(s string) (ItemType, error) {
	t := ItemType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown item type %q", s)
	}
	return t, nil
}

// MissingAttribute says which derived attribute a backlog item lacks.
type MissingAttribute string

const (
	MissingSync      MissingAttribute = "sync"
	MissingEmbedding MissingAttribute = "embedding"
)

// BacklogItem is one row of the backlog view: an item currently missing a
// derived attribute. It is a query result, never stored.
type BacklogItem struct {
	ItemType         ItemType
	ItemID           string
	RepositoryID     string
	Title            string
	MissingAttribute MissingAttribute
}

// ItemRecord is the canonical data written back for one item.
// Embedding and EmbeddingGeneratedAt are set together or not at all.
type ItemRecord struct {
	GitHubID     string
	RepositoryID string
	Number       int
	Title        string
	Body         string
	State        string
	AuthorLogin  string
	UpdatedAt    time.Time

	Embedding            []float32
	EmbeddingGeneratedAt *time.Time
}

// Validate checks the fields the upsert writer requires. A record failing
// validation is reported individually and never blocks its batch.
func (r ItemRecord) Validate() error {
	if r.GitHubID == "" {
		return fmt.Errorf("missing github id")
	}
	if r.RepositoryID == "" {
		return fmt.Errorf("missing repository id")
	}
	if r.Embedding != nil && r.EmbeddingGeneratedAt == nil {
		return fmt.Errorf("embedding without generation timestamp")
	}
	return nil
}
