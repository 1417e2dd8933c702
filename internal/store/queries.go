package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/contributor-info/capture/internal/models"
)

// BacklogItems reads up to limit rows from the backlog view for the given
// item types. The view's predicate is owned by the schema; this function
// never encodes what "needing capture" means.
func (c *Client) BacklogItems(ctx context.Context, itemTypes []models.ItemType, limit int) ([]models.BacklogItem, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT item_type, id, repository_id, COALESCE(title, ''), missing_attribute
		  FROM items_needing_capture
		 WHERE item_type = ANY($1)
		 LIMIT $2`,
		itemTypeStrings(itemTypes), limit)
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	defer rows.Close()

	var items []models.BacklogItem
	for rows.Next() {
		var it models.BacklogItem
		if err := rows.Scan(&it.ItemType, &it.ItemID, &it.RepositoryID, &it.Title, &it.MissingAttribute); err != nil {
			return nil, fmt.Errorf("scan backlog row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CountBacklog returns the current backlog size for the given item types.
func (c *Client) CountBacklog(ctx context.Context, itemTypes []models.ItemType) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx,
		`SELECT count(*) FROM items_needing_capture WHERE item_type = ANY($1)`,
		itemTypeStrings(itemTypes)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return n, nil
}

// CountBacklogByType returns backlog sizes grouped by item type.
func (c *Client) CountBacklogByType(ctx context.Context) (map[models.ItemType]int, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT item_type, count(*) FROM items_needing_capture GROUP BY item_type`)
	if err != nil {
		return nil, fmt.Errorf("count backlog by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ItemType]int)
	for rows.Next() {
		var t models.ItemType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan backlog count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// CaptureTarget is what a handler needs to process one item: its store id,
// current content, and repository coordinates for source API calls.
type CaptureTarget struct {
	ItemID      string
	GitHubID    string
	Number      int
	Title       string
	Body        string
	State       string
	AuthorLogin string
	UpdatedAt   time.Time
	Owner       string
	RepoName    string
	RepoID      string
	NeedsSync   bool
}

// CaptureTargets resolves item ids to their repository coordinates.
// Unknown ids are silently absent from the result; the backlog view is the
// source of truth and a row deleted since dispatch is simply done.
func (c *Client) CaptureTargets(ctx context.Context, itemType models.ItemType, itemIDs []string) ([]CaptureTarget, error) {
	table, err := tableFor(itemType)
	if err != nil {
		return nil, err
	}

	rows, err := c.pool.Query(ctx, fmt.Sprintf(`
		SELECT i.id, i.github_id, COALESCE(i.number, 0), COALESCE(i.title, ''),
		       COALESCE(i.body, ''), COALESCE(i.state, ''), COALESCE(i.author_login, ''),
		       COALESCE(i.updated_at, '0001-01-01T00:00:00Z'::timestamptz),
		       i.body IS NULL, r.owner, r.name, r.id
		  FROM %s i
		  JOIN repositories r ON r.id = i.repository_id
		 WHERE i.id = ANY($1)`, table), itemIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve capture targets: %w", err)
	}
	defer rows.Close()

	var targets []CaptureTarget
	for rows.Next() {
		var t CaptureTarget
		if err := rows.Scan(&t.ItemID, &t.GitHubID, &t.Number, &t.Title, &t.Body,
			&t.State, &t.AuthorLogin, &t.UpdatedAt,
			&t.NeedsSync, &t.Owner, &t.RepoName, &t.RepoID); err != nil {
			return nil, fmt.Errorf("scan capture target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// GetRepository returns the owner and name for a repository id.
func (c *Client) GetRepository(ctx context.Context, repositoryID string) (owner, name string, err error) {
	err = c.pool.QueryRow(ctx,
		`SELECT owner, name FROM repositories WHERE id = $1`, repositoryID).Scan(&owner, &name)
	if err != nil {
		return "", "", fmt.Errorf("get repository %s: %w", repositoryID, err)
	}
	return owner, name, nil
}

// EmbeddingSource is the text content of one item awaiting a vector.
type EmbeddingSource struct {
	ItemID string
	Title  string
	Body   string
}

// ItemsForEmbedding lists items with a body but no current vector. With
// force set, items that already have a vector are included too.
func (c *Client) ItemsForEmbedding(ctx context.Context, itemType models.ItemType, limit int, force bool) ([]EmbeddingSource, error) {
	table, err := tableFor(itemType)
	if err != nil {
		return nil, err
	}

	predicate := "embedding IS NULL"
	if force {
		predicate = "TRUE"
	}
	rows, err := c.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, COALESCE(title, ''), body
		  FROM %s
		 WHERE body IS NOT NULL AND %s
		 LIMIT $1`, table, predicate), limit)
	if err != nil {
		return nil, fmt.Errorf("list items for embedding: %w", err)
	}
	defer rows.Close()

	var sources []EmbeddingSource
	for rows.Next() {
		var s EmbeddingSource
		if err := rows.Scan(&s.ItemID, &s.Title, &s.Body); err != nil {
			return nil, fmt.Errorf("scan embedding source: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// SetEmbedding stores a vector and stamps embedding_generated_at in the
// same statement, preserving the freshness invariant.
func (c *Client) SetEmbedding(ctx context.Context, itemType models.ItemType, itemID string, vector []float32, generatedAt time.Time) error {
	table, err := tableFor(itemType)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		   SET embedding = $2::vector, embedding_generated_at = $3
		 WHERE id = $1`, table),
		itemID, vectorLiteral(vector), generatedAt)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}

// UpsertResult aggregates the outcome of one batch write. Failures are
// per-record validation errors; they never roll back the valid records.
type UpsertResult struct {
	Written    int
	Conflicted int
	Failures   []*ValidationError
}

// UpsertItems writes records into the table for itemType, keyed on
// (repository_id, github_id). Repeated delivery of the same batch converges
// on identical state. A record carrying an embedding gets its
// embedding_generated_at stamped in the same statement.
func (c *Client) UpsertItems(ctx context.Context, itemType models.ItemType, records []models.ItemRecord) (UpsertResult, error) {
	var res UpsertResult
	table, err := tableFor(itemType)
	if err != nil {
		return res, err
	}

	// xmax = 0 only for freshly inserted rows, so it distinguishes inserts
	// from conflict-key updates.
	sql := fmt.Sprintf(`
		INSERT INTO %s (github_id, repository_id, number, title, body, state,
		                author_login, updated_at, embedding, embedding_generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, $10)
		ON CONFLICT (repository_id, github_id) DO UPDATE SET
		    number = EXCLUDED.number,
		    title = EXCLUDED.title,
		    body = EXCLUDED.body,
		    state = EXCLUDED.state,
		    author_login = EXCLUDED.author_login,
		    updated_at = EXCLUDED.updated_at,
		    embedding = COALESCE(EXCLUDED.embedding, %s.embedding),
		    embedding_generated_at = COALESCE(EXCLUDED.embedding_generated_at, %s.embedding_generated_at)
		RETURNING (xmax = 0)`, table, table, table)

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			res.Failures = append(res.Failures, &ValidationError{GitHubID: rec.GitHubID, Reason: err})
			continue
		}

		var inserted bool
		err := c.pool.QueryRow(ctx, sql,
			rec.GitHubID, rec.RepositoryID, rec.Number, rec.Title, rec.Body,
			rec.State, rec.AuthorLogin, rec.UpdatedAt,
			vectorLiteral(rec.Embedding), rec.EmbeddingGeneratedAt,
		).Scan(&inserted)
		if err != nil {
			return res, fmt.Errorf("upsert %s %s: %w", itemType, rec.GitHubID, err)
		}

		res.Written++
		if !inserted {
			res.Conflicted++
		}
	}
	return res, nil
}

// UpsertRepository inserts or updates a repository by (owner, name) and
// returns its id.
func (c *Client) UpsertRepository(ctx context.Context, owner, name string) (string, error) {
	var id string
	err := c.pool.QueryRow(ctx, `
		INSERT INTO repositories (owner, name)
		VALUES ($1, $2)
		ON CONFLICT (owner, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, owner, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert repository %s/%s: %w", owner, name, err)
	}
	return id, nil
}

// MarkRepositorySynced stamps last_synced_at after a repository-scope sync.
func (c *Client) MarkRepositorySynced(ctx context.Context, repositoryID string) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE repositories SET last_synced_at = now() WHERE id = $1`, repositoryID)
	if err != nil {
		return fmt.Errorf("mark repository synced: %w", err)
	}
	return nil
}

// vectorLiteral renders a float32 slice as a pgvector text literal.
// Returns nil for a missing embedding so the column stays NULL.
func vectorLiteral(v []float32) *string {
	if v == nil {
		return nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	s := b.String()
	return &s
}

func itemTypeStrings(types []models.ItemType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
