package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/contributor-info/capture/internal/embedding"
	"github.com/contributor-info/capture/internal/githubapi"
	"github.com/contributor-info/capture/internal/ledger"
	"github.com/contributor-info/capture/internal/metrics"
	"github.com/contributor-info/capture/internal/models"
	"github.com/contributor-info/capture/internal/store"
)

// ItemStore is the slice of the record store the handlers write through.
type ItemStore interface {
	CaptureTargets(ctx context.Context, itemType models.ItemType, itemIDs []string) ([]store.CaptureTarget, error)
	UpsertItems(ctx context.Context, itemType models.ItemType, records []models.ItemRecord) (store.UpsertResult, error)
	UpsertRepository(ctx context.Context, owner, name string) (string, error)
	GetRepository(ctx context.Context, repositoryID string) (owner, name string, err error)
	MarkRepositorySynced(ctx context.Context, repositoryID string) error
	ItemsForEmbedding(ctx context.Context, itemType models.ItemType, limit int, force bool) ([]store.EmbeddingSource, error)
	SetEmbedding(ctx context.Context, itemType models.ItemType, itemID string, vector []float32, generatedAt time.Time) error
}

// SourceClient is the slice of the source API the handlers fetch from.
type SourceClient interface {
	GetItem(ctx context.Context, itemType models.ItemType, owner, repo string, number int) (*githubapi.Item, error)
	ListRecentIssues(ctx context.Context, owner, repo string, since time.Time) ([]*githubapi.Item, error)
	ListRecentPullRequests(ctx context.Context, owner, repo string, since time.Time) ([]*githubapi.Item, error)
}

// JobLedger records batch outcomes.
type JobLedger interface {
	RecordStart(ctx context.Context, jobType, jobID string, scope ledger.Scope) (string, error)
	RecordProgress(ctx context.Context, jobID string, itemsProcessed, itemsTotal int)
	RecordTerminal(ctx context.Context, jobID string, status models.JobStatus, jobErr error) error
}

// How many texts go to the embedding provider per request, and how many
// items an embeddings-compute pass picks up per type per invocation.
const (
	embedChunkSize     = 20
	embedPassLimit     = 500
	repoSyncFetchLimit = 1000
)

// BatchReport is the outcome of one handler invocation, carried as data so
// per-item failures are counts, not control flow.
type BatchReport struct {
	JobID     string
	Processed int
	Written   int
	Deferred  int // retryable failures; items reappear in the backlog
	NotFound  int // upstream 404s
	Invalid   int // records that failed validation
}

func (r BatchReport) hardFailures() int { return r.NotFound + r.Invalid }

// Activities hosts the dispatcher-invoked handlers. One instance is
// registered on the worker; every dependency is explicit.
type Activities struct {
	store     ItemStore
	source    SourceClient
	embedder  embedding.Embedder
	ledger    JobLedger
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewActivities wires the handler dependencies.
func NewActivities(st ItemStore, source SourceClient, embedder embedding.Embedder, jobLedger JobLedger, collector *metrics.Collector, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     st,
		source:    source,
		embedder:  embedder,
		ledger:    jobLedger,
		collector: collector,
		logger:    logger,
	}
}

// ProcessCaptureBatch drains one dispatched batch: resolve targets, fetch
// missing source data, compute missing vectors, upsert, record the outcome.
// Returns an error only when infrastructure prevents processing entirely;
// per-item failures are aggregated in the report.
func (a *Activities) ProcessCaptureBatch(ctx context.Context, ev models.CaptureBatchRequested) (*BatchReport, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	jobID, err := a.ledger.RecordStart(ctx, "capture_batch", ev.BatchID, ledger.Scope{
		RepositoryID: ev.RepositoryID,
		ItemIDs:      ev.ItemIDs,
	})
	if err != nil {
		return nil, err
	}
	report := &BatchReport{JobID: jobID}

	targets, err := a.store.CaptureTargets(ctx, ev.ItemType, ev.ItemIDs)
	if err != nil {
		return report, fmt.Errorf("resolve targets: %w", err)
	}

	// Phase 1: fetch canonical data for items missing sync.
	var itemErrs []string
	records := make([]models.ItemRecord, 0, len(targets))
	for _, target := range targets {
		// Start from the stored row so an embedding-only pass does not
		// blank out attributes a previous sync already wrote.
		rec := models.ItemRecord{
			GitHubID:     target.GitHubID,
			RepositoryID: target.RepoID,
			Number:       target.Number,
			Title:        target.Title,
			Body:         target.Body,
			State:        target.State,
			AuthorLogin:  target.AuthorLogin,
			UpdatedAt:    target.UpdatedAt,
		}

		if target.NeedsSync {
			start := time.Now()
			item, err := a.source.GetItem(ctx, ev.ItemType, target.Owner, target.RepoName, target.Number)
			if a.collector != nil {
				a.collector.RecordBatch(metrics.OpSourceFetch, time.Since(start), 1)
			}
			switch {
			case githubapi.IsNotFound(err):
				report.NotFound++
				itemErrs = append(itemErrs, fmt.Sprintf("%s #%d: gone upstream", target.RepoName, target.Number))
				continue
			case err != nil:
				// Retryable: the row stays in the backlog and a later
				// drain pass picks it up. No retry here.
				report.Deferred++
				a.logger.Warn("fetch deferred", "item", target.GitHubID, "error", err)
				continue
			}
			rec.Title = item.Title
			rec.Body = item.Body
			rec.State = item.State
			rec.AuthorLogin = item.AuthorLogin
			rec.UpdatedAt = item.UpdatedAt
		}

		records = append(records, rec)
		report.Processed++
		a.ledger.RecordProgress(ctx, jobID, report.Processed, len(ev.ItemIDs))
	}

	// Phase 2: compute vectors for everything we are about to write.
	a.embedRecords(ctx, records, report)

	// Phase 3: idempotent write-back.
	if len(records) > 0 {
		start := time.Now()
		res, err := a.store.UpsertItems(ctx, ev.ItemType, records)
		if a.collector != nil {
			a.collector.RecordBatch(metrics.OpUpsert, time.Since(start), res.Written)
		}
		if err != nil {
			_ = a.ledger.RecordTerminal(ctx, jobID, models.JobStatusFailed, err)
			return report, fmt.Errorf("upsert batch: %w", err)
		}
		report.Written = res.Written
		report.Invalid = len(res.Failures)
		for _, f := range res.Failures {
			itemErrs = append(itemErrs, f.Error())
		}
	}

	status := models.JobStatusCompleted
	var jobErr error
	if report.Written == 0 && report.hardFailures() > 0 {
		status = models.JobStatusFailed
		jobErr = fmt.Errorf("no items written: %s", strings.Join(itemErrs, "; "))
	} else if len(itemErrs) > 0 {
		// Completed with noted item errors; the ledger keeps the detail.
		jobErr = fmt.Errorf("%d item errors: %s", len(itemErrs), strings.Join(itemErrs, "; "))
		status = models.JobStatusCompleted
	}
	if err := a.ledger.RecordTerminal(ctx, jobID, status, jobErr); err != nil {
		return report, err
	}
	return report, nil
}

// embedRecords fills Embedding/EmbeddingGeneratedAt in place for records
// that have body text. Retryable provider failures leave the vector nil so
// the item stays in the embedding backlog.
func (a *Activities) embedRecords(ctx context.Context, records []models.ItemRecord, report *BatchReport) {
	if a.embedder == nil {
		return
	}
	for start := 0; start < len(records); start += embedChunkSize {
		end := min(start+embedChunkSize, len(records))
		chunk := records[start:end]

		texts := make([]string, 0, len(chunk))
		idx := make([]int, 0, len(chunk))
		for i := range chunk {
			if chunk[i].Body == "" && chunk[i].Title == "" {
				continue
			}
			texts = append(texts, embedText(chunk[i].Title, chunk[i].Body))
			idx = append(idx, start+i)
		}
		if len(texts) == 0 {
			continue
		}

		begin := time.Now()
		vectors, err := a.embedder.EmbedBatch(ctx, texts)
		if a.collector != nil {
			a.collector.RecordBatch(metrics.OpEmbedding, time.Since(begin), len(texts))
		}
		if err != nil {
			report.Deferred += len(texts)
			a.logger.Warn("embedding chunk deferred", "items", len(texts), "error", err)
			continue
		}

		now := time.Now().UTC()
		for i, v := range vectors {
			records[idx[i]].Embedding = v
			records[idx[i]].EmbeddingGeneratedAt = &now
		}
	}
}

// embedText joins title and body the same way every time; truncation is
// deterministic so regenerated vectors are reproducible.
func embedText(title, body string) string {
	return embedding.Truncate(title + "\n\n" + body)
}

// SyncRepository handles a repository-scope sync request: list recently
// updated issues and pull requests and upsert them. Discussions are synced
// item-by-item through capture batches; the list API has no since filter
// for them.
func (a *Activities) SyncRepository(ctx context.Context, ev models.RepositorySyncRequested) (*BatchReport, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	owner, name, err := a.store.GetRepository(ctx, ev.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("unknown repository %s: %w", ev.RepositoryID, err)
	}

	jobID, err := a.ledger.RecordStart(ctx, "repository_sync", ev.SyncID, ledger.Scope{
		RepositoryID: ev.RepositoryID,
	})
	if err != nil {
		return nil, err
	}
	report := &BatchReport{JobID: jobID}

	since := time.Now().AddDate(0, 0, -ev.Days)

	issues, err := a.source.ListRecentIssues(ctx, owner, name, since)
	if err != nil {
		return report, a.syncFetchFailed(ctx, jobID, report, err)
	}
	prs, err := a.source.ListRecentPullRequests(ctx, owner, name, since)
	if err != nil {
		return report, a.syncFetchFailed(ctx, jobID, report, err)
	}

	for itemType, items := range map[models.ItemType][]*githubapi.Item{
		models.ItemTypeIssue:       issues,
		models.ItemTypePullRequest: prs,
	} {
		if len(items) == 0 {
			continue
		}
		if len(items) > repoSyncFetchLimit {
			items = items[:repoSyncFetchLimit]
		}

		records := make([]models.ItemRecord, 0, len(items))
		for _, it := range items {
			records = append(records, models.ItemRecord{
				GitHubID:     it.GitHubID,
				RepositoryID: ev.RepositoryID,
				Number:       it.Number,
				Title:        it.Title,
				Body:         it.Body,
				State:        it.State,
				AuthorLogin:  it.AuthorLogin,
				UpdatedAt:    it.UpdatedAt,
			})
		}

		res, err := a.store.UpsertItems(ctx, itemType, records)
		if err != nil {
			_ = a.ledger.RecordTerminal(ctx, jobID, models.JobStatusFailed, err)
			return report, fmt.Errorf("upsert %s: %w", itemType, err)
		}
		report.Written += res.Written
		report.Invalid += len(res.Failures)
		report.Processed += len(records)
		a.ledger.RecordProgress(ctx, jobID, report.Processed, len(issues)+len(prs))
	}

	if err := a.store.MarkRepositorySynced(ctx, ev.RepositoryID); err != nil {
		a.logger.Warn("failed to stamp repository sync time", "repository", ev.RepositoryID, "error", err)
	}

	if err := a.ledger.RecordTerminal(ctx, jobID, models.JobStatusCompleted, nil); err != nil {
		return report, err
	}
	a.logger.Info("repository synced", "repository", owner+"/"+name,
		"issues", len(issues), "pull_requests", len(prs), "written", report.Written)
	return report, nil
}

// syncFetchFailed decides whether a whole-scope fetch failure is terminal
// for the job. Terminal source errors fail the ledger row immediately;
// retryable ones leave it processing so the dispatcher's retry (or the
// stuck-job check) owns the outcome.
func (a *Activities) syncFetchFailed(ctx context.Context, jobID string, report *BatchReport, err error) error {
	if !githubapi.IsRetryable(err) {
		_ = a.ledger.RecordTerminal(ctx, jobID, models.JobStatusFailed, err)
	}
	return fmt.Errorf("list repository activity: %w", err)
}

// ComputeEmbeddings handles an embeddings pass: pick up items with text but
// no vector (or all items when forcing) and write vectors back.
func (a *Activities) ComputeEmbeddings(ctx context.Context, ev models.EmbeddingsComputeRequested) (*BatchReport, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	jobID, err := a.ledger.RecordStart(ctx, "embeddings_compute", ev.RequestID, ledger.Scope{})
	if err != nil {
		return nil, err
	}
	report := &BatchReport{JobID: jobID}

	// planned grows as each type's worklist loads; progress totals stay
	// monotone because the store clamps with GREATEST.
	planned := 0
	for _, itemType := range ev.ItemTypes {
		sources, err := a.store.ItemsForEmbedding(ctx, itemType, embedPassLimit, ev.ForceRegenerate)
		if err != nil {
			_ = a.ledger.RecordTerminal(ctx, jobID, models.JobStatusFailed, err)
			return report, fmt.Errorf("list %s for embedding: %w", itemType, err)
		}
		planned += len(sources)

		for start := 0; start < len(sources); start += embedChunkSize {
			end := min(start+embedChunkSize, len(sources))
			chunk := sources[start:end]

			texts := make([]string, len(chunk))
			for i, s := range chunk {
				texts[i] = embedText(s.Title, s.Body)
			}

			begin := time.Now()
			vectors, err := a.embedder.EmbedBatch(ctx, texts)
			if a.collector != nil {
				a.collector.RecordBatch(metrics.OpEmbedding, time.Since(begin), len(texts))
			}
			if err != nil {
				report.Deferred += len(chunk)
				a.logger.Warn("embedding chunk deferred", "item_type", itemType, "items", len(chunk), "error", err)
				continue
			}

			now := time.Now().UTC()
			for i, v := range vectors {
				if err := a.store.SetEmbedding(ctx, itemType, chunk[i].ItemID, v, now); err != nil {
					_ = a.ledger.RecordTerminal(ctx, jobID, models.JobStatusFailed, err)
					return report, fmt.Errorf("store embedding: %w", err)
				}
				report.Processed++
				report.Written++
			}
			a.ledger.RecordProgress(ctx, jobID, report.Processed, planned)
		}
	}

	if err := a.ledger.RecordTerminal(ctx, jobID, models.JobStatusCompleted, nil); err != nil {
		return report, err
	}
	return report, nil
}

// FailJob marks a ledger row failed after the dispatcher's retry budget
// for its handler is exhausted.
func (a *Activities) FailJob(ctx context.Context, jobID string, message string) error {
	return a.ledger.RecordTerminal(ctx, jobID, models.JobStatusFailed, fmt.Errorf("%s", message))
}
