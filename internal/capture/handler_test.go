package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contributor-info/capture/internal/embedding"
	"github.com/contributor-info/capture/internal/githubapi"
	"github.com/contributor-info/capture/internal/ledger"
	"github.com/contributor-info/capture/internal/models"
	"github.com/contributor-info/capture/internal/store"
)

type fakeItemStore struct {
	targets     map[string]store.CaptureTarget // by item id
	repos       map[string][2]string           // id -> owner, name
	upserted    []models.ItemRecord
	upsertErr   error
	invalidIDs  map[string]bool
	embeddings  map[string][]float32
	embedItems  []store.EmbeddingSource
	syncStamped []string
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{
		targets:    map[string]store.CaptureTarget{},
		repos:      map[string][2]string{},
		invalidIDs: map[string]bool{},
		embeddings: map[string][]float32{},
	}
}

func (f *fakeItemStore) CaptureTargets(_ context.Context, _ models.ItemType, itemIDs []string) ([]store.CaptureTarget, error) {
	var out []store.CaptureTarget
	for _, id := range itemIDs {
		if t, ok := f.targets[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeItemStore) UpsertItems(_ context.Context, _ models.ItemType, records []models.ItemRecord) (store.UpsertResult, error) {
	if f.upsertErr != nil {
		return store.UpsertResult{}, f.upsertErr
	}
	var res store.UpsertResult
	for _, r := range records {
		if f.invalidIDs[r.GitHubID] {
			res.Failures = append(res.Failures, &store.ValidationError{GitHubID: r.GitHubID, Reason: errors.New("missing repository id")})
			continue
		}
		f.upserted = append(f.upserted, r)
		res.Written++
	}
	return res, nil
}

func (f *fakeItemStore) UpsertRepository(_ context.Context, owner, name string) (string, error) {
	id := owner + "/" + name
	f.repos[id] = [2]string{owner, name}
	return id, nil
}

func (f *fakeItemStore) GetRepository(_ context.Context, repositoryID string) (string, string, error) {
	r, ok := f.repos[repositoryID]
	if !ok {
		return "", "", store.ErrNotFound
	}
	return r[0], r[1], nil
}

func (f *fakeItemStore) MarkRepositorySynced(_ context.Context, repositoryID string) error {
	f.syncStamped = append(f.syncStamped, repositoryID)
	return nil
}

func (f *fakeItemStore) ItemsForEmbedding(_ context.Context, _ models.ItemType, limit int, _ bool) ([]store.EmbeddingSource, error) {
	if limit > len(f.embedItems) {
		limit = len(f.embedItems)
	}
	return f.embedItems[:limit], nil
}

func (f *fakeItemStore) SetEmbedding(_ context.Context, _ models.ItemType, itemID string, vector []float32, _ time.Time) error {
	f.embeddings[itemID] = vector
	return nil
}

type fakeSource struct {
	items    map[string]*githubapi.Item // "owner/repo#number"
	fetchErr map[string]error
	issues   []*githubapi.Item
	prs      []*githubapi.Item
	listErr  error
	calls    int
}

func sourceKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func (f *fakeSource) GetItem(_ context.Context, _ models.ItemType, owner, repo string, number int) (*githubapi.Item, error) {
	f.calls++
	key := sourceKey(owner, repo, number)
	if err, ok := f.fetchErr[key]; ok {
		return nil, err
	}
	if it, ok := f.items[key]; ok {
		return it, nil
	}
	return nil, &githubapi.APIError{Kind: githubapi.KindNotFound, StatusCode: 404}
}

func (f *fakeSource) ListRecentIssues(context.Context, string, string, time.Time) ([]*githubapi.Item, error) {
	return f.issues, f.listErr
}

func (f *fakeSource) ListRecentPullRequests(context.Context, string, string, time.Time) ([]*githubapi.Item, error) {
	return f.prs, f.listErr
}

type ledgerEvent struct {
	jobID  string
	status models.JobStatus
	errMsg string
}

type fakeLedger struct {
	started   map[string]bool
	terminals []ledgerEvent
	progress  [][2]int // (processed, total) per RecordProgress call
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{started: map[string]bool{}}
}

func (f *fakeLedger) RecordStart(_ context.Context, _ string, jobID string, _ ledger.Scope) (string, error) {
	f.started[jobID] = true
	return jobID, nil
}

func (f *fakeLedger) RecordProgress(_ context.Context, _ string, itemsProcessed, itemsTotal int) {
	f.progress = append(f.progress, [2]int{itemsProcessed, itemsTotal})
}

func (f *fakeLedger) RecordTerminal(_ context.Context, jobID string, status models.JobStatus, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	f.terminals = append(f.terminals, ledgerEvent{jobID: jobID, status: status, errMsg: msg})
	return nil
}

func (f *fakeLedger) lastTerminal(t *testing.T) ledgerEvent {
	t.Helper()
	require.NotEmpty(t, f.terminals)
	return f.terminals[len(f.terminals)-1]
}

// fakeEmbedder returns a constant-dimension vector derived from text length.
type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		v := make([]float32, embedding.Dimension)
		v[0] = float32(len(txt))
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string { return "fake-model" }

func target(id, githubID string, number int, needsSync bool) store.CaptureTarget {
	return store.CaptureTarget{
		ItemID:      id,
		GitHubID:    githubID,
		Number:      number,
		Title:       "title " + id,
		Body:        "",
		State:       "open",
		AuthorLogin: "octocat",
		UpdatedAt:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Owner:       "acme",
		RepoName:    "widgets",
		RepoID:      "repo-1",
		NeedsSync:   needsSync,
	}
}

func batchEvent(ids ...string) models.CaptureBatchRequested {
	return models.CaptureBatchRequested{
		BatchID:  "batch-1",
		ItemType: models.ItemTypeIssue,
		ItemIDs:  ids,
		Reason:   "sync-backlog",
		Priority: models.PriorityBackfill,
	}
}

func TestProcessCaptureBatchFetchesAndWrites(t *testing.T) {
	st := newFakeItemStore()
	st.targets["i1"] = target("i1", "gh1", 1, true)
	st.targets["i2"] = target("i2", "gh2", 2, true)

	src := &fakeSource{items: map[string]*githubapi.Item{
		sourceKey("acme", "widgets", 1): {GitHubID: "gh1", Number: 1, Title: "one", Body: "body one", State: "open", UpdatedAt: time.Now()},
		sourceKey("acme", "widgets", 2): {GitHubID: "gh2", Number: 2, Title: "two", Body: "body two", State: "closed", UpdatedAt: time.Now()},
	}}
	led := newFakeLedger()
	emb := &fakeEmbedder{}
	a := NewActivities(st, src, emb, led, nil, nil)

	report, err := a.ProcessCaptureBatch(context.Background(), batchEvent("i1", "i2"))

	require.NoError(t, err)
	assert.Equal(t, 2, report.Written)
	assert.Zero(t, report.Deferred)
	require.Len(t, st.upserted, 2)
	assert.Equal(t, "body one", st.upserted[0].Body)
	require.NotNil(t, st.upserted[0].Embedding, "fetched items get vectors in the same pass")
	assert.Len(t, st.upserted[0].Embedding, embedding.Dimension)
	assert.NotNil(t, st.upserted[0].EmbeddingGeneratedAt)
	assert.Equal(t, models.JobStatusCompleted, led.lastTerminal(t).status)
}

func TestProcessCaptureBatchNotFoundIsData(t *testing.T) {
	st := newFakeItemStore()
	st.targets["i1"] = target("i1", "gh1", 1, true)
	st.targets["i2"] = target("i2", "gh2", 2, true)

	src := &fakeSource{items: map[string]*githubapi.Item{
		sourceKey("acme", "widgets", 2): {GitHubID: "gh2", Number: 2, Title: "two", Body: "b", UpdatedAt: time.Now()},
	}}
	led := newFakeLedger()
	a := NewActivities(st, src, &fakeEmbedder{}, led, nil, nil)

	report, err := a.ProcessCaptureBatch(context.Background(), batchEvent("i1", "i2"))

	require.NoError(t, err, "an upstream 404 is an item outcome, not a batch failure")
	assert.Equal(t, 1, report.NotFound)
	assert.Equal(t, 1, report.Written)
	last := led.lastTerminal(t)
	assert.Equal(t, models.JobStatusCompleted, last.status)
	assert.Contains(t, last.errMsg, "gone upstream")
}

func TestProcessCaptureBatchDefersRetryableFetch(t *testing.T) {
	st := newFakeItemStore()
	st.targets["i1"] = target("i1", "gh1", 1, true)

	src := &fakeSource{fetchErr: map[string]error{
		sourceKey("acme", "widgets", 1): &githubapi.APIError{Kind: githubapi.KindRetryable, StatusCode: 503},
	}}
	led := newFakeLedger()
	a := NewActivities(st, src, &fakeEmbedder{}, led, nil, nil)

	report, err := a.ProcessCaptureBatch(context.Background(), batchEvent("i1"))

	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Zero(t, report.Written)
	assert.Equal(t, 1, src.calls, "a retryable failure gets exactly one fetch attempt")
	assert.Equal(t, models.JobStatusCompleted, led.lastTerminal(t).status,
		"deferred items are not job failures; they reappear in the backlog")
}

func TestProcessCaptureBatchEmbeddingOnly(t *testing.T) {
	st := newFakeItemStore()
	tgt := target("i1", "gh1", 1, false)
	tgt.Body = "already synced body"
	st.targets["i1"] = tgt

	src := &fakeSource{}
	led := newFakeLedger()
	a := NewActivities(st, src, &fakeEmbedder{}, led, nil, nil)

	report, err := a.ProcessCaptureBatch(context.Background(), batchEvent("i1"))

	require.NoError(t, err)
	assert.Zero(t, src.calls, "items needing only vectors never touch the source API")
	assert.Equal(t, 1, report.Written)
	require.Len(t, st.upserted, 1)
	assert.NotNil(t, st.upserted[0].Embedding)
}

func TestProcessCaptureBatchEmbeddingOnlyKeepsSyncedAttributes(t *testing.T) {
	st := newFakeItemStore()
	tgt := target("i1", "gh1", 1, false)
	tgt.Body = "synced body"
	tgt.State = "closed"
	tgt.AuthorLogin = "hubber"
	st.targets["i1"] = tgt

	led := newFakeLedger()
	a := NewActivities(st, &fakeSource{}, &fakeEmbedder{}, led, nil, nil)

	_, err := a.ProcessCaptureBatch(context.Background(), batchEvent("i1"))

	require.NoError(t, err)
	require.Len(t, st.upserted, 1)
	rec := st.upserted[0]
	assert.Equal(t, "closed", rec.State, "an embedding pass must not blank a synced state")
	assert.Equal(t, "hubber", rec.AuthorLogin)
	assert.Equal(t, tgt.UpdatedAt, rec.UpdatedAt)
}

func TestProcessCaptureBatchEmbeddingFailureDefers(t *testing.T) {
	st := newFakeItemStore()
	tgt := target("i1", "gh1", 1, false)
	tgt.Body = "text"
	st.targets["i1"] = tgt

	led := newFakeLedger()
	a := NewActivities(st, &fakeSource{}, &fakeEmbedder{err: errors.New("provider down")}, led, nil, nil)

	report, err := a.ProcessCaptureBatch(context.Background(), batchEvent("i1"))

	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	require.Len(t, st.upserted, 1, "the row is still written; only the vector is missing")
	assert.Nil(t, st.upserted[0].Embedding, "a failed vector stays null so the item remains in the backlog")
}

func TestProcessCaptureBatchInvalidRecordsIsolated(t *testing.T) {
	st := newFakeItemStore()
	tgt1 := target("i1", "gh1", 1, false)
	tgt1.Body = "ok"
	tgt2 := target("i2", "gh2", 2, false)
	tgt2.Body = "bad"
	st.targets["i1"] = tgt1
	st.targets["i2"] = tgt2
	st.invalidIDs["gh2"] = true

	led := newFakeLedger()
	a := NewActivities(st, &fakeSource{}, &fakeEmbedder{}, led, nil, nil)

	report, err := a.ProcessCaptureBatch(context.Background(), batchEvent("i1", "i2"))

	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	assert.Equal(t, 1, report.Invalid)
	assert.Equal(t, models.JobStatusCompleted, led.lastTerminal(t).status)
}

func TestProcessCaptureBatchAllFailedMarksJobFailed(t *testing.T) {
	st := newFakeItemStore()
	st.targets["i1"] = target("i1", "gh1", 1, true)

	src := &fakeSource{} // nothing registered: every fetch 404s
	led := newFakeLedger()
	a := NewActivities(st, src, &fakeEmbedder{}, led, nil, nil)

	report, err := a.ProcessCaptureBatch(context.Background(), batchEvent("i1"))

	require.NoError(t, err)
	assert.Zero(t, report.Written)
	assert.Equal(t, models.JobStatusFailed, led.lastTerminal(t).status)
}

func TestProcessCaptureBatchUpsertErrorFailsJob(t *testing.T) {
	st := newFakeItemStore()
	tgt := target("i1", "gh1", 1, false)
	tgt.Body = "ok"
	st.targets["i1"] = tgt
	st.upsertErr = errors.New("connection reset")

	led := newFakeLedger()
	a := NewActivities(st, &fakeSource{}, &fakeEmbedder{}, led, nil, nil)

	_, err := a.ProcessCaptureBatch(context.Background(), batchEvent("i1"))

	require.Error(t, err, "store failure is infrastructure: surface it for retry")
	assert.Equal(t, models.JobStatusFailed, led.lastTerminal(t).status)
}

func TestProcessCaptureBatchRejectsInvalidEvent(t *testing.T) {
	led := newFakeLedger()
	a := NewActivities(newFakeItemStore(), &fakeSource{}, &fakeEmbedder{}, led, nil, nil)

	_, err := a.ProcessCaptureBatch(context.Background(), models.CaptureBatchRequested{})

	require.Error(t, err)
	assert.Empty(t, led.started, "invalid events never open a ledger row")
}

func TestSyncRepositoryUpserts(t *testing.T) {
	st := newFakeItemStore()
	st.repos["repo-1"] = [2]string{"acme", "widgets"}

	src := &fakeSource{
		issues: []*githubapi.Item{
			{GitHubID: "gh1", Number: 1, Title: "a", Body: "b", UpdatedAt: time.Now()},
			{GitHubID: "gh2", Number: 2, Title: "c", Body: "d", UpdatedAt: time.Now()},
		},
		prs: []*githubapi.Item{
			{GitHubID: "gh3", Number: 3, Title: "e", Body: "f", UpdatedAt: time.Now()},
		},
	}
	led := newFakeLedger()
	a := NewActivities(st, src, &fakeEmbedder{}, led, nil, nil)

	report, err := a.SyncRepository(context.Background(), models.RepositorySyncRequested{
		SyncID:       "sync-1",
		RepositoryID: "repo-1",
		Days:         30,
		Priority:     models.PriorityMedium,
	})

	require.NoError(t, err)
	assert.Equal(t, 3, report.Written)
	assert.Equal(t, []string{"repo-1"}, st.syncStamped)
	assert.Equal(t, models.JobStatusCompleted, led.lastTerminal(t).status)
	for _, rec := range st.upserted {
		assert.Equal(t, "repo-1", rec.RepositoryID)
	}
}

func TestSyncRepositoryUnknownRepository(t *testing.T) {
	led := newFakeLedger()
	a := NewActivities(newFakeItemStore(), &fakeSource{}, &fakeEmbedder{}, led, nil, nil)

	_, err := a.SyncRepository(context.Background(), models.RepositorySyncRequested{
		SyncID:       "sync-1",
		RepositoryID: "nope",
		Days:         30,
		Priority:     models.PriorityMedium,
	})

	require.Error(t, err)
	assert.Empty(t, led.started)
}

func TestSyncRepositoryTerminalListFailure(t *testing.T) {
	st := newFakeItemStore()
	st.repos["repo-1"] = [2]string{"acme", "widgets"}
	src := &fakeSource{listErr: &githubapi.APIError{Kind: githubapi.KindAuth, StatusCode: 401}}
	led := newFakeLedger()
	a := NewActivities(st, src, &fakeEmbedder{}, led, nil, nil)

	_, err := a.SyncRepository(context.Background(), models.RepositorySyncRequested{
		SyncID:       "sync-1",
		RepositoryID: "repo-1",
		Days:         7,
		Priority:     models.PriorityMedium,
	})

	require.Error(t, err)
	assert.Equal(t, models.JobStatusFailed, led.lastTerminal(t).status,
		"an auth failure will not heal on retry; fail the job now")
}

func TestSyncRepositoryRetryableListFailureLeavesJobOpen(t *testing.T) {
	st := newFakeItemStore()
	st.repos["repo-1"] = [2]string{"acme", "widgets"}
	src := &fakeSource{listErr: &githubapi.APIError{Kind: githubapi.KindRetryable, StatusCode: 502}}
	led := newFakeLedger()
	a := NewActivities(st, src, &fakeEmbedder{}, led, nil, nil)

	_, err := a.SyncRepository(context.Background(), models.RepositorySyncRequested{
		SyncID:       "sync-1",
		RepositoryID: "repo-1",
		Days:         7,
		Priority:     models.PriorityMedium,
	})

	require.Error(t, err)
	assert.Empty(t, led.terminals, "retryable failures leave the row processing for the next attempt")
}

func TestComputeEmbeddingsWritesVectors(t *testing.T) {
	st := newFakeItemStore()
	st.embedItems = []store.EmbeddingSource{
		{ItemID: "i1", Title: "a", Body: "text one"},
		{ItemID: "i2", Title: "b", Body: "text two"},
	}
	led := newFakeLedger()
	a := NewActivities(st, &fakeSource{}, &fakeEmbedder{}, led, nil, nil)

	report, err := a.ComputeEmbeddings(context.Background(), models.EmbeddingsComputeRequested{
		RequestID: "req-1",
		ItemTypes: []models.ItemType{models.ItemTypeIssue},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, report.Written)
	assert.Len(t, st.embeddings["i1"], embedding.Dimension)
	assert.Len(t, st.embeddings["i2"], embedding.Dimension)
	assert.Equal(t, models.JobStatusCompleted, led.lastTerminal(t).status)
}

func TestComputeEmbeddingsProgressTotalsAccumulate(t *testing.T) {
	st := newFakeItemStore()
	st.embedItems = []store.EmbeddingSource{
		{ItemID: "i1", Title: "a", Body: "text one"},
		{ItemID: "i2", Title: "b", Body: "text two"},
	}
	led := newFakeLedger()
	a := NewActivities(st, &fakeSource{}, &fakeEmbedder{}, led, nil, nil)

	report, err := a.ComputeEmbeddings(context.Background(), models.EmbeddingsComputeRequested{
		RequestID: "req-1",
		ItemTypes: []models.ItemType{models.ItemTypeIssue, models.ItemTypePullRequest},
	})

	require.NoError(t, err)
	assert.Equal(t, 4, report.Written)
	// Totals grow with each type's worklist; processed never overtakes total.
	require.Equal(t, [][2]int{{2, 2}, {4, 4}}, led.progress)
	for _, p := range led.progress {
		assert.LessOrEqual(t, p[0], p[1])
	}
}

func TestComputeEmbeddingsProviderFailureDefers(t *testing.T) {
	st := newFakeItemStore()
	st.embedItems = []store.EmbeddingSource{{ItemID: "i1", Title: "a", Body: "text"}}
	led := newFakeLedger()
	a := NewActivities(st, &fakeSource{}, &fakeEmbedder{err: errors.New("quota")}, led, nil, nil)

	report, err := a.ComputeEmbeddings(context.Background(), models.EmbeddingsComputeRequested{
		RequestID: "req-1",
		ItemTypes: []models.ItemType{models.ItemTypeIssue},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Empty(t, st.embeddings)
	assert.Equal(t, models.JobStatusCompleted, led.lastTerminal(t).status)
}

func TestFailJobMarksFailed(t *testing.T) {
	led := newFakeLedger()
	a := NewActivities(newFakeItemStore(), &fakeSource{}, &fakeEmbedder{}, led, nil, nil)

	require.NoError(t, a.FailJob(context.Background(), "job-1", "retries exhausted"))
	last := led.lastTerminal(t)
	assert.Equal(t, models.JobStatusFailed, last.status)
	assert.Equal(t, "retries exhausted", last.errMsg)
}
