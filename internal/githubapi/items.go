package githubapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/contributor-info/capture/internal/models"
)

// Item is the canonical source data for one issue, pull request or
// discussion.
type Item struct {
	GitHubID    string
	Number      int
	Title       string
	Body        string
	State       string
	AuthorLogin string
	UpdatedAt   time.Time
}

type restItem struct {
	NodeID    string    `json:"node_id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	// Present only when an /issues row is actually a pull request.
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

func (r restItem) toItem() *Item {
	return &Item{
		GitHubID:    r.NodeID,
		Number:      r.Number,
		Title:       r.Title,
		Body:        r.Body,
		State:       r.State,
		AuthorLogin: r.User.Login,
		UpdatedAt:   r.UpdatedAt,
	}
}

// GetIssue fetches a single issue.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Item, error) {
	var raw restItem
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.get(ctx, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw.toItem(), nil
}

// GetPullRequest fetches a single pull request.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*Item, error) {
	var raw restItem
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.get(ctx, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw.toItem(), nil
}

const discussionQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    discussion(number: $number) {
      id
      number
      title
      body
      updatedAt
      author { login }
    }
  }
}`

// GetDiscussion fetches a single discussion via GraphQL; the REST API does
// not expose discussions.
func (c *Client) GetDiscussion(ctx context.Context, owner, repo string, number int) (*Item, error) {
	var resp struct {
		Data struct {
			Repository struct {
				Discussion *struct {
					ID        string    `json:"id"`
					Number    int       `json:"number"`
					Title     string    `json:"title"`
					Body      string    `json:"body"`
					UpdatedAt time.Time `json:"updatedAt"`
					Author    struct {
						Login string `json:"login"`
					} `json:"author"`
				} `json:"discussion"`
			} `json:"repository"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}

	vars := map[string]any{"owner": owner, "repo": repo, "number": number}
	if err := c.postGraphQL(ctx, discussionQuery, vars, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, &APIError{Kind: KindRetryable, Message: resp.Errors[0].Message}
	}
	d := resp.Data.Repository.Discussion
	if d == nil {
		return nil, &APIError{Kind: KindNotFound, Message: fmt.Sprintf("discussion %s/%s#%d", owner, repo, number)}
	}
	return &Item{
		GitHubID:    d.ID,
		Number:      d.Number,
		Title:       d.Title,
		Body:        d.Body,
		State:       "open",
		AuthorLogin: d.Author.Login,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

// GetItem dispatches on item type.
func (c *Client) GetItem(ctx context.Context, itemType models.ItemType, owner, repo string, number int) (*Item, error) {
	switch itemType {
	case models.ItemTypeIssue:
		return c.GetIssue(ctx, owner, repo, number)
	case models.ItemTypePullRequest:
		return c.GetPullRequest(ctx, owner, repo, number)
	case models.ItemTypeDiscussion:
		return c.GetDiscussion(ctx, owner, repo, number)
	}
	return nil, fmt.Errorf("unknown item type %q", itemType)
}

// Page and cutoff bounds for repository-scope listing, matching the
// operational limits the backfill has always run with.
const (
	listPageSize = 100
	listMaxPages = 10
)

// ListRecentIssues pages through a repository's issues updated after since,
// newest first. Stops at the cutoff or after listMaxPages pages.
func (c *Client) ListRecentIssues(ctx context.Context, owner, repo string, since time.Time) ([]*Item, error) {
	var items []*Item
	for page := 1; page <= listMaxPages; page++ {
		var raw []restItem
		query := url.Values{
			"state":     {"all"},
			"sort":      {"updated"},
			"direction": {"desc"},
			"per_page":  {strconv.Itoa(listPageSize)},
			"page":      {strconv.Itoa(page)},
			"since":     {since.UTC().Format(time.RFC3339)},
		}
		path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
		if err := c.get(ctx, path, query, &raw); err != nil {
			return items, err
		}
		for _, r := range raw {
			// The issues endpoint interleaves pull requests; those are
			// listed separately via /pulls.
			if r.PullRequest != nil {
				continue
			}
			items = append(items, r.toItem())
		}
		if len(raw) < listPageSize {
			break
		}
	}
	return items, nil
}

// ListRecentPullRequests pages through pull requests, newest-updated first,
// stopping client-side at the cutoff since the pulls endpoint has no since
// parameter.
func (c *Client) ListRecentPullRequests(ctx context.Context, owner, repo string, since time.Time) ([]*Item, error) {
	var items []*Item
	for page := 1; page <= listMaxPages; page++ {
		var raw []restItem
		query := url.Values{
			"state":     {"all"},
			"sort":      {"updated"},
			"direction": {"desc"},
			"per_page":  {strconv.Itoa(listPageSize)},
			"page":      {strconv.Itoa(page)},
		}
		path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
		if err := c.get(ctx, path, query, &raw); err != nil {
			return items, err
		}
		reachedCutoff := false
		for _, r := range raw {
			if r.UpdatedAt.Before(since) {
				reachedCutoff = true
				break
			}
			items = append(items, r.toItem())
		}
		if reachedCutoff || len(raw) < listPageSize {
			break
		}
	}
	return items, nil
}

// FetchSpec names one item to fetch.
type FetchSpec struct {
	ItemType models.ItemType
	Owner    string
	Repo     string
	Number   int
}

// FetchResult is one outcome of a Fetch stream: a payload or a classified
// error, never both.
type FetchResult struct {
	Spec FetchSpec
	Item *Item
	Err  error
}

// Fetch produces results for the given specs as a lazy, finite stream. The
// channel closes after the last spec; the stream is not restartable.
// Cancelling ctx stops production after the in-flight request.
func (c *Client) Fetch(ctx context.Context, specs []FetchSpec) <-chan FetchResult {
	out := make(chan FetchResult)
	go func() {
		defer close(out)
		for _, spec := range specs {
			item, err := c.GetItem(ctx, spec.ItemType, spec.Owner, spec.Repo, spec.Number)
			select {
			case out <- FetchResult{Spec: spec, Item: item, Err: err}:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out
}
