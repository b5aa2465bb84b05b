package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	githubAPIURL = "https://api.github.com"

	perPage = 100
	// maxPages bounds every paginated listing so a single tick cannot spin
	// through an unbounded history.
	maxPages = 10
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Client is a GitHub API client
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	retry      RetryOptions
}

// NewClient creates a new GitHub client
func NewClient(token string) *Client {
	return NewClientWithBaseURL(token, githubAPIURL)
}

// NewClientWithBaseURL creates a new GitHub client with a custom base URL (for testing)
func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		token:   token,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: DefaultRetryOptions(),
	}
}

// SetRetryOptions overrides the retry policy used for all calls.
func (c *Client) SetRetryOptions(opts RetryOptions) {
	c.retry = opts
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg += " Retry-After: " + ra
		}
		return &APIError{StatusCode: resp.StatusCode, Body: msg}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// get performs a GET with retry. Reads are idempotent so transient
// failures are always retried.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	return WithRetryVoid(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, path, nil, result)
	}, c.retry)
}

// GetIssue fetches an issue by owner, repo, and number
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	var issue Issue
	if err := c.get(ctx, path, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// ListIssues lists issues for a repository with optional filters.
// Labels are filtered case-insensitively after fetching, because GitHub's
// label query is case-sensitive.
func (c *Client) ListIssues(ctx context.Context, owner, repo string, opts *ListIssuesOptions) ([]*Issue, error) {
	params := url.Values{}
	params.Set("per_page", fmt.Sprint(perPage))
	var filterLabels []string
	if opts != nil {
		filterLabels = opts.Labels
		if opts.State != "" {
			params.Set("state", opts.State)
		}
		if opts.Sort != "" {
			params.Set("sort", opts.Sort)
		}
		if !opts.Since.IsZero() {
			params.Set("since", opts.Since.UTC().Format(time.RFC3339))
		}
	}

	var all []*Issue
	for page := 1; page <= maxPages; page++ {
		params.Set("page", fmt.Sprint(page))
		var issues []*Issue
		if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/issues?%s", owner, repo, params.Encode()), &issues); err != nil {
			return nil, err
		}
		all = append(all, issues...)
		if len(issues) < perPage {
			break
		}
	}

	if len(filterLabels) == 0 {
		return all, nil
	}
	var filtered []*Issue
	for _, issue := range all {
		hasAll := true
		for _, want := range filterLabels {
			if !HasLabel(issue, want) {
				hasAll = false
				break
			}
		}
		if hasAll {
			filtered = append(filtered, issue)
		}
	}
	return filtered, nil
}

// ListIssueComments returns all comments on one issue or pull request,
// oldest first.
func (c *Client) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*Comment, error) {
	var all []*Comment
	for page := 1; page <= maxPages; page++ {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=%d&page=%d", owner, repo, number, perPage, page)
		var comments []*Comment
		if err := c.get(ctx, path, &comments); err != nil {
			return nil, err
		}
		all = append(all, comments...)
		if len(comments) < perPage {
			break
		}
	}
	return all, nil
}

// ListRepoComments returns issue comments across the repository updated at
// or after since, oldest first.
func (c *Client) ListRepoComments(ctx context.Context, owner, repo string, since time.Time) ([]*Comment, error) {
	params := url.Values{}
	params.Set("sort", "created")
	params.Set("direction", "asc")
	params.Set("per_page", fmt.Sprint(perPage))
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}

	var all []*Comment
	for page := 1; page <= maxPages; page++ {
		params.Set("page", fmt.Sprint(page))
		var comments []*Comment
		if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/issues/comments?%s", owner, repo, params.Encode()), &comments); err != nil {
			return nil, err
		}
		all = append(all, comments...)
		if len(comments) < perPage {
			break
		}
	}
	return all, nil
}

// ListIssueEvents returns repository issue events created after since,
// oldest first. The API returns newest first, so paging stops at the first
// page that reaches back past since.
func (c *Client) ListIssueEvents(ctx context.Context, owner, repo string, since time.Time) ([]*IssueEvent, error) {
	var collected []*IssueEvent
	for page := 1; page <= maxPages; page++ {
		path := fmt.Sprintf("/repos/%s/%s/issues/events?per_page=%d&page=%d", owner, repo, perPage, page)
		var events []*IssueEvent
		if err := c.get(ctx, path, &events); err != nil {
			return nil, err
		}
		reachedSince := false
		for _, e := range events {
			if !since.IsZero() && e.CreatedAt.Before(since) {
				reachedSince = true
				continue
			}
			collected = append(collected, e)
		}
		if reachedSince || len(events) < perPage {
			break
		}
	}

	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

// AddComment adds a comment to an issue or pull request
func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	return WithRetry(ctx, func() (*Comment, error) {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
		var comment Comment
		if err := c.doRequest(ctx, http.MethodPost, path, map[string]string{"body": body}, &comment); err != nil {
			return nil, err
		}
		return &comment, nil
	}, c.retry)
}

// UpdateComment replaces the body of an existing comment in place.
func (c *Client) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) (*Comment, error) {
	return WithRetry(ctx, func() (*Comment, error) {
		path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
		var comment Comment
		if err := c.doRequest(ctx, http.MethodPatch, path, map[string]string{"body": body}, &comment); err != nil {
			return nil, err
		}
		return &comment, nil
	}, c.retry)
}

// RemoveLabel removes a label from an issue. A missing label is not an error.
func (c *Client) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", owner, repo, number, url.PathEscape(label))
		err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
		if IsNotFound(err) {
			return nil
		}
		return err
	}, c.retry)
}

// GetPullRequest fetches a pull request by number
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	var result PullRequest
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FindPRByBranch returns the open pull request whose head is branch, or
// nil when there is none.
func (c *Client) FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	params := url.Values{}
	params.Set("state", StateOpen)
	params.Set("head", owner+":"+branch)
	var result []*PullRequest
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/pulls?%s", owner, repo, params.Encode()), &result); err != nil {
		return nil, err
	}
	for _, pr := range result {
		if pr.Head.Ref == branch {
			return pr, nil
		}
	}
	return nil, nil
}

// CreatePullRequest creates a new pull request
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, input *PullRequestInput) (*PullRequest, error) {
	return WithRetry(ctx, func() (*PullRequest, error) {
		path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
		var result PullRequest
		if err := c.doRequest(ctx, http.MethodPost, path, input, &result); err != nil {
			return nil, err
		}
		return &result, nil
	}, c.retry)
}

// ListReviewComments lists line comments on a pull request.
func (c *Client) ListReviewComments(ctx context.Context, owner, repo string, number int) ([]*ReviewComment, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments?per_page=%d", owner, repo, number, perPage)
	var result []*ReviewComment
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetLatestRelease gets the latest published release.
// Returns nil, nil if no releases exist.
func (c *Client) GetLatestRelease(ctx context.Context, owner, repo string) (*Release, error) {
	path := fmt.Sprintf("/repos/%s/%s/releases/latest", owner, repo)
	var result Release
	if err := c.get(ctx, path, &result); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// StatusCode returns the HTTP status of an APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
