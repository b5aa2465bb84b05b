package github

import (
	"fmt"
	"strings"
	"time"
)

// Issue states
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateAll    = "all"
)

// Issue event types returned by the issue events API
const (
	EventLabeled   = "labeled"
	EventUnlabeled = "unlabeled"
)

// Issue represents a GitHub issue. Pull requests are issues too; for those
// PullRequest is non-nil.
type Issue struct {
	ID          int64         `json:"id"`
	Number      int           `json:"number"`
	Title       string        `json:"title"`
	Body        string        `json:"body"`
	State       string        `json:"state"`
	Labels      []Label       `json:"labels"`
	User        User          `json:"user"`
	HTMLURL     string        `json:"html_url"`
	PullRequest *IssuePRLinks `json:"pull_request,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// IssuePRLinks is present on issues that are pull requests.
type IssuePRLinks struct {
	URL     string `json:"url"`
	HTMLURL string `json:"html_url"`
}

// IsPullRequest reports whether the issue is a pull request.
func (i *Issue) IsPullRequest() bool {
	return i.PullRequest != nil
}

// Label represents a GitHub label
type Label struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
}

// User represents a GitHub user
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email,omitempty"`
}

// Comment represents a GitHub issue comment
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	IssueURL  string    `json:"issue_url,omitempty"`
	HTMLURL   string    `json:"html_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IssueNumber extracts the issue number from IssueURL. Repository-wide
// comment listings only carry the URL.
func (c *Comment) IssueNumber() int {
	idx := strings.LastIndex(c.IssueURL, "/")
	if idx < 0 {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(c.IssueURL[idx+1:], "%d", &n); err != nil {
		return 0
	}
	return n
}

// IssueEvent is an entry from the repository issue events API.
type IssueEvent struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	Actor     User      `json:"actor"`
	Label     *Label    `json:"label,omitempty"`
	Issue     *Issue    `json:"issue,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequest represents a GitHub pull request
type PullRequest struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	State     string    `json:"state"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	Head      PRRef     `json:"head"`
	Base      PRRef     `json:"base"`
	User      User      `json:"user"`
	Merged    bool      `json:"merged"`
	Draft     bool      `json:"draft"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PRRef is the head or base of a pull request.
type PRRef struct {
	Ref   string `json:"ref"`
	SHA   string `json:"sha"`
	Label string `json:"label,omitempty"`
}

// IsOpen reports whether the pull request is open.
func (pr *PullRequest) IsOpen() bool {
	return pr.State == StateOpen
}

// PullRequestInput is the payload for creating a pull request.
type PullRequestInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Draft bool   `json:"draft,omitempty"`
}

// ReviewComment is a line comment left in a pull request review.
type ReviewComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	Path      string    `json:"path"`
	Line      int       `json:"line"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// Release represents a GitHub release
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
	HTMLURL     string    `json:"html_url"`
}

// Asset represents a release asset
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
	ContentType        string `json:"content_type"`
}

// ListIssuesOptions filters ListIssues.
type ListIssuesOptions struct {
	Labels []string
	State  string
	Sort   string
	Since  time.Time
}

// ParseRepo splits "owner/repo".
func ParseRepo(full string) (owner, repo string, err error) {
	parts := strings.Split(full, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format, expected owner/repo: %s", full)
	}
	return parts[0], parts[1], nil
}

// HasLabel checks if an issue has a specific label (case-insensitive)
func HasLabel(issue *Issue, labelName string) bool {
	for _, label := range issue.Labels {
		if strings.EqualFold(label.Name, labelName) {
			return true
		}
	}
	return false
}
