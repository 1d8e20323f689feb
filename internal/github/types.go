// Package github provides a client and data types for the subset of the
// GitHub REST API the submission pipeline uses: listing open issues and
// writing labels, comments and state back onto them.
package github

import (
	"net/http"
	"strings"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for rate-limited or
	// unreachable requests.
	MaxRetries = 3

	// DefaultRetryDelay is the base delay between retries (exponential backoff).
	DefaultRetryDelay = time.Second

	// MaxPageSize is the maximum number of issues to fetch per page.
	MaxPageSize = 100

	// MaxPages bounds pagination so a malformed Link header cannot loop forever.
	MaxPages = 50

	// MediaType is the Accept header value selecting GitHub's JSON media type.
	MediaType = "application/vnd.github+json"

	// APIVersion pins the REST API version.
	APIVersion = "2022-11-28"
)

// TokenSource supplies the access token for each request. The token may
// change between calls (see credentials.FileToken).
type TokenSource interface {
	Token() string
}

// Client provides methods to interact with the GitHub REST API.
type Client struct {
	Tokens     TokenSource   // Access token provider
	Owner      string        // Repository owner (user or org)
	Repo       string        // Repository name
	BaseURL    string        // API base URL (default: https://api.github.com)
	HTTPClient *http.Client  // Optional custom HTTP client
	RetryDelay time.Duration // Base retry delay (default: DefaultRetryDelay)
}

// Issue represents an issue from the GitHub API.
type Issue struct {
	ID          int        `json:"id"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	State       string     `json:"state"` // "open" or "closed"
	Labels      []Label    `json:"labels"`
	User        *User      `json:"user,omitempty"`
	HTMLURL     string     `json:"html_url"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	PullRequest *PullRef   `json:"pull_request,omitempty"` // Non-nil if this is a PR
}

// PullRef indicates an issue is actually a pull request.
// The Issues API returns PRs alongside issues; this field distinguishes them.
type PullRef struct {
	URL string `json:"url,omitempty"`
}

// User represents a GitHub user.
type User struct {
	ID    int    `json:"id"`
	Login string `json:"login"`
}

// Label represents a GitHub label.
type Label struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// IssueComment is a comment created on an issue.
type IssueComment struct {
	ID      int    `json:"id"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// LabelNames extracts label name strings from a slice of Label structs.
func LabelNames(labels []Label) []string {
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name
	}
	return names
}

// HasLabel reports whether the issue carries label (case-insensitive, as
// GitHub treats label names).
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l.Name, label) {
			return true
		}
	}
	return false
}

// IsPullRequest reports whether the entry is a PR rather than an issue.
func (i *Issue) IsPullRequest() bool {
	return i.PullRequest != nil
}
