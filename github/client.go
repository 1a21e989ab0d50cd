package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
)

const (
	userAgent = "mechanic"
	perPage   = 100
)

var (
	// ErrFileNotFound indicates the path does not exist at the requested ref.
	ErrFileNotFound = errors.New("file not found at ref")
	// ErrUnsupportedEncoding indicates the contents API returned a non-base64 body.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	// ErrNoPullRequest indicates no open pull request has the commit as its head.
	ErrNoPullRequest = errors.New("no open pull request for commit")
)

// apiConfig holds the transport settings shared by the broker and the client.
type apiConfig struct {
	httpClient *http.Client
	baseURL    *url.URL
}

func defaultAPIConfig() apiConfig {
	return apiConfig{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (a *apiConfig) setBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse API base URL: %w", err)
	}
	a.baseURL = u
	return nil
}

// client returns a go-github client that sends token as bearer credential.
func (a apiConfig) client(token string) *gh.Client {
	c := gh.NewClient(a.httpClient).WithAuthToken(token)
	if a.baseURL != nil {
		c.BaseURL = a.baseURL
	}
	c.UserAgent = userAgent
	return c
}

// Client performs the repository API calls on behalf of an installation.
// Every call takes the installation token explicitly; the client holds no credentials.
type Client struct {
	api apiConfig
}

// NewClient creates a new GitHub API client.
func NewClient() *Client {
	return &Client{api: defaultAPIConfig()}
}

// SetBaseURL points the client at a GitHub Enterprise or test API root.
func (c *Client) SetBaseURL(raw string) error {
	return c.api.setBaseURL(raw)
}

// SetHTTPClient overrides the HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.api.httpClient = hc
}

// ListCommitFiles returns the paths touched by a commit, in API order.
// The commit endpoint paginates its file list; all pages are read.
func (c *Client) ListCommitFiles(ctx context.Context, token, owner, repo, sha string) ([]string, error) {
	client := c.api.client(token)

	var paths []string
	opts := &gh.ListOptions{PerPage: perPage}
	for {
		commit, resp, err := client.Repositories.GetCommit(ctx, owner, repo, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch commit %s: %w", sha, err)
		}
		for _, f := range commit.Files {
			if name := f.GetFilename(); name != "" {
				paths = append(paths, name)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return paths, nil
}

// FetchFileContent fetches a file at ref and decodes its base64 body.
// Returns ErrFileNotFound when the path does not exist at ref.
func (c *Client) FetchFileContent(ctx context.Context, token, owner, repo, path, ref string) (string, error) {
	client := c.api.client(token)

	file, _, _, err := client.Repositories.GetContents(ctx, owner, repo, path, &gh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return "", fmt.Errorf("%s@%s: %w", path, ref, ErrFileNotFound)
		}
		return "", fmt.Errorf("failed to fetch file %s: %w", path, err)
	}
	if file == nil {
		return "", fmt.Errorf("%s is a directory: %w", path, ErrFileNotFound)
	}

	if enc := file.GetEncoding(); enc != "base64" {
		return "", fmt.Errorf("%s has encoding %q: %w", path, enc, ErrUnsupportedEncoding)
	}

	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 content: %w", err)
	}

	return content, nil
}

// ListOpenPullRequests lists every open pull request of the repository.
func (c *Client) ListOpenPullRequests(ctx context.Context, token, owner, repo string) ([]PullRequest, error) {
	client := c.api.client(token)

	var prs []PullRequest
	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	for {
		page, resp, err := client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list pull requests: %w", err)
		}
		for _, pr := range page {
			prs = append(prs, PullRequest{
				Number:  pr.GetNumber(),
				HeadSHA: pr.GetHead().GetSHA(),
				HTMLURL: pr.GetHTMLURL(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return prs, nil
}

// FindPullRequestForCommit returns the number of the open pull request whose head is sha.
func (c *Client) FindPullRequestForCommit(ctx context.Context, token, owner, repo, sha string) (int, error) {
	prs, err := c.ListOpenPullRequests(ctx, token, owner, repo)
	if err != nil {
		return 0, err
	}
	for _, pr := range prs {
		if pr.HeadSHA == sha {
			return pr.Number, nil
		}
	}
	return 0, fmt.Errorf("%s/%s@%s: %w", owner, repo, sha, ErrNoPullRequest)
}

// CreateIssueComment posts a comment on a PR (via the issues API).
func (c *Client) CreateIssueComment(ctx context.Context, token, owner, repo string, number int, body string) (*IssueComment, error) {
	client := c.api.client(token)

	comment, _, err := client.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{
		Body: gh.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}

	return &IssueComment{
		ID:      comment.GetID(),
		HTMLURL: comment.GetHTMLURL(),
	}, nil
}

// StatusCode extracts the HTTP status of a failed API call, or 0 when the
// error did not come from an API response.
func StatusCode(err error) int {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether the API rejected the token.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}
