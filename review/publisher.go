package review

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/shipitai/mechanic/github"
)

const noOpBody = "Nothing to flag: this commit has no changed files to review."

// Publisher posts the outcome of a review.
type Publisher interface {
	Publish(ctx context.Context, token, owner, repo string, pullNumber int, comment ReviewComment) (string, error)
	PublishNoOp(ctx context.Context, token, owner, repo string, pullNumber int, commitSHA string) (string, error)
}

// IssueCommenter is the subset of the API client the CommentPublisher needs.
type IssueCommenter interface {
	CreateIssueComment(ctx context.Context, token, owner, repo string, number int, body string) (*github.IssueComment, error)
	FindPullRequestForCommit(ctx context.Context, token, owner, repo, sha string) (int, error)
}

// CommentPublisher posts comments on pull requests through the issues API.
type CommentPublisher struct {
	api    IssueCommenter
	logger *slog.Logger
}

// NewCommentPublisher creates a publisher backed by the given API client.
func NewCommentPublisher(api IssueCommenter, logger *slog.Logger) *CommentPublisher {
	return &CommentPublisher{api: api, logger: logger}
}

// Publish posts comment.Body and returns the comment URL. A zero pullNumber is
// resolved to the open pull request whose head is comment.CommitID.
// Failures are returned as *PublishError and never retried.
func (p *CommentPublisher) Publish(ctx context.Context, token, owner, repo string, pullNumber int, comment ReviewComment) (string, error) {
	return p.post(ctx, token, owner, repo, pullNumber, comment.CommitID, comment.Body)
}

// PublishNoOp posts the fixed "nothing to flag" message.
func (p *CommentPublisher) PublishNoOp(ctx context.Context, token, owner, repo string, pullNumber int, commitSHA string) (string, error) {
	return p.post(ctx, token, owner, repo, pullNumber, commitSHA, noOpBody)
}

func (p *CommentPublisher) post(ctx context.Context, token, owner, repo string, pullNumber int, commitSHA, body string) (string, error) {
	if pullNumber == 0 {
		n, err := p.api.FindPullRequestForCommit(ctx, token, owner, repo, commitSHA)
		if err != nil {
			return "", &PublishError{Owner: owner, Repo: repo, Err: err}
		}
		pullNumber = n
	}

	created, err := p.api.CreateIssueComment(ctx, token, owner, repo, pullNumber, body)
	if err != nil {
		return "", &PublishError{Owner: owner, Repo: repo, PullNumber: pullNumber, Err: err}
	}

	p.logger.Info("published comment",
		"owner", owner,
		"repo", repo,
		"pr", pullNumber,
		"url", created.HTMLURL,
	)
	return created.HTMLURL, nil
}

// WriterPublisher prints comments instead of posting them, for dry runs.
type WriterPublisher struct {
	w io.Writer
}

// NewWriterPublisher creates a publisher that writes to w.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

// Publish writes the comment as indented JSON.
func (p *WriterPublisher) Publish(ctx context.Context, token, owner, repo string, pullNumber int, comment ReviewComment) (string, error) {
	out, err := json.MarshalIndent(comment, "", "  ")
	if err != nil {
		return "", &PublishError{Owner: owner, Repo: repo, PullNumber: pullNumber, Err: err}
	}
	if _, err := fmt.Fprintf(p.w, "%s\n", out); err != nil {
		return "", &PublishError{Owner: owner, Repo: repo, PullNumber: pullNumber, Err: err}
	}
	return "", nil
}

// PublishNoOp writes the fixed "nothing to flag" message.
func (p *WriterPublisher) PublishNoOp(ctx context.Context, token, owner, repo string, pullNumber int, commitSHA string) (string, error) {
	if _, err := fmt.Fprintln(p.w, noOpBody); err != nil {
		return "", &PublishError{Owner: owner, Repo: repo, PullNumber: pullNumber, Err: err}
	}
	return "", nil
}
