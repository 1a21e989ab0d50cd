// Package github provides webhook normalization, GitHub App authentication and the
// repository API calls used by the reviewer.
package github

import "time"

// EventKind classifies an inbound webhook delivery.
type EventKind string

const (
	// KindPush is a push event (or any non pull_request event, which carries push fields).
	KindPush EventKind = "push"
	// KindPullRequestSynchronize is a pull_request event with action "synchronize".
	KindPullRequestSynchronize EventKind = "pull_request_synchronize"
	// KindOther is anything that does not carry reviewable identity fields.
	KindOther EventKind = "other"
)

// RepositoryEvent is the canonical form of a webhook delivery.
// Fields that could not be located in the payload are left at their zero value.
type RepositoryEvent struct {
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	PullNumber     int       `json:"pull_number"`
	InstallationID int64     `json:"installation_id"`
	CommitSHA      string    `json:"commit_sha"`
	Kind           EventKind `json:"kind"`
}

// FullName returns "owner/repo".
func (e RepositoryEvent) FullName() string {
	return e.Owner + "/" + e.Repo
}

// InstallationToken is a short-lived credential for one installation.
// It is never persisted.
type InstallationToken struct {
	Value          string
	InstallationID int64
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// Valid reports whether the token can still be used at the given time,
// keeping a safety margin before expiry.
func (t *InstallationToken) Valid(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Add(margin).Before(t.ExpiresAt)
}

// ChangedFile is one file touched by a commit, decoded to text.
type ChangedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PullRequest is the subset of a pull request the reviewer needs.
type PullRequest struct {
	Number  int    `json:"number"`
	HeadSHA string `json:"head_sha"`
	HTMLURL string `json:"html_url"`
}

// IssueComment is a created issue/PR comment.
type IssueComment struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
}

// InstallationEvent represents an installation webhook event.
type InstallationEvent struct {
	Action       string               `json:"action"` // created, deleted, suspend, unsuspend
	Installation *InstallationDetails `json:"installation"`
	Sender       *User                `json:"sender"`
}

// InstallationDetails contains details about a GitHub App installation.
type InstallationDetails struct {
	ID      int64 `json:"id"`
	Account *User `json:"account"` // The org or user that installed the app
}

// User represents a GitHub user or organization.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}
