package storage

// Installation represents a GitHub App installation.
type Installation struct {
	InstallationID int64  `json:"installation_id"`
	AccountID      int64  `json:"account_id,omitempty"`
	OrgLogin       string `json:"org_login"`
	InstalledAt    string `json:"installed_at"`
	InstalledBy    string `json:"installed_by"`
}

// TokenUsage is the model token usage of one review, summed over its stages.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ReviewRecord is the stored outcome of one delivery.
type ReviewRecord struct {
	ID             int64       `json:"id,omitempty"`
	DeliveryID     string      `json:"delivery_id"`
	InstallationID int64       `json:"installation_id"`
	Owner          string      `json:"owner"`
	Repo           string      `json:"repo"`
	PullNumber     int         `json:"pull_number"`
	CommitSHA      string      `json:"commit_sha"`
	State          string      `json:"state"`
	Reason         string      `json:"reason,omitempty"`
	Path           string      `json:"path,omitempty"`
	Position       string      `json:"position,omitempty"`
	CommentURL     string      `json:"comment_url,omitempty"`
	Error          string      `json:"error,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	CreatedAt      string      `json:"created_at"`
}
