package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// HeaderEvent carries the webhook event type.
	HeaderEvent = "X-GitHub-Event"
	// HeaderDelivery carries the unique delivery id.
	HeaderDelivery = "X-GitHub-Delivery"
	// HeaderSignature carries the HMAC-SHA256 payload signature.
	HeaderSignature = "X-Hub-Signature-256"

	eventPullRequest = "pull_request"
	eventPush        = "push"
	actionSync       = "synchronize"

	zeroSHA = "0000000000000000000000000000000000000000"
)

var (
	// ErrInvalidSignature indicates the webhook signature verification failed.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingSignature indicates the webhook signature header is missing.
	ErrMissingSignature = errors.New("missing webhook signature")
)

// WebhookHandler verifies and decodes GitHub webhook deliveries.
type WebhookHandler struct {
	secret []byte
}

// NewWebhookHandler creates a new webhook handler with the given secret.
// An empty secret disables signature verification.
func NewWebhookHandler(secret string) *WebhookHandler {
	return &WebhookHandler{
		secret: []byte(secret),
	}
}

// VerifiesSignatures reports whether a secret is configured.
func (h *WebhookHandler) VerifiesSignatures() bool {
	return len(h.secret) > 0
}

// VerifySignature verifies the webhook payload signature.
// The signature header should be in the format "sha256=<hex-encoded-signature>".
func (h *WebhookHandler) VerifySignature(payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}

	parts := strings.SplitN(signatureHeader, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return ErrInvalidSignature
	}

	signature, err := hex.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	if !hmac.Equal(signature, expected) {
		return ErrInvalidSignature
	}

	return nil
}

// ParseInstallationEvent parses an installation webhook payload.
func (h *WebhookHandler) ParseInstallationEvent(payload []byte) (*InstallationEvent, error) {
	var event InstallationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse installation payload: %w", err)
	}

	if event.Installation == nil {
		return nil, errors.New("payload is missing installation")
	}

	return &event, nil
}

// NormalizeEvent classifies a webhook delivery into a RepositoryEvent.
//
// A pull_request "synchronize" delivery takes its identity from the pull request
// (number and head commit). Any other event type takes it from the generic
// repository fields and "after" (push semantics). A pull_request delivery with
// another action, or a delivery without an event header, yields a zero event.
// Normalization never fails; unreadable fields stay at their zero value.
func NormalizeEvent(headers http.Header, payload []byte) RepositoryEvent {
	event := RepositoryEvent{Kind: KindOther}

	eventType := headers.Get(HeaderEvent)
	if eventType == "" {
		return event
	}
	if !gjson.ValidBytes(payload) {
		return event
	}

	doc := gjson.ParseBytes(payload)

	if eventType == eventPullRequest {
		if doc.Get("action").String() != actionSync {
			return event
		}
		event.Kind = KindPullRequestSynchronize
		event.Owner = doc.Get("repository.owner.login").String()
		event.Repo = doc.Get("repository.name").String()
		event.PullNumber = int(doc.Get("pull_request.number").Int())
		event.InstallationID = doc.Get("installation.id").Int()
		event.CommitSHA = doc.Get("pull_request.head.sha").String()
		return event
	}

	if eventType == eventPush {
		event.Kind = KindPush
	}
	event.Owner = doc.Get("repository.owner.login").String()
	if event.Owner == "" {
		// push payloads from older hooks carry the owner as "name" only
		event.Owner = doc.Get("repository.owner.name").String()
	}
	event.Repo = doc.Get("repository.name").String()
	event.InstallationID = doc.Get("installation.id").Int()

	after := doc.Get("after").String()
	if after != zeroSHA && !doc.Get("deleted").Bool() {
		event.CommitSHA = after
	}

	return event
}
