package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shipitai/mechanic/config"
	"github.com/shipitai/mechanic/github"
	"github.com/shipitai/mechanic/llm"
	"github.com/shipitai/mechanic/storage"
)

// DefaultInFlightTTL is how long a commit stays claimed by one delivery.
const DefaultInFlightTTL = 10 * time.Minute

// State is a step of the per-delivery state machine.
type State string

const (
	StateReceived      State = "received"
	StateNormalized    State = "normalized"
	StateAuthenticated State = "authenticated"
	StateDiffFetched   State = "diff_fetched"
	StateAnalyzed      State = "analyzed"
	StatePublished     State = "published"

	// StateNoOp and StateAborted are early exits.
	StateNoOp    State = "noop"
	StateAborted State = "aborted"
)

// Reasons reported with early exits.
const (
	ReasonNoInstallation = "event has no installation id"
	ReasonAuthFailed     = "installation token unavailable"
	ReasonNoCommit       = "event has no commit sha"
	ReasonInProgress     = "review already in progress"
	ReasonDisabled       = "reviews disabled by repository config"
	ReasonDiffFailed     = "diff retrieval failed"
	ReasonNoChanges      = "commit has no reviewable changed files"
	ReasonCanceled       = "canceled"
)

// TokenSource hands out installation tokens.
type TokenSource interface {
	Token(ctx context.Context, installationID int64) (*github.InstallationToken, error)
	Invalidate(installationID int64)
}

// DiffSource returns the changed files of a commit, skipping paths for which skip is true.
type DiffSource interface {
	RetrieveDiff(ctx context.Context, owner, repo, sha, token string, skip func(path string) bool) ([]github.ChangedFile, error)
}

// Analyzer turns changed files into a review comment.
type Analyzer interface {
	Analyze(ctx context.Context, files []github.ChangedFile, commitSHA, instructions string) (*Analysis, error)
}

// ConfigSource loads the repository config at a ref.
type ConfigSource interface {
	Load(ctx context.Context, token, owner, repo, ref string) *config.Config
}

// Outcome is the terminal result of one delivery.
type Outcome struct {
	DeliveryID string
	Event      github.RepositoryEvent
	State      State
	Reason     string
	Comment    *ReviewComment
	CommentURL string
	Analysis   *Analysis
	Usage      llm.Usage

	// Err is the error behind an Aborted state, or a publish failure on an
	// otherwise Published delivery.
	Err error
}

// Reviewer runs one webhook delivery through token, diff, analysis and publish.
type Reviewer struct {
	tokens      TokenSource
	diffs       DiffSource
	analyzer    Analyzer
	publisher   Publisher
	configs     ConfigSource
	storage     storage.Storage
	inflight    storage.InFlight
	inflightTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewReviewer creates a new Reviewer instance.
func NewReviewer(tokens TokenSource, diffs DiffSource, analyzer Analyzer, publisher Publisher, logger *slog.Logger) *Reviewer {
	return &Reviewer{
		tokens:      tokens,
		diffs:       diffs,
		analyzer:    analyzer,
		publisher:   publisher,
		inflightTTL: DefaultInFlightTTL,
		logger:      logger,
		now:         time.Now,
	}
}

// SetConfigLoader enables per-repository config. Without one every repository
// uses config.DefaultConfig.
func (r *Reviewer) SetConfigLoader(configs ConfigSource) {
	r.configs = configs
}

// SetStorage enables review history.
func (r *Reviewer) SetStorage(store storage.Storage) {
	r.storage = store
}

// SetInFlight enables the per-commit in-flight guard.
func (r *Reviewer) SetInFlight(guard storage.InFlight, ttl time.Duration) {
	r.inflight = guard
	if ttl > 0 {
		r.inflightTTL = ttl
	}
}

// Handle processes a normalized event and returns its outcome. It never
// panics on malformed input; every failure ends in NoOp or Aborted, or is
// reported on a Published outcome.
func (r *Reviewer) Handle(ctx context.Context, deliveryID string, event github.RepositoryEvent) *Outcome {
	out := &Outcome{DeliveryID: deliveryID, Event: event, State: StateNormalized}
	logger := r.logger.With(
		"delivery_id", deliveryID,
		"repo", event.FullName(),
		"pr", event.PullNumber,
		"commit_sha", event.CommitSHA,
		"kind", event.Kind,
	)

	r.run(ctx, logger, out)

	args := []any{"state", out.State}
	if out.Reason != "" {
		args = append(args, "reason", out.Reason)
	}
	if out.Err != nil {
		args = append(args, "error", out.Err)
		logger.Warn("delivery finished", args...)
	} else {
		logger.Info("delivery finished", args...)
	}

	r.record(ctx, logger, out)
	return out
}

func (r *Reviewer) run(ctx context.Context, logger *slog.Logger, out *Outcome) {
	event := out.Event

	if event.InstallationID == 0 {
		r.abort(out, ReasonNoInstallation, nil)
		return
	}

	token, err := r.tokens.Token(ctx, event.InstallationID)
	if err != nil {
		r.abort(out, ReasonAuthFailed, err)
		return
	}
	out.State = StateAuthenticated

	if event.CommitSHA == "" {
		r.noop(out, ReasonNoCommit)
		return
	}

	if r.inflight != nil {
		key := storage.InFlightKey(event.Owner, event.Repo, event.CommitSHA)
		release, err := r.inflight.Acquire(ctx, key, r.inflightTTL)
		switch {
		case errors.Is(err, storage.ErrInFlight):
			r.noop(out, ReasonInProgress)
			return
		case err != nil:
			logger.Warn("in-flight guard unavailable, continuing without it", "error", err)
		default:
			defer func() {
				// release even when the delivery was canceled
				if err := release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("failed to release in-flight key", "key", key, "error", err)
				}
			}()
		}
	}

	cfg := config.DefaultConfig()
	if r.configs != nil {
		cfg = r.configs.Load(ctx, token.Value, event.Owner, event.Repo, event.CommitSHA)
	}
	if !cfg.Enabled {
		r.noop(out, ReasonDisabled)
		return
	}

	files, err := r.diffs.RetrieveDiff(ctx, event.Owner, event.Repo, event.CommitSHA, token.Value, cfg.ShouldExcludeFile)
	if err != nil {
		if github.IsUnauthorized(err) {
			r.tokens.Invalidate(event.InstallationID)
		}
		if ctx.Err() != nil {
			r.abort(out, ReasonCanceled, ctx.Err())
			return
		}
		r.abort(out, ReasonDiffFailed, err)
		return
	}
	out.State = StateDiffFetched
	logger.Info("retrieved diff", "files", len(files))

	if len(files) == 0 {
		out.CommentURL, out.Err = r.publisher.PublishNoOp(ctx, token.Value, event.Owner, event.Repo, event.PullNumber, event.CommitSHA)
		r.noop(out, ReasonNoChanges)
		return
	}

	analysis, err := r.analyzer.Analyze(ctx, files, event.CommitSHA, cfg.Instructions)
	if analysis != nil {
		out.Analysis = analysis
		out.Usage = analysis.Usage
	}
	if err != nil {
		r.abort(out, ReasonCanceled, err)
		return
	}
	out.State = StateAnalyzed
	logger.Info("analyzed commit",
		"neutral", analysis.Neutral(),
		"degraded_stages", len(analysis.Degraded),
		"statements", analysis.StatementCount,
	)
	comment := analysis.Comment
	out.Comment = &comment

	if err := ctx.Err(); err != nil {
		r.abort(out, ReasonCanceled, err)
		return
	}

	out.CommentURL, out.Err = r.publisher.Publish(ctx, token.Value, event.Owner, event.Repo, event.PullNumber, comment)
	out.State = StatePublished
}

func (r *Reviewer) abort(out *Outcome, reason string, err error) {
	out.State = StateAborted
	out.Reason = reason
	if err != nil {
		out.Err = fmt.Errorf("%s: %w", reason, err)
	}
}

func (r *Reviewer) noop(out *Outcome, reason string) {
	out.State = StateNoOp
	out.Reason = reason
}

// record stores the outcome. Failures are logged and never change the outcome.
func (r *Reviewer) record(ctx context.Context, logger *slog.Logger, out *Outcome) {
	if r.storage == nil || out.Event.InstallationID == 0 {
		return
	}

	rec := &storage.ReviewRecord{
		DeliveryID:     out.DeliveryID,
		InstallationID: out.Event.InstallationID,
		Owner:          out.Event.Owner,
		Repo:           out.Event.Repo,
		PullNumber:     out.Event.PullNumber,
		CommitSHA:      out.Event.CommitSHA,
		State:          string(out.State),
		Reason:         out.Reason,
		CommentURL:     out.CommentURL,
		CreatedAt:      r.now().UTC().Format(time.RFC3339),
	}
	if out.Comment != nil {
		rec.Path = out.Comment.Path
		rec.Position = out.Comment.Position.String()
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	if out.Usage != (llm.Usage{}) {
		rec.Usage = &storage.TokenUsage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
		}
	}

	if err := r.storage.StoreReview(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("failed to store review", "error", err)
	}
}
