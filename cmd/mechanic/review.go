package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/shipitai/mechanic/config"
	"github.com/shipitai/mechanic/github"
	"github.com/shipitai/mechanic/review"
	"github.com/shipitai/mechanic/storage"
)

var reviewFlags struct {
	owner        string
	repo         string
	sha          string
	installation int64
	pr           int
	dryRun       bool
	artifacts    string
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review one commit without a webhook",
	Long: `Runs the same review a push webhook would trigger. With --dry-run the
comment is printed instead of posted.`,
	RunE: runReview,
}

func init() {
	f := reviewCmd.Flags()
	f.StringVar(&reviewFlags.owner, "owner", "", "Repository owner")
	f.StringVar(&reviewFlags.repo, "repo", "", "Repository name")
	f.StringVar(&reviewFlags.sha, "sha", "", "Commit to review")
	f.Int64Var(&reviewFlags.installation, "installation", 0, "GitHub App installation id")
	f.IntVar(&reviewFlags.pr, "pr", 0, "Pull request to comment on (default: the open PR whose head is --sha)")
	f.BoolVarP(&reviewFlags.dryRun, "dry-run", "n", false, "Print the comment instead of posting it")
	f.StringVar(&reviewFlags.artifacts, "artifacts", "", "Directory to write functions.json and functions.xml to")

	for _, name := range []string{"owner", "repo", "sha", "installation"} {
		_ = reviewCmd.MarkFlagRequired(name)
	}
}

func runReview(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr, false)

	settings, err := loadSettings(true)
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, settings.DeliveryTimeout)
	defer cancel()

	broker, client, err := newGitHub(settings, logger)
	if err != nil {
		return err
	}
	model, _ := newCompleter(settings.LLM)

	var publisher review.Publisher = review.NewCommentPublisher(client, logger)
	if reviewFlags.dryRun {
		publisher = review.NewWriterPublisher(cmd.OutOrStdout())
	}

	reviewer := review.NewReviewer(
		broker,
		github.NewDiffRetriever(client, logger),
		review.NewPipeline(model, logger),
		publisher,
		logger,
	)
	reviewer.SetConfigLoader(config.NewLoader(client, logger))

	event := github.RepositoryEvent{
		Owner:          reviewFlags.owner,
		Repo:           reviewFlags.repo,
		PullNumber:     reviewFlags.pr,
		InstallationID: reviewFlags.installation,
		CommitSHA:      reviewFlags.sha,
		Kind:           github.KindPush,
	}
	if event.PullNumber != 0 {
		event.Kind = github.KindPullRequestSynchronize
	}

	if !reviewFlags.dryRun {
		stores, err := openBackends(ctx, settings, logger)
		if err != nil {
			return err
		}
		defer stores.Close()
		reviewer.SetStorage(stores.store)
		reviewer.SetInFlight(stores.inflight, settings.InFlightTTL)

		if err := printHistory(ctx, cmd.ErrOrStderr(), stores.store, event); err != nil {
			logger.Warn("failed to read review history", "error", err)
		}
	}

	out := reviewer.Handle(ctx, xid.New().String(), event)

	if reviewFlags.artifacts != "" && out.Analysis != nil {
		if err := writeArtifacts(reviewFlags.artifacts, out.Analysis); err != nil {
			return err
		}
	}

	if out.State == review.StateAborted {
		if out.Err != nil {
			return fmt.Errorf("review aborted: %w", out.Err)
		}
		return fmt.Errorf("review aborted: %s", out.Reason)
	}
	if out.Err != nil {
		return out.Err
	}
	if out.CommentURL != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), out.CommentURL)
	}
	return nil
}

// printHistory lists the outcomes already stored for the event's commit.
func printHistory(ctx context.Context, w io.Writer, store storage.Storage, event github.RepositoryEvent) error {
	reviews, err := store.ListReviewsForCommit(ctx, event.Owner, event.Repo, event.CommitSHA)
	if err != nil {
		return fmt.Errorf("failed to list reviews: %w", err)
	}
	if len(reviews) == 0 {
		return nil
	}

	fmt.Fprintf(w, "%s@%s has %d earlier review(s):\n", event.FullName(), event.CommitSHA, len(reviews))
	for _, r := range reviews {
		line := fmt.Sprintf("  %s %s %s", r.CreatedAt, r.DeliveryID, r.State)
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		if r.Path != "" {
			line += " " + r.Path + ":" + r.Position
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// writeArtifacts saves the inter-stage documents of an analysis.
func writeArtifacts(dir string, a *review.Analysis) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	files := map[string]string{
		"functions.json": a.FunctionsJSON,
		"functions.xml":  a.FunctionsXML,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
