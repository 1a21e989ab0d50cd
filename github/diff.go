package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

const (
	// MaxFileSize is the largest decoded file kept in a diff, in bytes.
	MaxFileSize = 50 * 1024

	fetchConcurrency = 5
)

// RepoFiles is the subset of the API client the DiffRetriever needs.
type RepoFiles interface {
	ListCommitFiles(ctx context.Context, token, owner, repo, sha string) ([]string, error)
	FetchFileContent(ctx context.Context, token, owner, repo, path, ref string) (string, error)
}

// DiffRetriever returns the files changed by a commit together with their contents.
type DiffRetriever struct {
	files  RepoFiles
	logger *slog.Logger
}

// NewDiffRetriever creates a retriever backed by the given API client.
func NewDiffRetriever(files RepoFiles, logger *slog.Logger) *DiffRetriever {
	return &DiffRetriever{files: files, logger: logger}
}

// ListChangedFiles returns the unique paths touched by the commit, first-seen order.
// An empty list is a valid result.
func (d *DiffRetriever) ListChangedFiles(ctx context.Context, owner, repo, sha, token string) ([]string, error) {
	paths, err := d.files.ListCommitFiles(ctx, token, owner, repo, sha)
	if err != nil {
		return nil, err
	}
	return dedupe(paths), nil
}

// FetchContents fetches each unique path at ref. Files that cannot be fetched,
// decoded, are not text, or exceed MaxFileSize are dropped with a logged
// diagnostic; the batch itself never fails. Result order follows paths.
func (d *DiffRetriever) FetchContents(ctx context.Context, owner, repo string, paths []string, ref, token string) []ChangedFile {
	paths = dedupe(paths)
	results := make([]*ChangedFile, len(paths))

	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			content, err := d.files.FetchFileContent(ctx, token, owner, repo, path, ref)
			if err != nil {
				d.drop(path, err)
				return nil
			}
			if !utf8.ValidString(content) {
				d.drop(path, errors.New("content is not valid UTF-8"))
				return nil
			}
			if len(content) > MaxFileSize {
				d.drop(path, fmt.Errorf("content is %d bytes, limit %d", len(content), MaxFileSize))
				return nil
			}
			results[i] = &ChangedFile{Path: path, Content: content}
			return nil
		})
	}
	_ = g.Wait()

	files := make([]ChangedFile, 0, len(results))
	for _, f := range results {
		if f != nil {
			files = append(files, *f)
		}
	}
	return files
}

// RetrieveDiff lists the commit's changed files, drops those skip matches, and
// fetches the rest at the commit. skip may be nil.
func (d *DiffRetriever) RetrieveDiff(ctx context.Context, owner, repo, sha, token string, skip func(path string) bool) ([]ChangedFile, error) {
	paths, err := d.ListChangedFiles(ctx, owner, repo, sha, token)
	if err != nil {
		return nil, err
	}

	if skip != nil {
		kept := paths[:0]
		for _, p := range paths {
			if skip(p) {
				d.logger.Debug("excluding changed file", "path", p)
				continue
			}
			kept = append(kept, p)
		}
		paths = kept
	}

	if len(paths) == 0 {
		return nil, nil
	}
	return d.FetchContents(ctx, owner, repo, paths, sha, token), nil
}

func (d *DiffRetriever) drop(path string, err error) {
	d.logger.Warn("dropping changed file", "path", path, "error", err)
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
