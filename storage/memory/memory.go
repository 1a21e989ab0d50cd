// Package memory provides an in-process implementation of the storage interfaces.
// It is used when no database is configured and by tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shipitai/mechanic/storage"
)

// Store keeps review history, installations and in-flight markers in memory.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	nextID        int64
	reviews       []*storage.ReviewRecord
	installations map[int64]*storage.Installation
	inflight      map[string]lease
}

type lease struct {
	owner   uint64
	expires time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:           time.Now,
		installations: make(map[int64]*storage.Installation),
		inflight:      make(map[string]lease),
	}
}

// StoreReview appends a copy of review and assigns its ID.
func (s *Store) StoreReview(ctx context.Context, review *storage.ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	review.ID = s.nextID
	if review.CreatedAt == "" {
		review.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	stored := *review
	s.reviews = append(s.reviews, &stored)
	return nil
}

// ListReviewsForCommit returns copies of the commit's records in insertion order.
func (s *Store) ListReviewsForCommit(ctx context.Context, owner, repo, commitSHA string) ([]*storage.ReviewRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.ReviewRecord
	for _, r := range s.reviews {
		if r.Owner == owner && r.Repo == repo && r.CommitSHA == commitSHA {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

// SaveInstallation stores or replaces an installation.
func (s *Store) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *install
	if c.InstalledAt == "" {
		c.InstalledAt = s.now().UTC().Format(time.RFC3339)
	}
	s.installations[install.InstallationID] = &c
	return nil
}

// GetInstallation returns the installation, or nil when it is unknown.
func (s *Store) GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	install, ok := s.installations[installationID]
	if !ok {
		return nil, nil
	}
	c := *install
	return &c, nil
}

// Acquire claims key until ttl passes or the returned release is called.
// An expired claim is treated as free.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.inflight[key]; ok && now.Before(l.expires) {
		return nil, storage.ErrInFlight
	}

	s.nextID++
	owner := uint64(s.nextID)
	s.inflight[key] = lease{owner: owner, expires: now.Add(ttl)}

	release := func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		// a claim that expired and was taken over belongs to someone else
		if l, ok := s.inflight[key]; ok && l.owner == owner {
			delete(s.inflight, key)
		}
		return nil
	}
	return release, nil
}

var (
	_ storage.Storage  = (*Store)(nil)
	_ storage.InFlight = (*Store)(nil)
)
