// Package storage defines the persistence interfaces of the reviewer.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrInFlight indicates another delivery holds the key.
var ErrInFlight = errors.New("review already in progress")

// Storage records review history and installations.
// Implementations must be safe for concurrent use by multiple goroutines.
type Storage interface {
	// Review operations
	StoreReview(ctx context.Context, review *ReviewRecord) error
	ListReviewsForCommit(ctx context.Context, owner, repo, commitSHA string) ([]*ReviewRecord, error)

	// Installation operations
	SaveInstallation(ctx context.Context, install *Installation) error
	GetInstallation(ctx context.Context, installationID int64) (*Installation, error)
}

// InFlight is a short-lived marker that lets at most one delivery work on a key.
type InFlight interface {
	// Acquire claims key for ttl and returns a function that gives it up.
	// Returns ErrInFlight when the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// InFlightKey builds the per-commit key.
func InFlightKey(owner, repo, commitSHA string) string {
	return owner + "/" + repo + "/" + commitSHA
}
