// Package redisstore provides a Redis-backed in-flight marker shared by
// every replica of the webhook listener.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/shipitai/mechanic/storage"
)

const keyPrefix = "mechanic:inflight:"

// releaseScript deletes the key only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// InFlight implements storage.InFlight with SET NX PX.
type InFlight struct {
	client *redis.Client
}

// New creates an in-flight marker on client.
func New(client *redis.Client) *InFlight {
	return &InFlight{client: client}
}

// NewFromURL connects to the Redis server at url and verifies it answers.
func NewFromURL(ctx context.Context, url string) (*InFlight, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client), nil
}

// Close closes the underlying client.
func (f *InFlight) Close() error {
	return f.client.Close()
}

// Acquire claims key for ttl. The returned release deletes the claim only if it
// has not expired and been taken by another delivery in the meantime.
func (f *InFlight) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	redisKey := keyPrefix + key
	owner := xid.New().String()

	ok, err := f.client.SetNX(ctx, redisKey, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return nil, storage.ErrInFlight
	}

	release := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, f.client, []string{redisKey}, owner).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release: %w", err)
		}
		return nil
	}
	return release, nil
}

var _ storage.InFlight = (*InFlight)(nil)
