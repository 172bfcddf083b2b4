package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

// Store persists the last listing so a restarted shell can serve lookups
// before the backend pushes a fresh one.
type Store interface {
	Load(ctx context.Context) (shell.Listing, error)
	Save(ctx context.Context, l shell.Listing) error
}

// DefaultRedisKey is the key holding the listing snapshot.
const DefaultRedisKey = "dockshell:directory"

// RedisStore keeps the listing snapshot as one JSON value.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore stores snapshots under key, or DefaultRedisKey when empty.
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// Load returns the stored listing, or nil when there is none.
func (r *RedisStore) Load(ctx context.Context) (shell.Listing, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}
	var l shell.Listing
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	return l, nil
}

// Save replaces the stored listing.
func (r *RedisStore) Save(ctx context.Context, l shell.Listing) error {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode directory: %w", err)
	}
	if err := r.client.Set(ctx, r.key, b, 0).Err(); err != nil {
		return fmt.Errorf("save directory: %w", err)
	}
	return nil
}

// Restore loads the snapshot from s into d. It reports whether a snapshot was
// found.
func Restore(ctx context.Context, s Store, d *Directory) (bool, error) {
	l, err := s.Load(ctx)
	if err != nil || l == nil {
		return false, err
	}
	d.UpdateFromListing(l)
	return true, nil
}
