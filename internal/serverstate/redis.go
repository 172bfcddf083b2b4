package serverstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/dockshell/core/logx"
)

// DefaultRedisKey holds the shell state.
const DefaultRedisKey = "dockshell:state"

type redisStore struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
}

// NewRedisStore returns a Store kept in Redis under key. The key is
// initialized to "not_ready" when absent.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, key string) (Store, error) {
	if key == "" {
		key = DefaultRedisKey
	}
	rs := &redisStore{client: client, key: key, timeout: 2 * time.Second}
	b, _ := json.Marshal(State{Status: StatusNotReady})
	if err := client.SetNX(ctx, key, b, 0).Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (r *redisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: StatusNotReady}
		}
		return State{Status: StatusUnknown}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: StatusUnknown}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key, b, 0).Err(); err != nil {
		logx.Log.Warn().Err(err).Str("key", r.key).Msg("store server state")
	}
}
