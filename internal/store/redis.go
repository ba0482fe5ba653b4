package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oremus-labs/taskstream/internal/cache"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the snapshot as one JSON document under a key.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore wraps client. The client is closed by Close.
func NewRedisStore(client redis.UniversalClient, key string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		key = "taskstream:snapshot"
	}
	return &RedisStore{client: client, key: key}, nil
}

// SaveSnapshot overwrites the stored document.
func (r *RedisStore) SaveSnapshot(ctx context.Context, snap cache.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// LoadSnapshot reads the stored document.
func (r *RedisStore) LoadSnapshot(ctx context.Context) (cache.Snapshot, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.Snapshot{}, false, nil
	}
	if err != nil {
		return cache.Snapshot{}, false, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var snap cache.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return cache.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
