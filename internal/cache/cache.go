package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss indicates that no value is stored under the requested key.
var ErrCacheMiss = errors.New("cache: miss")

const (
	sessionKeyPrefix = "session:"
	bundleKeyPrefix  = "bundle:"
)

// SessionKey derives the cache key for a session's cached row.
func SessionKey(codeSpace string) string {
	return sessionKeyPrefix + codeSpace
}

// BundleKey derives the cache key for a session's bundled output. The
// content hash is part of the key so any content change rotates the key
// and a cached bundle can never outlive the content it was built from.
func BundleKey(codeSpace, contentHash string) string {
	return fmt.Sprintf("%s%s:%s", bundleKeyPrefix, codeSpace, contentHash)
}

// RedisStore is a TTL'd key/value cache backed by Redis. It is a read
// optimization in front of the durable store, never a source of truth.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an established Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the value stored under key, or ErrCacheMiss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key with the provided TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key. Deleting an absent key is
// not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

// Ping verifies the backing connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
