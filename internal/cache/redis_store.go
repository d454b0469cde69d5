package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "gema:grader:"

// RedisExpectedStore keeps answer-key outputs in Redis so every grader node shares them.
// Keys already carry the question version and a content hash, so entries never need
// invalidating; the TTL only bounds memory.
type RedisExpectedStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisExpectedStore constructs the store. An empty prefix uses the grader default.
func NewRedisExpectedStore(client *redis.Client, prefix string, ttl time.Duration) *RedisExpectedStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisExpectedStore{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the stored output for key, if any.
func (s *RedisExpectedStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

// Put stores output under key unless another writer got there first.
func (s *RedisExpectedStore) Put(ctx context.Context, key, output string) error {
	if err := s.client.SetNX(ctx, s.prefix+key, output, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return nil
}
