package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by RedisStore.Get when the key does not exist.
var ErrMiss = errors.New("cache miss")

// RedisStore keeps JSON encoded values under prefix+key. A nil client turns
// every operation into a no-op miss.
type RedisStore[T any] struct {
	rc     *redis.Client
	prefix string
}

func NewRedisStore[T any](rc *redis.Client, prefix string) *RedisStore[T] {
	return &RedisStore[T]{rc: rc, prefix: prefix}
}

func (s *RedisStore[T]) Enabled() bool { return s != nil && s.rc != nil }

func (s *RedisStore[T]) key(k string) string { return s.prefix + k }

func (s *RedisStore[T]) Get(ctx context.Context, key string) (*T, error) {
	if !s.Enabled() {
		return nil, ErrMiss
	}
	raw, err := s.rc.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return &v, nil
}

func (s *RedisStore[T]) Set(ctx context.Context, key string, v *T, expire time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := s.rc.Set(ctx, s.key(key), b, expire).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}
