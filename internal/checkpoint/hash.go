// Package checkpoint keeps the ephemeral progress record of running turns in
// a field-level hash store (Redis in production).
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// HashStore is the field-level hash capability the checkpoint store needs.
type HashStore interface {
	SetFields(ctx context.Context, key string, fields map[string]string) error
	GetAll(ctx context.Context, key string) (map[string]string, error)
	DeleteFields(ctx context.Context, key string, fields ...string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// RedisHashStore implements HashStore with Redis hashes.
type RedisHashStore struct {
	rdb redis.UniversalClient
}

// NewRedisHashStore wraps an existing client.
func NewRedisHashStore(rdb redis.UniversalClient) (*RedisHashStore, error) {
	if rdb == nil {
		return nil, errors.New("checkpoint: redis client must not be nil")
	}
	return &RedisHashStore{rdb: rdb}, nil
}

func (s *RedisHashStore) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	if err := s.rdb.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("checkpoint: HSET %s: %w", key, err)
	}
	return nil
}

func (s *RedisHashStore) GetAll(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: HGETALL %s: %w", key, err)
	}
	return out, nil
}

func (s *RedisHashStore) DeleteFields(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("checkpoint: HDEL %s: %w", key, err)
	}
	return nil
}

func (s *RedisHashStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("checkpoint: DEL: %w", err)
	}
	return nil
}

func (s *RedisHashStore) Close() error {
	return s.rdb.Close()
}

// MemoryHashStore is an in-process HashStore for tests and single-node use.
type MemoryHashStore struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
}

func NewMemoryHashStore() *MemoryHashStore {
	return &MemoryHashStore{hashes: make(map[string]map[string]string)}
}

func (s *MemoryHashStore) SetFields(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	maps.Copy(h, fields)
	return nil
}

func (s *MemoryHashStore) GetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.hashes[key]), nil
}

func (s *MemoryHashStore) DeleteFields(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *MemoryHashStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.hashes, k)
	}
	return nil
}

func (s *MemoryHashStore) Close() error { return nil }

// OpenHashStore builds a HashStore from a URL: memory:// for the in-process
// store, redis:// or rediss:// for Redis. The Redis connection is checked
// with PING before returning.
func OpenHashStore(ctx context.Context, rawURL string) (HashStore, error) {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "":
		return NewMemoryHashStore(), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(trimmed)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("checkpoint: ping redis: %w", err)
		}
		return NewRedisHashStore(rdb)
	default:
		return nil, fmt.Errorf("checkpoint: unsupported url scheme %q", u.Scheme)
	}
}
