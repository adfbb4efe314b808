// Package redis provides a Redis-backed implementation of the storage.Store
// interface. Keys are namespaced by a per-tenant prefix so that many tenant
// stores can share one logical Redis database.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/driftsync/driftsync/storage"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix namespaces all keys written by this store. It should embed
	// the tenant id. Default: "driftsync:".
	KeyPrefix string
}

// Store implements storage.Store on top of Redis strings.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Redis-backed store. The caller retains ownership of the
// client; many tenant stores may share it.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "driftsync:"
	}
	return &Store{client: cfg.Client, keyPrefix: prefix}, nil
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	pattern := s.key(prefix) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]storage.Entry, 0, len(keys))
	for i, k := range keys {
		sv, ok := vals[i].(string)
		if !ok {
			// Key vanished between SCAN and MGET.
			continue
		}
		out = append(out, storage.Entry{Key: strings.TrimPrefix(k, s.keyPrefix), Value: []byte(sv)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close is a no-op; the shared client is owned by whoever constructed it.
func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
