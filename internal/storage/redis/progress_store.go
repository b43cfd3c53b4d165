// Package redis stores progress records in Redis with per-key TTLs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

const defaultDialTimeout = 5 * time.Second

// Config configures the Redis connection.
type Config struct {
	URL         string
	DialTimeout time.Duration
}

// ProgressStore implements tracker.ProgressStore with JSON values.
type ProgressStore struct {
	client goredis.UniversalClient
}

// Connect parses cfg.URL, pings the server, and returns a store.
func Connect(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("progress.redis_url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	opts.DialTimeout = cfg.DialTimeout
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient) *ProgressStore {
	return &ProgressStore{client: client}
}

// Get returns nil when key is missing or expired.
func (s *ProgressStore) Get(ctx context.Context, key string) (*tracker.Progress, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, tracker.Systemic("read progress", err)
	}
	var p tracker.Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", key, err)
	}
	return &p, nil
}

// Set writes value under key. A non-positive ttl keeps the key forever.
func (s *ProgressStore) Set(ctx context.Context, key string, value tracker.Progress, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return tracker.Systemic("write progress", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *ProgressStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return tracker.Systemic("delete progress", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *ProgressStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *ProgressStore) Close() error {
	return s.client.Close()
}
