package searchcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces search results in a shared Redis.
const DefaultRedisPrefix = "stac-mosaic:search:"

// RedisStore is a Store backed by Redis. Entries expire in Redis together
// with their TTL so a result is never served past its lifetime.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, logger: slog.Default()}
}

// NewRedisStoreFromURL parses a redis:// URL and connects lazily.
func NewRedisStoreFromURL(url, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opt), prefix), nil
}

// WithLogger sets a custom logger for the store.
func (s *RedisStore) WithLogger(logger *slog.Logger) *RedisStore {
	s.logger = logger
	return s
}

// Get loads a result by fingerprint.
func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*SearchResult, bool) {
	data, err := s.client.Get(ctx, s.prefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WarnContext(ctx, "shared cache read failed",
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var r SearchResult
	if err := json.Unmarshal(data, &r); err != nil {
		s.logger.WarnContext(ctx, "discarding undecodable shared cache entry",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	s.logger.DebugContext(ctx, "shared cache hit", slog.String("fingerprint", fingerprint))
	return &r, true
}

// Set stores a result until it expires.
func (s *RedisStore) Set(ctx context.Context, r *SearchResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		// NaN nodata values have no JSON encoding
		return fmt.Errorf("encode search result: %w", err)
	}
	return s.client.Set(ctx, s.prefix+r.Fingerprint, data, r.TTL).Err()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
