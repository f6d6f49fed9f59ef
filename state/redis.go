package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/Skryldev/image-optimizer/errors"
)

const (
	defaultRedisURL    = "redis://localhost:6379"
	defaultRedisPrefix = "imageopt:marker:"
)

// RedisMarkers keeps markers in Redis instead of beside the images.  The
// value is the RFC 3339 time the image was marked.
type RedisMarkers struct {
	client *redis.Client
	prefix string
	suffix string
}

// NewRedisMarkers connects to url and verifies the connection.
func NewRedisMarkers(url, prefix, suffix string) (*RedisMarkers, error) {
	if url == "" {
		url = defaultRedisURL
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisMarkers{client: client, prefix: prefix, suffix: suffix}, nil
}

// Close closes the underlying Redis client.
func (m *RedisMarkers) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *RedisMarkers) key(path string) string {
	return m.prefix + Key(path, m.suffix)
}

func (m *RedisMarkers) IsOptimized(ctx context.Context, path string) (bool, error) {
	n, err := m.client.Exists(ctx, m.key(path)).Result()
	if err != nil {
		return false, apperrors.Transient("markers.redis.exists", describe(path, err))
	}
	return n > 0, nil
}

func (m *RedisMarkers) Mark(ctx context.Context, path string) error {
	if err := m.client.Set(ctx, m.key(path), time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return apperrors.Transient("markers.redis.set", describe(path, err))
	}
	return nil
}

func (m *RedisMarkers) Unmark(ctx context.Context, path string) error {
	if err := m.client.Del(ctx, m.key(path)).Err(); err != nil {
		return apperrors.Transient("markers.redis.del", describe(path, err))
	}
	return nil
}

var _ MarkerStore = (*RedisMarkers)(nil)
