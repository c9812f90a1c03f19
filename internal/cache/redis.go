package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eugenenazirov/dashconf/internal/config"
)

// Redis is a Cache stored in a Redis database.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	refresh bool
}

// NewRedis connects lazily to the instance addressed by cfg.RedisURL.
func NewRedis(cfg config.CacheConfig) (*Redis, error) {
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return NewRedisWithClient(redis.NewClient(options), cfg), nil
}

// NewRedisWithClient wraps an existing client. Close closes the client.
func NewRedisWithClient(client redis.UniversalClient, cfg config.CacheConfig) *Redis {
	return &Redis{
		client:  client,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.Timeout,
		refresh: cfg.RefreshOnRetrieval,
	}
}

// NewResultsBackend builds the cache holding query results, addressed by host and port.
func NewResultsBackend(cfg config.ResultsBackendConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	})
	return &Redis{
		client:  client,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.Timeout,
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Get returns the stored value. With refresh on retrieval enabled the entry's
// expiry is reset to the default timeout.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var cmd *redis.StringCmd
	if r.refresh && r.timeout > 0 {
		cmd = r.client.GetEx(ctx, r.key(key), r.timeout)
	} else {
		cmd = r.client.Get(ctx, r.key(key))
	}

	value, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.timeout
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
