// Package cache provides the key-value stores backing the application caches.
// Every backend namespaces keys with the configured prefix and applies the
// configured default timeout when a value is stored without an explicit TTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eugenenazirov/dashconf/internal/config"
)

// ErrUnknownBackend is returned for a cache type no backend implements.
var ErrUnknownBackend = errors.New("unknown cache backend")

// Cache stores opaque values under string keys.
type Cache interface {
	// Get returns the value and true on a hit, or false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value; ttl <= 0 applies the cache's default timeout.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// New builds the backend selected by cfg.Type.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Type {
	case config.CacheTypeRedis:
		return NewRedis(cfg)
	case config.CacheTypeSimple:
		return NewSimple(cfg), nil
	case config.CacheTypeNull:
		return Null{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Type)
	}
}

// Null never stores anything.
type Null struct{}

func (Null) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (Null) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (Null) Delete(context.Context, string) error { return nil }

func (Null) Ping(context.Context) error { return nil }

func (Null) Close() error { return nil }
