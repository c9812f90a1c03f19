package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/eugenenazirov/dashconf/internal/config"
)

// Simple is an in-process Cache, used for single-node and debug deployments.
type Simple struct {
	cache  *ttlcache.Cache[string, []byte]
	prefix string
	once   sync.Once
}

// NewSimple starts an in-memory cache that evicts expired entries in the background.
func NewSimple(cfg config.CacheConfig) *Simple {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithTTL[string, []byte](cfg.Timeout),
	}
	if !cfg.RefreshOnRetrieval {
		opts = append(opts, ttlcache.WithDisableTouchOnHit[string, []byte]())
	}

	c := ttlcache.New[string, []byte](opts...)
	go c.Start()

	return &Simple{cache: c, prefix: cfg.KeyPrefix}
}

func (s *Simple) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := s.cache.Get(s.prefix + key)
	if item == nil {
		return nil, false, nil
	}
	return clone(item.Value()), true, nil
}

func (s *Simple) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	s.cache.Set(s.prefix+key, clone(value), ttl)
	return nil
}

func (s *Simple) Delete(_ context.Context, key string) error {
	s.cache.Delete(s.prefix + key)
	return nil
}

func (s *Simple) Ping(context.Context) error {
	return nil
}

func (s *Simple) Close() error {
	s.once.Do(s.cache.Stop)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
