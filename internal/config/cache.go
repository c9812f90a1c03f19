package config

import "time"

// Cache backend kinds understood by the cache package.
const (
	CacheTypeRedis  = "RedisCache"
	CacheTypeSimple = "SimpleCache"
	CacheTypeNull   = "NullCache"
)

const (
	defaultCacheTimeout   = 24 * time.Hour
	defaultResultsTimeout = 5 * time.Minute
	defaultRedisURL       = "redis://superset_cache:6379/0"
	defaultRedisHost      = "superset_cache"
	defaultRedisPort      = 6379
)

// CacheConfig describes one cache instance.
type CacheConfig struct {
	Type    string        `yaml:"type" json:"type"`
	Timeout time.Duration `yaml:"default_timeout" json:"defaultTimeout"`
	// RefreshOnRetrieval resets the expiry of an entry every time it is read.
	RefreshOnRetrieval bool   `yaml:"refresh_timeout_on_retrieval" json:"refreshTimeoutOnRetrieval"`
	KeyPrefix          string `yaml:"key_prefix" json:"keyPrefix"`
	RedisURL           string `yaml:"redis_url" json:"redisUrl"`
}

// Caches groups the four caches used by the application.
type Caches struct {
	Default         CacheConfig `yaml:"default" json:"default"`
	Data            CacheConfig `yaml:"data" json:"data"`
	FilterState     CacheConfig `yaml:"filter_state" json:"filterState"`
	ExploreFormData CacheConfig `yaml:"explore_form_data" json:"exploreFormData"`
}

// NamedCache pairs a cache configuration with its role name.
type NamedCache struct {
	Name   string
	Config CacheConfig
}

// Names of the cache roles, in the order returned by Caches.All.
const (
	CacheDefault         = "default"
	CacheData            = "data"
	CacheFilterState     = "filter_state"
	CacheExploreFormData = "explore_form_data"
)

// All returns every cache with its role name in a stable order.
func (c Caches) All() []NamedCache {
	return []NamedCache{
		{Name: CacheDefault, Config: c.Default},
		{Name: CacheData, Config: c.Data},
		{Name: CacheFilterState, Config: c.FilterState},
		{Name: CacheExploreFormData, Config: c.ExploreFormData},
	}
}

func (c *Caches) each(fn func(*CacheConfig)) {
	fn(&c.Default)
	fn(&c.Data)
	fn(&c.FilterState)
	fn(&c.ExploreFormData)
}

// ResultsBackendConfig addresses the Redis instance holding SQL Lab results.
type ResultsBackendConfig struct {
	Host      string        `yaml:"host" json:"host"`
	Port      int           `yaml:"port" json:"port"`
	KeyPrefix string        `yaml:"key_prefix" json:"keyPrefix"`
	Timeout   time.Duration `yaml:"default_timeout" json:"defaultTimeout"`
}

func defaultCache(prefix string) CacheConfig {
	return CacheConfig{
		Type:               CacheTypeRedis,
		Timeout:            defaultCacheTimeout,
		RefreshOnRetrieval: true,
		KeyPrefix:          prefix,
		RedisURL:           defaultRedisURL,
	}
}

func defaultCaches() Caches {
	return Caches{
		Default:         defaultCache("superset_results"),
		Data:            defaultCache("superset_data_cache"),
		FilterState:     defaultCache("superset_filter_cache"),
		ExploreFormData: defaultCache("superset_explore_form_data_cache"),
	}
}
