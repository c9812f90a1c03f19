package cache

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/eugenenazirov/dashconf/internal/config"
)

// ResultsName is the registry name of the query results backend.
const ResultsName = "results"

// Registry owns every cache the application uses.
type Registry struct {
	names  []string
	caches map[string]Cache
}

// NewRegistry builds the four configured caches and the results backend.
func NewRegistry(cfg config.Config) (*Registry, error) {
	r := &Registry{caches: make(map[string]Cache, 5)}

	for _, nc := range cfg.Caches.All() {
		c, err := New(nc.Config)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("cache %s: %w", nc.Name, err)
		}
		r.add(nc.Name, c)
	}
	r.add(ResultsName, NewResultsBackend(cfg.ResultsBackend))

	return r, nil
}

func (r *Registry) add(name string, c Cache) {
	r.names = append(r.names, name)
	r.caches[name] = c
}

// Get returns the named cache.
func (r *Registry) Get(name string) (Cache, bool) {
	c, ok := r.caches[name]
	return c, ok
}

// Names lists the caches in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Ping contacts every backend and reports the outcome per cache name.
func (r *Registry) Ping(ctx context.Context) map[string]error {
	out := make(map[string]error, len(r.names))
	for _, name := range r.names {
		out[name] = r.caches[name].Ping(ctx)
	}
	return out
}

// Close closes every cache and reports all failures.
func (r *Registry) Close() error {
	var errs *multierror.Error
	for _, name := range r.names {
		if err := r.caches[name].Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close cache %s: %w", name, err))
		}
	}
	return errs.ErrorOrNil()
}
