package store

import (
	"context"
	"sort"
	"sync"

	"github.com/go-faster/errors"
)

// Factory opens a Store for cfg.
type Factory func(ctx context.Context, cfg Config) (Store, error)

// Registry maps driver names to store factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in backend.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterDriver("sqlite", openSQL)
	r.RegisterDriver("postgres", openSQL)
	r.RegisterDriver("mysql", openSQL)
	r.RegisterDriver("sqlserver", openSQL)
	r.RegisterDriver("oracle", openSQL)
	r.RegisterDriver("mongodb", OpenMongo)
	return r
}

// RegisterDriver registers a store factory for a driver name.
func (r *Registry) RegisterDriver(driver string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[driver] = factory
}

// Open creates a store for cfg.Driver.
func (r *Registry) Open(ctx context.Context, cfg Config) (Store, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unsupported store driver: %s (available: %v)", cfg.Driver, r.Drivers())
	}

	s, err := factory(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", cfg.Driver)
	}
	return s, nil
}

// Drivers returns the registered driver names, sorted.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	drivers := make([]string, 0, len(r.factories))
	for d := range r.factories {
		drivers = append(drivers, d)
	}
	sort.Strings(drivers)
	return drivers
}
