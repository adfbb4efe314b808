// Package registry maintains the process-wide cache of per-tenant backend
// servers. Entries are constructed lazily on first reference and live for
// the life of the process; there is no eviction in the current scope.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftsync/driftsync/backend"
)

// Factory constructs the backend server for one tenant. It is handed a
// context so construction (storage open, clock load) can be cancelled.
type Factory func(ctx context.Context, tenantID string) (backend.Server, error)

// Registry maps tenant ids to lazily constructed backend servers. Safe for
// concurrent use; concurrent first access for the same tenant constructs
// exactly once.
type Registry struct {
	factory Factory
	log     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	once sync.Once
	srv  backend.Server
	err  error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the slog logger. Logs are discarded if unset.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New creates a Registry that constructs servers with factory.
func New(factory Factory, opts ...Option) *Registry {
	r := &Registry{
		factory: factory,
		log:     slog.New(slog.DiscardHandler),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the backend server for tenantID, constructing it on first
// reference. Construction failures surface as backend.ErrBackendUnavailable
// and are not cached: the failed entry is discarded so a later call may
// retry deliberately. The registry itself never retries.
func (r *Registry) Resolve(ctx context.Context, tenantID string) (backend.Server, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: empty tenant id", backend.ErrBackendUnavailable)
	}

	r.mu.Lock()
	e, ok := r.entries[tenantID]
	if !ok {
		e = &entry{}
		r.entries[tenantID] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		srv, err := r.factory(ctx, tenantID)
		if err != nil {
			if !errors.Is(err, backend.ErrBackendUnavailable) {
				err = fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
			}
			e.err = err
			r.mu.Lock()
			// Drop the failed entry; the instance cached under this key must
			// only ever be a successfully constructed server.
			if cur, ok := r.entries[tenantID]; ok && cur == e {
				delete(r.entries, tenantID)
			}
			r.mu.Unlock()
			r.log.ErrorContext(ctx, "tenant.construct.fail",
				slog.String("tenant_id", tenantID),
				slog.String("err", err.Error()))
			return
		}
		e.srv = srv
		r.log.InfoContext(ctx, "tenant.construct.ok", slog.String("tenant_id", tenantID))
	})

	if e.err != nil {
		return nil, e.err
	}
	return e.srv, nil
}

// Close tears down every constructed server. The registry must not be used
// afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if e.srv == nil {
			continue
		}
		if err := e.srv.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
