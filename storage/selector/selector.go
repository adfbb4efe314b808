// Package selector resolves a storage backend selection into a per-tenant
// store factory. Resolution happens exactly once at configuration time;
// request paths never re-dispatch on the selection.
package selector

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/driftsync/driftsync/storage"
	"github.com/driftsync/driftsync/storage/memory"
	"github.com/driftsync/driftsync/storage/redis"
	"github.com/driftsync/driftsync/storage/sqlite"
)

// Kind names a built-in storage backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindRedis  Kind = "redis"
	KindSQLite Kind = "sqlite"
)

// ErrUnknownKind is returned when the configured kind is not one of the
// built-in backends.
var ErrUnknownKind = errors.New("selector: unknown storage kind")

// Factory constructs the store for one tenant.
type Factory func(ctx context.Context, tenantID string) (storage.Store, error)

// Config selects a storage backend. Exactly one of Store, Factory, or Kind
// is consulted, in that order of precedence.
type Config struct {
	// Store is a concrete, pre-constructed handle. Every tenant shares it;
	// only appropriate for single-tenant deployments.
	Store storage.Store

	// Factory constructs a store per tenant.
	Factory Factory

	// Kind selects a built-in backend.
	Kind Kind

	// RedisAddr, RedisPassword and RedisDB configure the redis kind.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SQLitePath configures the sqlite kind. Empty means ":memory:".
	SQLitePath string
}

// Resolved is the outcome of resolving a Config: a per-tenant opener plus
// the shared resources that must outlive individual tenant stores.
type Resolved struct {
	open  Factory
	close func() error
}

// Open constructs (or hands out) the store for tenantID.
func (r *Resolved) Open(ctx context.Context, tenantID string) (storage.Store, error) {
	return r.open(ctx, tenantID)
}

// Close releases any shared resources (e.g. a sqlite database or redis
// client) created during resolution.
func (r *Resolved) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// sharedStore suppresses Close so per-tenant teardown cannot tear down a
// handle shared across tenants.
type sharedStore struct{ storage.Store }

func (sharedStore) Close() error { return nil }

// Resolve validates cfg and constructs shared resources up front. Invalid
// configuration fails here, at startup, never per request.
func Resolve(ctx context.Context, cfg Config) (*Resolved, error) {
	switch {
	case cfg.Store != nil:
		// Hand the same handle to every tenant, but keep its lifetime tied
		// to the Resolved rather than any one tenant's teardown.
		st := sharedStore{cfg.Store}
		return &Resolved{
			open:  func(context.Context, string) (storage.Store, error) { return st, nil },
			close: cfg.Store.Close,
		}, nil

	case cfg.Factory != nil:
		return &Resolved{open: cfg.Factory}, nil
	}

	switch cfg.Kind {
	case KindMemory, "":
		return &Resolved{
			open: func(context.Context, string) (storage.Store, error) { return memory.New(), nil },
		}, nil

	case KindRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return &Resolved{
			open: func(ctx context.Context, tenantID string) (storage.Store, error) {
				return redis.New(redis.Config{Client: client, KeyPrefix: "driftsync:" + tenantID + ":"})
			},
			close: client.Close,
		}, nil

	case KindSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		db, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return &Resolved{
			open: func(_ context.Context, tenantID string) (storage.Store, error) {
				return db.Tenant(tenantID), nil
			},
			close: db.Close,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
