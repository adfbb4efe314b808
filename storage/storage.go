// Package storage defines the tenant-scoped key-value store contract consumed
// by backend session servers. Backend selection lives in storage/selector;
// implementations live in the sibling packages.
package storage

import (
	"context"
	"errors"
)

// Store is a tenant-scoped key-value store. Implementations must be safe for
// concurrent use. A Store is scoped to a single tenant by construction; keys
// from different tenants never collide.
type Store interface {
	// Get retrieves the value for key. A missing key returns (nil, nil);
	// errors are reserved for storage system failures.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all entries whose key begins with prefix, in ascending
	// key order.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases resources held by this store.
	Close() error
}

// Entry is a single key-value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// ErrUnavailable indicates the underlying storage backend could not be
// opened or reached. Callers surface it as a backend construction failure.
var ErrUnavailable = errors.New("storage: backend unavailable")
