// Package sqlite provides a SQLite-backed implementation of the
// storage.Store interface using the pure-Go modernc.org/sqlite driver. One
// database file holds all tenants; rows carry the tenant id so per-tenant
// stores derived from the same DB stay disjoint.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/driftsync/driftsync/storage"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS kv (
	tenant TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (tenant, key)
);`

// DB wraps a SQLite database shared by all tenant stores.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent tenants.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return &DB{db: db}, nil
}

// Tenant returns a storage.Store scoped to the given tenant id. Closing the
// returned store does not close the shared database.
func (d *DB) Tenant(tenantID string) *Store {
	return &Store{db: d.db, tenant: tenantID}
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// Store implements storage.Store for a single tenant.
type Store struct {
	db     *sql.DB
	tenant string
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE tenant = ? AND key = ?`, s.tenant, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (tenant, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (tenant, key) DO UPDATE SET value = excluded.value`,
		s.tenant, key, value)
	if err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE tenant = ? AND key = ?`, s.tenant, key)
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	q := `SELECT key, value FROM kv WHERE tenant = ? AND key >= ? ORDER BY key`
	args := []any{s.tenant, prefix}
	if end := prefixEnd(prefix); end != "" {
		q = `SELECT key, value FROM kv WHERE tenant = ? AND key >= ? AND key < ? ORDER BY key`
		args = append(args, end)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()
	var out []storage.Entry
	for rows.Next() {
		var e storage.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("sqlite list scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// prefixEnd returns the smallest key greater than every key carrying prefix,
// or "" when no finite upper bound exists (empty or all-0xff prefix). Bumping
// the last non-0xff byte keeps the range correct for keys such as
// prefix+"\xff", which naive prefix+"\xff" bounds would exclude.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// Close is a no-op; the shared DB is owned by the caller of Open.
func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
