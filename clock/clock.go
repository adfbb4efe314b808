// Package clock implements a durable hybrid-logical clock. Timestamps are
// monotonic within a process and, by persisting a high-water mark through a
// storage.Store, monotonic across restarts of the same tenant backend.
package clock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// persistKey is the storage key holding the clock's high-water mark.
const persistKey = "_clock/hwm"

// Timestamp is a hybrid-logical timestamp. Ordering is by Wall, then
// Logical, then Node.
type Timestamp struct {
	Wall    int64  // wall clock, unix milliseconds
	Logical uint32 // tie-breaker within one millisecond
	Node    string // stable node identifier
}

// Compare returns -1, 0, or 1 ordering t relative to o.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Wall != o.Wall:
		if t.Wall < o.Wall {
			return -1
		}
		return 1
	case t.Logical != o.Logical:
		if t.Logical < o.Logical {
			return -1
		}
		return 1
	default:
		return strings.Compare(t.Node, o.Node)
	}
}

// String encodes the timestamp as "wall-logical-node". The encoding sorts
// identically to Compare for fixed-width wall values within an epoch.
func (t Timestamp) String() string {
	return fmt.Sprintf("%013d-%08d-%s", t.Wall, t.Logical, t.Node)
}

// Parse decodes a timestamp produced by String.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("clock: malformed timestamp %q", s)
	}
	wall, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("clock: malformed wall %q: %w", parts[0], err)
	}
	logical, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("clock: malformed logical %q: %w", parts[1], err)
	}
	return Timestamp{Wall: wall, Logical: uint32(logical), Node: parts[2]}, nil
}

// Persister is the subset of storage.Store the clock needs.
type Persister interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Durable is a hybrid-logical clock persisted through a Persister. Safe for
// concurrent use.
type Durable struct {
	mu    sync.Mutex
	store Persister
	node  string
	last  Timestamp
	now   func() time.Time
}

// NewDurable loads any persisted high-water mark from store and returns a
// clock that will never issue a timestamp at or below it.
func NewDurable(ctx context.Context, store Persister, node string) (*Durable, error) {
	c := &Durable{store: store, node: node, now: time.Now}
	raw, err := store.Get(ctx, persistKey)
	if err != nil {
		return nil, fmt.Errorf("clock: load high-water mark: %w", err)
	}
	if len(raw) > 0 {
		ts, err := Parse(string(raw))
		if err != nil {
			return nil, err
		}
		c.last = ts
	}
	return c, nil
}

// Next issues the next timestamp and persists the new high-water mark before
// returning it. Callers must not use a timestamp whose persistence failed.
func (c *Durable) Next(ctx context.Context) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now().UnixMilli()
	next := Timestamp{Wall: wall, Logical: 0, Node: c.node}
	if wall <= c.last.Wall {
		next = Timestamp{Wall: c.last.Wall, Logical: c.last.Logical + 1, Node: c.node}
	}

	if err := c.store.Set(ctx, persistKey, []byte(next.String())); err != nil {
		return Timestamp{}, fmt.Errorf("clock: persist high-water mark: %w", err)
	}
	c.last = next
	return next, nil
}
