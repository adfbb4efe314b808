package syncserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/driftsync/driftsync/auth"
	"github.com/driftsync/driftsync/backend"
)

// Conn implements backend.Connection. Commands are applied by a single
// worker goroutine per connection, preserving per-connection order. Event
// delivery to listeners happens synchronously under the listener lock, so a
// listener observes events in emission order.
type Conn struct {
	srv        *Server
	clientID   string
	schemaHash *int
	syncSchema bool
	claims     *auth.Claims

	pending chan json.RawMessage
	done    chan struct{}
	closing sync.Once

	lmu       sync.Mutex
	listeners map[int]backend.ListenerFunc
	nextLid   int
}

func (c *Conn) ClientID() string { return c.clientID }

// Claims returns the token claims the connection was opened with.
func (c *Conn) Claims() *auth.Claims { return c.claims }

// run is the connection's command worker.
func (c *Conn) run() {
	for {
		select {
		case <-c.done:
			c.drain()
			return
		case cmd := <-c.pending:
			c.apply(cmd)
		}
	}
}

// drain applies commands that were accepted before teardown. A dispatch that
// has been acknowledged must reach the command handler even when the
// connection closes immediately afterwards.
func (c *Conn) drain() {
	for {
		select {
		case cmd := <-c.pending:
			c.apply(cmd)
		default:
			return
		}
	}
}

func (c *Conn) apply(cmd json.RawMessage) {
	ctx := context.Background()
	if err := c.srv.commands(ctx, c.srv, c, cmd); err != nil {
		c.srv.log.Error("command.apply.fail",
			slog.String("client_id", c.clientID),
			slog.String("err", err.Error()))
		c.Emit(backend.Event{Type: backend.EventTypeError, Payload: map[string]any{
			"message": "command failed",
		}})
	}
}

// DispatchCommand implements backend.Connection. It returns once the command
// is accepted onto the pending queue.
func (c *Conn) DispatchCommand(ctx context.Context, cmd json.RawMessage) error {
	select {
	case <-c.done:
		return backend.ErrConnectionClosed
	default:
	}
	select {
	case c.pending <- cmd:
		return nil
	case <-c.done:
		return backend.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener implements backend.Connection.
func (c *Conn) AddListener(fn backend.ListenerFunc) (remove func()) {
	c.lmu.Lock()
	id := c.nextLid
	c.nextLid++
	c.listeners[id] = fn
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

// Emit delivers ev to all registered listeners in emission order. Holding
// the listener lock across delivery is what makes registration race-free
// with respect to concurrent emits.
func (c *Conn) Emit(ev backend.Event) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	for _, fn := range c.listeners {
		fn(ev)
	}
}

// IsClientSchemaCompatible implements backend.Connection. A client that
// declared no hash, or asked for schema sync, is always compatible.
func (c *Conn) IsClientSchemaCompatible(ctx context.Context) (*backend.SchemaIncompatibility, error) {
	if c.schemaHash == nil || c.syncSchema {
		return nil, nil
	}
	serverHash, err := c.srv.schemaHash(ctx)
	if err != nil {
		return nil, err
	}
	if serverHash == nil || *serverHash == *c.schemaHash {
		return nil, nil
	}
	return &backend.SchemaIncompatibility{
		Reason:           "client schema hash does not match server schema",
		ClientSchemaHash: c.schemaHash,
		ServerSchemaHash: serverHash,
	}, nil
}

// Close implements backend.Connection.
func (c *Conn) Close() { c.closeInternal(true) }

// closeInternal tears the connection down exactly once. When removeFromTable
// is false the caller has already replaced this connection in the table and
// eviction must not touch the successor.
func (c *Conn) closeInternal(removeFromTable bool) {
	c.closing.Do(func() {
		c.Emit(backend.Event{Type: backend.EventTypeClose, Payload: map[string]any{
			"reason": "connection closed",
		}})
		close(c.done)
		if removeFromTable {
			c.srv.removeConn(c)
		}
	})
}

var _ backend.Connection = (*Conn)(nil)
